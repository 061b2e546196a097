/*
Package payment implements the payment state machine.

STATE MODEL:
  pending → processing (optional) → {completed, failed}
  completed → {refunded, disputed}
  disputed → {completed, refunded, failed} via resolution

COUPLING INVARIANT:
  Chapter.isPaid and Payment.status are never updated independently. Every
  settlement-class transition (mark paid, refund, dispute resolution) runs
  inside a store transaction that flips the payment and the linked chapter
  together, so a reader can never observe a completed payment whose chapter
  is unpaid, or vice versa. The UI layer is never responsible for this.
*/
package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

type Service struct {
	store ledger.Store
	log   *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store ledger.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now, newID: uuid.NewString}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func validPaymentID(id core.PaymentID) error {
	if uuid.Validate(string(id)) != nil {
		return core.InvalidArgumentf("invalid payment id %q", id)
	}
	return nil
}

// applyPayment funnels every payment mutation through the store's
// conditional update and appends the admin audit entry atomically.
func (s *Service) applyPayment(ctx context.Context, store ledger.Store, actor core.Actor, id core.PaymentID, expectedVersion int64, action string, changes map[string]any, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	if err := validPaymentID(id); err != nil {
		return nil, err
	}
	updated, err := store.UpdatePayment(ctx, id, expectedVersion, func(p *ledger.Payment) error {
		if err := mutate(p); err != nil {
			return err
		}
		p.AdminLogs = core.AppendAudit(p.AdminLogs, actor, action, changes, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment mutated",
		slog.String("payment", string(id)),
		slog.String("action", action),
		slog.String("actor", string(actor.ID)))
	return updated, nil
}

// =============================================================================
// CREATE / READ
// =============================================================================

type CreateParams struct {
	ChapterID     core.ChapterID
	Amount        decimal.Decimal
	Currency      core.Currency
	DueDate       *time.Time
	PaymentMethod string
	// UserID lets an admin raise a payment on a student's behalf.
	UserID core.UserID
}

// Create opens a checkout intent in pending. When the payment is tied to a
// chapter, the amount defaults to the chapter's authoritative estimated cost.
func (s *Service) Create(ctx context.Context, actor core.Actor, p CreateParams) (*ledger.Payment, error) {
	if !actor.IsStudent() && !actor.IsAdmin() {
		return nil, core.Forbiddenf("only students can create payments")
	}
	userID := actor.ID
	if actor.IsAdmin() && p.UserID != "" {
		userID = p.UserID
	}

	amount := core.Money{Value: p.Amount, Currency: p.Currency}
	if p.ChapterID != "" {
		c, err := s.store.GetChapter(ctx, p.ChapterID)
		if err != nil {
			return nil, err
		}
		if c.OwnerID != userID {
			return nil, core.Forbiddenf("chapter belongs to a different student")
		}
		if p.Amount.IsZero() {
			amount = c.EstimatedCost
		} else if p.Currency == "" {
			amount.Currency = c.EstimatedCost.Currency
		}
	}
	if !amount.IsPositive() {
		return nil, core.InvalidArgumentf("payment amount must be positive")
	}

	now := s.now()
	pay := &ledger.Payment{
		ID:            core.PaymentID(s.newID()),
		UserID:        userID,
		ChapterID:     p.ChapterID,
		Amount:        amount,
		Status:        ledger.PaymentPending,
		DueDate:       p.DueDate,
		PaymentMethod: p.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	pay.AdminLogs = core.AppendAudit(pay.AdminLogs, actor, "create_payment", map[string]any{
		"userId": userID, "chapterId": p.ChapterID, "amount": amount.Value.String(),
	}, now)

	if err := s.store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}
	return pay, nil
}

func (s *Service) Get(ctx context.Context, actor core.Actor, id core.PaymentID) (*ledger.Payment, error) {
	if err := validPaymentID(id); err != nil {
		return nil, err
	}
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != p.UserID {
		return nil, core.Forbiddenf("you do not have access to this payment")
	}
	return p, nil
}

// ListMine returns the actor's payments; admins see everything.
func (s *Service) ListMine(ctx context.Context, actor core.Actor) ([]*ledger.Payment, error) {
	f := ledger.PaymentFilter{UserID: actor.ID}
	if actor.IsAdmin() {
		f.UserID = ""
	}
	return s.store.ListPayments(ctx, f)
}

// =============================================================================
// SETTLEMENT TRANSITIONS
// =============================================================================

type MarkPaidParams struct {
	PaymentID       core.PaymentID
	TransactionID   string
	ExpectedVersion int64
}

// MarkPaid settles the payment and synchronously marks the linked chapter
// paid. Both writes commit together or not at all.
func (s *Service) MarkPaid(ctx context.Context, actor core.Actor, p MarkPaidParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can mark payments as paid")
	}

	var updated *ledger.Payment
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		changes := map[string]any{"transactionId": p.TransactionID}
		updated, err = s.applyPayment(ctx, tx, actor, p.PaymentID, p.ExpectedVersion, "mark_paid", changes, func(pay *ledger.Payment) error {
			if pay.Status == ledger.PaymentCompleted {
				return core.InvalidStatef("payment is already completed")
			}
			now := s.now()
			pay.Status = ledger.PaymentCompleted
			pay.CompletedAt = &now
			if p.TransactionID != "" {
				pay.TransactionID = p.TransactionID
			} else if pay.TransactionID == "" {
				pay.TransactionID = s.newID()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.syncChapterPaid(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type MarkProcessingParams struct {
	PaymentID       core.PaymentID
	ExpectedVersion int64
}

// MarkProcessing moves a pending payment into the optional provider-side
// intermediate state.
func (s *Service) MarkProcessing(ctx context.Context, actor core.Actor, p MarkProcessingParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can update payment processing state")
	}
	return s.applyPayment(ctx, s.store, actor, p.PaymentID, p.ExpectedVersion, "mark_processing", nil, func(pay *ledger.Payment) error {
		if pay.Status != ledger.PaymentPending {
			return core.InvalidStatef("only pending payments can enter processing, got %s", pay.Status)
		}
		pay.Status = ledger.PaymentProcessing
		return nil
	})
}

type RefundParams struct {
	PaymentID       core.PaymentID
	Amount          *decimal.Decimal // nil refunds the full amount
	Reason          string
	ExpectedVersion int64
}

// Refund reverses a settled (or abandoned pending) payment and synchronously
// clears the linked chapter's paid flag.
func (s *Service) Refund(ctx context.Context, actor core.Actor, p RefundParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can refund payments")
	}
	if p.Reason == "" {
		return nil, core.InvalidArgumentf("a refund reason is required")
	}

	var updated *ledger.Payment
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		changes := map[string]any{"reason": p.Reason}
		updated, err = s.applyPayment(ctx, tx, actor, p.PaymentID, p.ExpectedVersion, "refund", changes, func(pay *ledger.Payment) error {
			if pay.Status != ledger.PaymentCompleted && pay.Status != ledger.PaymentPending {
				return core.InvalidStatef("only completed or pending payments can be refunded, got %s", pay.Status)
			}
			refund := pay.Amount
			if p.Amount != nil {
				if p.Amount.GreaterThan(pay.Amount.Value) {
					return core.InvalidArgumentf("refund exceeds the payment amount")
				}
				refund = core.Money{Value: *p.Amount, Currency: pay.Amount.Currency}
			}
			pay.Status = ledger.PaymentRefunded
			pay.RefundAmount = &refund
			pay.RefundReason = p.Reason
			return nil
		})
		if err != nil {
			return err
		}
		return s.syncChapterUnpaid(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// DISPUTES
// =============================================================================

type DisputeParams struct {
	PaymentID       core.PaymentID
	Reason          string
	ExpectedVersion int64
}

// Dispute flags a payment. The chapter keeps its paid state until the
// dispute is resolved.
func (s *Service) Dispute(ctx context.Context, actor core.Actor, p DisputeParams) (*ledger.Payment, error) {
	if p.Reason == "" {
		return nil, core.InvalidArgumentf("a dispute reason is required")
	}
	return s.applyPayment(ctx, s.store, actor, p.PaymentID, p.ExpectedVersion, "dispute", map[string]any{"reason": p.Reason}, func(pay *ledger.Payment) error {
		if !actor.IsAdmin() && actor.ID != pay.UserID {
			return core.Forbiddenf("only the paying student or an admin can dispute a payment")
		}
		pay.Status = ledger.PaymentDisputed
		pay.DisputeReason = p.Reason
		return nil
	})
}

type ResolveDisputeParams struct {
	PaymentID       core.PaymentID
	Resolution      ledger.PaymentStatus // completed, refunded or failed
	Note            string
	ExpectedVersion int64
}

// ResolveDispute closes a disputed payment and applies the chapter
// synchronization rule matching the outcome: paid on completed, cleared
// otherwise.
func (s *Service) ResolveDispute(ctx context.Context, actor core.Actor, p ResolveDisputeParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can resolve disputes")
	}
	switch p.Resolution {
	case ledger.PaymentCompleted, ledger.PaymentRefunded, ledger.PaymentFailed:
	default:
		return nil, core.InvalidArgumentf("dispute resolution must be completed, refunded or failed")
	}

	var updated *ledger.Payment
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		changes := map[string]any{"resolution": p.Resolution, "note": p.Note}
		updated, err = s.applyPayment(ctx, tx, actor, p.PaymentID, p.ExpectedVersion, "resolve_dispute", changes, func(pay *ledger.Payment) error {
			if pay.Status != ledger.PaymentDisputed {
				return core.InvalidStatef("payment is not disputed")
			}
			now := s.now()
			pay.Status = p.Resolution
			pay.DisputeResolution = p.Note
			switch p.Resolution {
			case ledger.PaymentCompleted:
				pay.CompletedAt = &now
				if pay.TransactionID == "" {
					pay.TransactionID = s.newID()
				}
			case ledger.PaymentRefunded:
				refund := pay.Amount
				pay.RefundAmount = &refund
				if pay.RefundReason == "" {
					pay.RefundReason = p.Note
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if p.Resolution == ledger.PaymentCompleted {
			return s.syncChapterPaid(ctx, tx, updated)
		}
		return s.syncChapterUnpaid(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// METADATA MUTATIONS
// =============================================================================

type UpdateAmountParams struct {
	PaymentID       core.PaymentID
	Amount          decimal.Decimal
	ExpectedVersion int64
}

func (s *Service) UpdateAmount(ctx context.Context, actor core.Actor, p UpdateAmountParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can change payment amounts")
	}
	if !p.Amount.IsPositive() {
		return nil, core.InvalidArgumentf("payment amount must be positive")
	}
	return s.applyPayment(ctx, s.store, actor, p.PaymentID, p.ExpectedVersion, "update_amount", map[string]any{"amount": p.Amount.String()}, func(pay *ledger.Payment) error {
		if pay.Status == ledger.PaymentCompleted {
			return core.InvalidStatef("cannot change the amount of a completed payment")
		}
		pay.Amount = core.Money{Value: p.Amount, Currency: pay.Amount.Currency}
		return nil
	})
}

type ExtendDueDateParams struct {
	PaymentID       core.PaymentID
	DueDate         time.Time
	ExpectedVersion int64
}

func (s *Service) ExtendDueDate(ctx context.Context, actor core.Actor, p ExtendDueDateParams) (*ledger.Payment, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can extend due dates")
	}
	if !p.DueDate.After(s.now()) {
		return nil, core.InvalidArgumentf("due date must be in the future")
	}
	return s.applyPayment(ctx, s.store, actor, p.PaymentID, p.ExpectedVersion, "extend_due_date", map[string]any{"dueDate": p.DueDate}, func(pay *ledger.Payment) error {
		if pay.Status != ledger.PaymentPending {
			return core.InvalidStatef("only pending payments can have the due date extended, got %s", pay.Status)
		}
		due := p.DueDate
		pay.DueDate = &due
		return nil
	})
}

// =============================================================================
// CHAPTER SYNCHRONIZATION
// =============================================================================

func (s *Service) syncChapterPaid(ctx context.Context, tx ledger.Store, pay *ledger.Payment) error {
	if pay.ChapterID == "" {
		return nil
	}
	_, err := tx.UpdateChapter(ctx, pay.ChapterID, ledger.AnyVersion, func(c *ledger.Chapter) error {
		c.IsPaid = true
		c.PaymentID = pay.ID
		return nil
	})
	return err
}

func (s *Service) syncChapterUnpaid(ctx context.Context, tx ledger.Store, pay *ledger.Payment) error {
	if pay.ChapterID == "" {
		return nil
	}
	_, err := tx.UpdateChapter(ctx, pay.ChapterID, ledger.AnyVersion, func(c *ledger.Chapter) error {
		// Another payment may have settled the chapter since; only clear
		// the flag this payment set.
		if c.PaymentID != pay.ID {
			return nil
		}
		c.IsPaid = false
		c.PaymentID = ""
		return nil
	})
	return err
}
