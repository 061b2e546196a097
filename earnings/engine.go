/*
Package earnings derives writer payouts from the chapter ledger.

PURPOSE:
  A writer earns a fixed share of each chapter's estimated cost; the
  remainder is platform margin. Nothing here is stored: every figure is
  recomputed from the chapters attributed to the writer, so earnings can
  never drift out of sync with the ledger.

PAYOUT ELIGIBILITY:
  Total earnings cover every assigned chapter, but only chapters that are
  both finished and paid (and not yet paid out) back a payout request.
  A payout debits the eligible pool, never in-progress work.
*/
package earnings

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

// PayoutShare is the writer's fixed fraction of a chapter's cost. The
// remaining 0.3 is platform margin; neither is configurable per chapter.
var PayoutShare = decimal.RequireFromString("0.7")

// WriterEarnings returns the writer's share of one chapter, rounded to two
// decimal places, independent of currency.
func WriterEarnings(c *ledger.Chapter) core.Money {
	return c.EstimatedCost.Mul(PayoutShare).Round(2)
}

type Service struct {
	store ledger.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store ledger.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// =============================================================================
// STATISTICS
// =============================================================================

type MonthlyEarnings struct {
	Month    string     `json:"month"` // YYYY-MM
	Chapters int        `json:"chapters"`
	Amount   core.Money `json:"amount"`
}

type Statistics struct {
	WriterID core.UserID `json:"writerId"`

	TotalEarnings      core.Money `json:"totalEarnings"`
	PendingEarnings    core.Money `json:"pendingEarnings"`
	AvailableForPayout core.Money `json:"availableForPayout"`
	PaidOut            core.Money `json:"paidOut"`

	PaidChapters      int `json:"paidChapters"`
	CompletedChapters int `json:"completedChapters"`
	AssignedProjects  int `json:"assignedProjects"`
	CompletedProjects int `json:"completedProjects"`

	Monthly []MonthlyEarnings `json:"monthly"`
}

func finished(c *ledger.Chapter) bool {
	return c.Status == ledger.StatusCompleted || c.Status == ledger.StatusApproved
}

func payoutEligible(c *ledger.Chapter) bool {
	return finished(c) && c.IsPaid && !c.IsPaidOut
}

// Statistics aggregates a writer's earnings across every chapter attributed
// to them. Writers may only read their own figures; admins read anyone's.
func (s *Service) Statistics(ctx context.Context, actor core.Actor, writerID core.UserID) (*Statistics, error) {
	if !actor.IsAdmin() && !(actor.IsWriter() && actor.ID == writerID) {
		return nil, core.Forbiddenf("you can only view your own earnings")
	}

	chapters, err := s.store.ListChapters(ctx, ledger.ChapterFilter{WriterID: writerID})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{WriterID: writerID}
	byMonth := map[string]*MonthlyEarnings{}

	for _, c := range chapters {
		share := WriterEarnings(c)
		stats.TotalEarnings = addMoney(stats.TotalEarnings, share)

		if c.IsPaid {
			stats.PaidChapters++
		}
		switch {
		case c.IsPaidOut:
			stats.PaidOut = addMoney(stats.PaidOut, share)
		case payoutEligible(c):
			stats.AvailableForPayout = addMoney(stats.AvailableForPayout, share)
		default:
			stats.PendingEarnings = addMoney(stats.PendingEarnings, share)
		}

		if finished(c) {
			stats.CompletedChapters++
			if c.CompletedAt != nil {
				month := c.CompletedAt.Format("2006-01")
				m, ok := byMonth[month]
				if !ok {
					m = &MonthlyEarnings{Month: month}
					byMonth[month] = m
				}
				m.Chapters++
				m.Amount = addMoney(m.Amount, share)
			}
		}
	}

	profile, err := s.store.GetWriterProfile(ctx, writerID)
	if err == nil {
		stats.AssignedProjects = profile.AssignedProjects
		stats.CompletedProjects = profile.CompletedProjects
	} else if !core.IsNotFound(err) {
		return nil, err
	}

	for _, m := range byMonth {
		stats.Monthly = append(stats.Monthly, *m)
	}
	sort.Slice(stats.Monthly, func(i, j int) bool { return stats.Monthly[i].Month < stats.Monthly[j].Month })

	return stats, nil
}

// addMoney accumulates while adopting the currency of the first non-zero
// contribution.
func addMoney(acc, delta core.Money) core.Money {
	if acc.Currency == "" {
		acc.Currency = delta.Currency
	}
	return acc.Add(delta)
}

// =============================================================================
// PAYOUT REQUESTS
// =============================================================================

type PayoutReceipt struct {
	WriterID    core.UserID      `json:"writerId"`
	ChapterIDs  []core.ChapterID `json:"chapterIds"`
	TotalAmount core.Money       `json:"totalAmount"`
	RequestedAt time.Time        `json:"requestedAt"`
}

// RequestPayout marks the selected chapters paid out and returns the total
// debited from the eligible pool. The batch is transactional: if any chapter
// is ineligible the whole request fails and nothing is marked.
func (s *Service) RequestPayout(ctx context.Context, actor core.Actor, chapterIDs []core.ChapterID) (*PayoutReceipt, error) {
	if !actor.IsWriter() {
		return nil, core.Forbiddenf("only writers can request payouts")
	}
	if len(chapterIDs) == 0 {
		return nil, core.InvalidArgumentf("at least one chapter is required")
	}
	for _, id := range chapterIDs {
		if uuid.Validate(string(id)) != nil {
			return nil, core.InvalidArgumentf("invalid chapter id %q", id)
		}
	}

	receipt := &PayoutReceipt{WriterID: actor.ID, ChapterIDs: chapterIDs, RequestedAt: s.now()}
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		for _, id := range chapterIDs {
			updated, err := tx.UpdateChapter(ctx, id, ledger.AnyVersion, func(c *ledger.Chapter) error {
				if c.WriterID != actor.ID {
					return core.Forbiddenf("chapter %s is not attributed to you", id)
				}
				if !payoutEligible(c) {
					return core.InvalidStatef("chapter %s is not eligible for payout: it must be completed and paid", id)
				}
				c.IsPaidOut = true
				return nil
			})
			if err != nil {
				return err
			}
			receipt.TotalAmount = addMoney(receipt.TotalAmount, WriterEarnings(updated))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payout requested",
		slog.String("writer", string(actor.ID)),
		slog.Int("chapters", len(chapterIDs)),
		slog.String("amount", receipt.TotalAmount.String()))
	return receipt, nil
}
