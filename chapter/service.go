/*
Package chapter implements the chapter state machine and the bid sub-ledger.

STATE MODEL:
  draft → pending → in_progress → {completed, revision} → approved
  with revision → in_progress (resume) as the writer's common path.

Every mutation is a single atomic transform over the Chapter aggregate:
guards are checked against current state inside the store's conditional
update, so no partial write ever precedes a failed guard. Administrative
mutations append one audit entry, enforced by the apply funnel rather than
by each handler remembering to.

SEE ALSO:
  - bids.go: submit/resolve operations on the embedded bid ledger
  - ledger/: aggregate types and the store contract
*/
package chapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
	"github.com/quill/chapter-engine/pricing"
)

type Service struct {
	store   ledger.Store
	pricing *pricing.Calculator
	log     *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store ledger.Store, calc *pricing.Calculator, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		pricing: calc,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// applyChapter is the single funnel every chapter mutation goes through.
// It runs the mutation inside the store's conditional update and appends
// the admin audit entry in the same atomic write.
func (s *Service) applyChapter(ctx context.Context, store ledger.Store, actor core.Actor, id core.ChapterID, expectedVersion int64, action string, changes map[string]any, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	if err := validChapterID(id); err != nil {
		return nil, err
	}
	updated, err := store.UpdateChapter(ctx, id, expectedVersion, func(c *ledger.Chapter) error {
		if err := mutate(c); err != nil {
			return err
		}
		c.AdminLogs = core.AppendAudit(c.AdminLogs, actor, action, changes, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("chapter mutated",
		slog.String("chapter", string(id)),
		slog.String("action", action),
		slog.String("actor", string(actor.ID)),
		slog.String("role", string(actor.Role)))
	return updated, nil
}

func validChapterID(id core.ChapterID) error {
	if uuid.Validate(string(id)) != nil {
		return core.InvalidArgumentf("invalid chapter id %q", id)
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

type CreateParams struct {
	Title           string
	ChapterNumber   int
	Pages           int
	TargetWordCount int
	Level           ledger.Level
	WorkType        ledger.WorkType
	Urgency         ledger.Urgency
	Deadline        *time.Time
	// OwnerID lets an admin create on a student's behalf; students always
	// own what they create.
	OwnerID core.UserID
}

// Create opens a new chapter in draft. The estimated cost is computed
// server-side by the pricing calculator and is authoritative.
func (s *Service) Create(ctx context.Context, actor core.Actor, p CreateParams) (*ledger.Chapter, error) {
	if !actor.IsStudent() && !actor.IsAdmin() {
		return nil, core.Forbiddenf("only students can create chapters")
	}
	if p.Title == "" {
		return nil, core.InvalidArgumentf("title is required")
	}
	if p.ChapterNumber < 1 {
		return nil, core.InvalidArgumentf("chapter number must be at least 1")
	}

	ownerID := actor.ID
	if actor.IsAdmin() && p.OwnerID != "" {
		ownerID = p.OwnerID
	}

	cost, err := s.pricing.Estimate(pricing.Input{
		Pages:           p.Pages,
		TargetWordCount: p.TargetWordCount,
		Level:           p.Level,
		WorkType:        p.WorkType,
		Urgency:         p.Urgency,
	})
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListChapters(ctx, ledger.ChapterFilter{OwnerID: ownerID, ChapterNumber: p.ChapterNumber})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, core.InvalidStatef("chapter %d already exists for this student", p.ChapterNumber)
	}

	now := s.now()
	c := &ledger.Chapter{
		ID:              core.ChapterID(s.newID()),
		Title:           p.Title,
		ChapterNumber:   p.ChapterNumber,
		Status:          ledger.StatusDraft,
		OwnerID:         ownerID,
		TargetWordCount: p.TargetWordCount,
		Level:           p.Level,
		WorkType:        p.WorkType,
		Urgency:         p.Urgency,
		EstimatedCost:   cost,
		Deadline:        p.Deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.AdminLogs = core.AppendAudit(c.AdminLogs, actor, "create_chapter", map[string]any{
		"ownerId": ownerID, "chapterNumber": p.ChapterNumber,
	}, now)

	if err := s.store.CreateChapter(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, actor core.Actor, id core.ChapterID) (*ledger.Chapter, error) {
	if err := validChapterID(id); err != nil {
		return nil, err
	}
	c, err := s.store.GetChapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != c.OwnerID && actor.ID != c.WriterID {
		return nil, core.Forbiddenf("you do not have access to this chapter")
	}
	return c, nil
}

// ListMine returns the chapters the actor is attached to: owned chapters for
// students, assigned chapters for writers, everything for admins.
func (s *Service) ListMine(ctx context.Context, actor core.Actor) ([]*ledger.Chapter, error) {
	switch actor.Role {
	case core.RoleStudent:
		return s.store.ListChapters(ctx, ledger.ChapterFilter{OwnerID: actor.ID})
	case core.RoleWriter:
		return s.store.ListChapters(ctx, ledger.ChapterFilter{WriterID: actor.ID})
	case core.RoleAdmin:
		return s.store.ListChapters(ctx, ledger.ChapterFilter{})
	}
	return nil, core.Forbiddenf("unknown role %q", actor.Role)
}

// ListOpen returns unassigned, paid chapters writers can bid on or accept.
func (s *Service) ListOpen(ctx context.Context, actor core.Actor) ([]*ledger.Chapter, error) {
	if !actor.IsWriter() && !actor.IsAdmin() {
		return nil, core.Forbiddenf("only writers can browse open chapters")
	}
	return s.store.ListChapters(ctx, ledger.ChapterFilter{OpenForBidding: true, Unassigned: true})
}

// ListOverdue is the read-only overdue sweep: deadline passed and work not
// finished. It never mutates, so it can run concurrently with writers.
func (s *Service) ListOverdue(ctx context.Context, actor core.Actor) ([]*ledger.Chapter, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can list overdue chapters")
	}
	now := s.now()
	return s.store.ListChapters(ctx, ledger.ChapterFilter{
		OverdueAt: &now,
		Statuses:  []ledger.Status{ledger.StatusDraft, ledger.StatusPending, ledger.StatusInProgress, ledger.StatusRevision},
	})
}

// =============================================================================
// CONTENT
// =============================================================================

type UpdateContentParams struct {
	ChapterID       core.ChapterID
	Content         string
	Notes           string
	ExpectedVersion int64
}

// UpdateContent replaces the working draft. When prior content was non-empty
// and differs, it is first snapshotted as the next revision; the history is
// append-only and monotonic.
func (s *Service) UpdateContent(ctx context.Context, actor core.Actor, p UpdateContentParams) (*ledger.Chapter, error) {
	changes := map[string]any{"notes": p.Notes}
	return s.applyChapter(ctx, s.store, actor, p.ChapterID, p.ExpectedVersion, "update_content", changes, func(c *ledger.Chapter) error {
		if c.WriterID != "" {
			if actor.ID != c.WriterID && !actor.IsAdmin() {
				return core.Forbiddenf("only the assigned writer can edit this chapter")
			}
		} else if actor.ID != c.OwnerID && !actor.IsAdmin() {
			return core.Forbiddenf("only the chapter owner can edit an unassigned chapter")
		}
		switch c.Status {
		case ledger.StatusCompleted, ledger.StatusApproved:
			return core.InvalidStatef("content is frozen once the chapter is %s", c.Status)
		}

		if c.Content != "" && c.Content != p.Content {
			c.Revisions = append(c.Revisions, ledger.Revision{
				Version:   c.NextRevisionVersion(),
				Content:   c.Content,
				Note:      p.Notes,
				CreatedAt: s.now(),
			})
		}
		c.Content = p.Content
		c.WordCount = ledger.CountWords(p.Content)
		if p.Notes != "" {
			c.Notes = p.Notes
		}
		return nil
	})
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

type ChangeStatusParams struct {
	ChapterID       core.ChapterID
	Status          ledger.Status
	ExpectedVersion int64
}

// writerTransitions are the moves an assigned writer may make.
var writerTransitions = map[ledger.Status][]ledger.Status{
	ledger.StatusInProgress: {ledger.StatusCompleted},
	ledger.StatusRevision:   {ledger.StatusInProgress, ledger.StatusCompleted},
}

// studentTransitions are the moves a chapter owner may make.
var studentTransitions = map[ledger.Status][]ledger.Status{
	ledger.StatusCompleted: {ledger.StatusRevision, ledger.StatusApproved},
}

func transitionAllowed(table map[ledger.Status][]ledger.Status, from, to ledger.Status) bool {
	for _, t := range table[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ChangeStatus drives the chapter through its lifecycle. Writers finish or
// resume their assigned work, students request revisions or approve, admins
// may set any status. Completing a chapter stamps completedAt and bumps the
// writer's completed counter in the same transaction.
func (s *Service) ChangeStatus(ctx context.Context, actor core.Actor, p ChangeStatusParams) (*ledger.Chapter, error) {
	if !p.Status.Valid() {
		return nil, core.InvalidArgumentf("unknown status %q", p.Status)
	}

	var completedBy core.UserID
	var updated *ledger.Chapter
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		changes := map[string]any{"status": p.Status}
		updated, err = s.applyChapter(ctx, tx, actor, p.ChapterID, p.ExpectedVersion, "change_status", changes, func(c *ledger.Chapter) error {
			from := c.Status
			switch {
			case actor.IsAdmin():
				// Admins move freely through the lifecycle, except back to an
				// unassigned state: there is no unassignment, so a chapter with
				// a writer can never return to draft or pending.
				if c.WriterID != "" && (p.Status == ledger.StatusDraft || p.Status == ledger.StatusPending) {
					return core.InvalidStatef("cannot move an assigned chapter back to %s", p.Status)
				}
			case actor.ID == c.WriterID && actor.IsWriter():
				if !transitionAllowed(writerTransitions, from, p.Status) {
					return core.InvalidStatef("writer cannot move chapter from %s to %s", from, p.Status)
				}
			case actor.ID == c.OwnerID && actor.IsStudent():
				if !transitionAllowed(studentTransitions, from, p.Status) {
					return core.InvalidStatef("student cannot move chapter from %s to %s", from, p.Status)
				}
			default:
				return core.Forbiddenf("you cannot change the status of this chapter")
			}

			if p.Status == ledger.StatusCompleted && from != ledger.StatusCompleted {
				now := s.now()
				c.CompletedAt = &now
				completedBy = c.WriterID
			}
			c.Status = p.Status
			return nil
		})
		if err != nil {
			return err
		}
		if completedBy != "" {
			_, err = tx.UpdateWriterProfile(ctx, completedBy, func(w *ledger.WriterProfile) error {
				w.CompletedProjects++
				return nil
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

type AssignWriterParams struct {
	ChapterID       core.ChapterID
	WriterID        core.UserID
	ExpectedVersion int64
}

// AssignWriter is the admin bypass around bidding: the writer is attached
// directly and every pending bid is rejected in the same atomic write.
func (s *Service) AssignWriter(ctx context.Context, actor core.Actor, p AssignWriterParams) (*ledger.Chapter, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can assign writers directly")
	}
	if p.WriterID == "" {
		return nil, core.InvalidArgumentf("writer id is required")
	}
	changes := map[string]any{"writerId": p.WriterID}
	return s.applyChapter(ctx, s.store, actor, p.ChapterID, p.ExpectedVersion, "assign_writer", changes, func(c *ledger.Chapter) error {
		if c.Status == ledger.StatusCompleted || c.Status == ledger.StatusApproved {
			return core.InvalidStatef("cannot assign a writer to a %s chapter", c.Status)
		}
		if c.WriterID != "" {
			return core.InvalidStatef("chapter already has an assigned writer")
		}
		now := s.now()
		c.WriterID = p.WriterID
		c.AssignedAt = &now
		if c.Status == ledger.StatusDraft || c.Status == ledger.StatusPending {
			c.Status = ledger.StatusInProgress
		}
		rejectPendingBids(c, actor.ID, "Admin assigned writer directly", now)
		return nil
	})
}

type AcceptChapterParams struct {
	ChapterID core.ChapterID
}

// AcceptChapter is the writer self-serve path: an unassigned, paid chapter
// may be picked up without bidding.
func (s *Service) AcceptChapter(ctx context.Context, actor core.Actor, p AcceptChapterParams) (*ledger.Chapter, error) {
	if !actor.IsWriter() {
		return nil, core.Forbiddenf("only writers can accept chapters")
	}
	return s.applyChapter(ctx, s.store, actor, p.ChapterID, ledger.AnyVersion, "accept_chapter", nil, func(c *ledger.Chapter) error {
		if c.WriterID != "" {
			return core.InvalidStatef("chapter is already assigned to a writer")
		}
		if !c.IsPaid {
			return core.InvalidStatef("chapter must be paid before work can start")
		}
		now := s.now()
		c.WriterID = actor.ID
		c.AssignedAt = &now
		if c.Status == ledger.StatusDraft || c.Status == ledger.StatusPending {
			c.Status = ledger.StatusInProgress
		}
		return nil
	})
}

// =============================================================================
// ADMIN METADATA
// =============================================================================

type ExtendDeadlineParams struct {
	ChapterID       core.ChapterID
	Deadline        time.Time
	ExpectedVersion int64
}

func (s *Service) ExtendDeadline(ctx context.Context, actor core.Actor, p ExtendDeadlineParams) (*ledger.Chapter, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can extend deadlines")
	}
	if !p.Deadline.After(s.now()) {
		return nil, core.InvalidArgumentf("deadline must be in the future")
	}
	changes := map[string]any{"deadline": p.Deadline}
	return s.applyChapter(ctx, s.store, actor, p.ChapterID, p.ExpectedVersion, "extend_deadline", changes, func(c *ledger.Chapter) error {
		if c.Status == ledger.StatusCompleted || c.Status == ledger.StatusApproved {
			return core.InvalidStatef("cannot extend the deadline of a %s chapter", c.Status)
		}
		deadline := p.Deadline
		c.Deadline = &deadline
		return nil
	})
}

type UpdateCostParams struct {
	ChapterID       core.ChapterID
	Cost            decimal.Decimal
	ExpectedVersion int64
}

func (s *Service) UpdateCost(ctx context.Context, actor core.Actor, p UpdateCostParams) (*ledger.Chapter, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can change chapter cost")
	}
	if !p.Cost.IsPositive() {
		return nil, core.InvalidArgumentf("cost must be positive")
	}
	changes := map[string]any{"estimatedCost": p.Cost.String()}
	return s.applyChapter(ctx, s.store, actor, p.ChapterID, p.ExpectedVersion, "update_cost", changes, func(c *ledger.Chapter) error {
		if c.IsPaid {
			return core.InvalidStatef("cannot change the cost of a paid chapter")
		}
		c.EstimatedCost = core.Money{Value: p.Cost, Currency: c.EstimatedCost.Currency}
		return nil
	})
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a chapter. The guards run inside the transaction so a
// racing bid or payment cannot slip past them.
func (s *Service) Delete(ctx context.Context, actor core.Actor, id core.ChapterID) error {
	if !actor.IsAdmin() {
		return core.Forbiddenf("only admins can delete chapters")
	}
	if err := validChapterID(id); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx ledger.Store) error {
		c, err := tx.GetChapter(ctx, id)
		if err != nil {
			return err
		}
		if c.IsPaid || c.Status == ledger.StatusCompleted || c.Status == ledger.StatusApproved {
			return core.InvalidStatef("Cannot delete paid or completed chapters")
		}
		if c.PendingBids() > 0 {
			return core.InvalidStatef("Cannot delete chapter with pending bids. Please reject all bids first.")
		}
		return tx.DeleteChapter(ctx, id)
	})
}

func rejectPendingBids(c *ledger.Chapter, by core.UserID, reason string, at time.Time) {
	for i := range c.Bids {
		if c.Bids[i].Status != ledger.BidPending {
			continue
		}
		rejectedAt := at
		c.Bids[i].Status = ledger.BidRejected
		c.Bids[i].RejectedAt = &rejectedAt
		c.Bids[i].RejectedBy = by
		c.Bids[i].RejectionReason = reason
	}
}
