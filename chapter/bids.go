/*
bids.go - Bid sub-ledger operations

The Chapter aggregate is the arena: bids have no identity outside it, and
resolution is a single atomic transform over the whole document. A reader
can never observe an accepted bid without the chapter already reflecting
the assignment, nor an in_progress chapter without a writer.

Resolution is admin-driven. There is deliberately no auto-accept-lowest-bid
rule.
*/
package chapter

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

type SubmitBidParams struct {
	ChapterID     core.ChapterID
	Amount        decimal.Decimal
	EstimatedDays int
}

// SubmitBid records a writer's offer on a chapter that is open for bidding.
// A writer holds at most one active bid per chapter.
func (s *Service) SubmitBid(ctx context.Context, actor core.Actor, p SubmitBidParams) (*ledger.Chapter, error) {
	if !actor.IsWriter() {
		return nil, core.Forbiddenf("only writers can bid on chapters")
	}
	if !p.Amount.IsPositive() {
		return nil, core.InvalidArgumentf("bid amount must be positive")
	}
	if p.EstimatedDays < 1 {
		return nil, core.InvalidArgumentf("estimated days must be at least 1")
	}

	return s.applyChapter(ctx, s.store, actor, p.ChapterID, ledger.AnyVersion, "submit_bid", nil, func(c *ledger.Chapter) error {
		if !c.IsPaid {
			return core.InvalidStatef("chapter is not open for bidding until payment is settled")
		}
		if c.Status != ledger.StatusDraft && c.Status != ledger.StatusPending {
			return core.InvalidStatef("chapter is no longer open for bidding")
		}
		if c.ActiveBidBy(actor.ID) {
			return core.InvalidStatef("you already have an active bid on this chapter")
		}
		c.Bids = append(c.Bids, ledger.Bid{
			ID:            core.BidID(s.newID()),
			WriterID:      actor.ID,
			Amount:        core.Money{Value: p.Amount, Currency: c.EstimatedCost.Currency},
			EstimatedDays: p.EstimatedDays,
			Status:        ledger.BidPending,
			CreatedAt:     s.now(),
		})
		return nil
	})
}

type BidAction string

const (
	BidActionAccept BidAction = "accept"
	BidActionReject BidAction = "reject"
)

type ResolveBidParams struct {
	ChapterID       core.ChapterID
	BidID           core.BidID
	Action          BidAction
	Reason          string
	ExpectedVersion int64
}

// ResolveBid accepts or rejects a pending bid. Accepting assigns the writer,
// moves the chapter into in_progress and cascades rejection onto every other
// pending sibling, all in one conditional update; the writer's assigned
// counter is bumped in the same transaction. Under concurrent resolution the
// loser observes "Bid is not pending" or a version conflict, never a double
// assignment.
func (s *Service) ResolveBid(ctx context.Context, actor core.Actor, p ResolveBidParams) (*ledger.Chapter, error) {
	if !actor.IsAdmin() {
		return nil, core.Forbiddenf("only admins can resolve bids")
	}
	if p.Action != BidActionAccept && p.Action != BidActionReject {
		return nil, core.InvalidArgumentf("unknown bid action %q", p.Action)
	}

	var acceptedWriter core.UserID
	var updated *ledger.Chapter
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		changes := map[string]any{"bidId": p.BidID, "action": p.Action}
		var err error
		updated, err = s.applyChapter(ctx, tx, actor, p.ChapterID, p.ExpectedVersion, "resolve_bid", changes, func(c *ledger.Chapter) error {
			bid := c.BidByID(p.BidID)
			if bid == nil {
				return core.NotFoundf("bid %s not found on chapter %s", p.BidID, p.ChapterID)
			}
			if bid.Status != ledger.BidPending {
				return core.InvalidStatef("Bid is not pending")
			}

			now := s.now()
			if p.Action == BidActionReject {
				bid.Status = ledger.BidRejected
				bid.RejectedAt = &now
				bid.RejectedBy = actor.ID
				bid.RejectionReason = p.Reason
				return nil
			}

			bid.Status = ledger.BidAccepted
			bid.AcceptedAt = &now
			bid.AcceptedBy = actor.ID

			c.WriterID = bid.WriterID
			c.AssignedAt = &now
			amount := bid.Amount
			c.AcceptedBidAmount = &amount
			c.ExpectedCompletionDays = bid.EstimatedDays
			if c.Status == ledger.StatusDraft || c.Status == ledger.StatusPending {
				c.Status = ledger.StatusInProgress
			}

			// Cascade: no sibling may remain pending once one bid wins.
			for i := range c.Bids {
				sibling := &c.Bids[i]
				if sibling.ID == bid.ID || sibling.Status != ledger.BidPending {
					continue
				}
				rejectedAt := now
				sibling.Status = ledger.BidRejected
				sibling.RejectedAt = &rejectedAt
				sibling.RejectedBy = actor.ID
				sibling.RejectionReason = "Another bid was accepted"
			}

			acceptedWriter = bid.WriterID
			return nil
		})
		if err != nil {
			return err
		}
		if acceptedWriter != "" {
			_, err = tx.UpdateWriterProfile(ctx, acceptedWriter, func(w *ledger.WriterProfile) error {
				w.AssignedProjects++
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

// ListBids returns the bid sub-ledger of a chapter. Admins see all chapters;
// owners see their own.
func (s *Service) ListBids(ctx context.Context, actor core.Actor, id core.ChapterID) ([]ledger.Bid, error) {
	if err := validChapterID(id); err != nil {
		return nil, err
	}
	c, err := s.store.GetChapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != c.OwnerID {
		return nil, core.Forbiddenf("you do not have access to this chapter's bids")
	}
	return append([]ledger.Bid(nil), c.Bids...), nil
}
