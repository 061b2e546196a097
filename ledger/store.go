/*
store.go - Ledger Store contract

PURPOSE:
  Defines the interface between the state machines and durable storage.
  Implementations provide atomic single-document read-modify-write with
  optimistic concurrency, plus a transaction wrapper for the few operations
  that must touch two aggregates at once (payment settlement syncing the
  chapter, bid acceptance bumping writer counters).

CONDITIONAL UPDATES:
  Update* loads the document, applies the mutation under exclusion and
  persists it with Version+1. The mutation runs against current state, so
  guards re-validate even when two actors race; the loser of a version race
  observes core.ErrVersionConflict. A mutation returning an error aborts
  with no partial write.

IMPLEMENTATIONS:
  - store/memory: in-memory, snapshot/rollback transactions (tests, dev)
  - store/sqlite: JSON documents with a version column, SQL transactions

SEE ALSO:
  - chapter/service.go: chapter state machine on top of this contract
  - payment/service.go: payment state machine and chapter synchronization
*/
package ledger

import (
	"context"
	"time"

	"github.com/quill/chapter-engine/core"
)

// AnyVersion disables the caller-supplied version precondition; the mutation
// still runs under exclusion against current state.
const AnyVersion int64 = 0

type ChapterFilter struct {
	OwnerID        core.UserID
	WriterID       core.UserID
	ChapterNumber  int // 0 matches any
	Statuses       []Status
	OpenForBidding bool
	Unassigned     bool
	OverdueAt      *time.Time
}

type PaymentFilter struct {
	UserID    core.UserID
	ChapterID core.ChapterID
	Statuses  []PaymentStatus
}

// Store is the Ledger Store: durable storage for Chapter (with its embedded
// bid sub-ledger), Payment, and WriterProfile documents.
type Store interface {
	GetChapter(ctx context.Context, id core.ChapterID) (*Chapter, error)
	CreateChapter(ctx context.Context, c *Chapter) error
	// UpdateChapter applies mutate atomically. expectedVersion other than
	// AnyVersion makes the update conditional on that exact version.
	UpdateChapter(ctx context.Context, id core.ChapterID, expectedVersion int64, mutate func(*Chapter) error) (*Chapter, error)
	DeleteChapter(ctx context.Context, id core.ChapterID) error
	ListChapters(ctx context.Context, f ChapterFilter) ([]*Chapter, error)

	GetPayment(ctx context.Context, id core.PaymentID) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, id core.PaymentID, expectedVersion int64, mutate func(*Payment) error) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error)

	GetWriterProfile(ctx context.Context, id core.UserID) (*WriterProfile, error)
	// UpdateWriterProfile upserts: a missing profile starts at zero counters.
	UpdateWriterProfile(ctx context.Context, id core.UserID, mutate func(*WriterProfile) error) (*WriterProfile, error)

	// WithTx executes fn atomically. If fn returns an error every write made
	// through the transactional store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
