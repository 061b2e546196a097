/*
Package ledger defines the persisted aggregates of the chapter engine and
the Ledger Store contract they live behind.

KEY CONCEPTS IN THIS FILE (types.go):
  - Chapter: the unit of billable academic work, owning its bids, revision
    history and admin audit trail as embedded sub-documents
  - Bid: a writer's offer, a value owned exclusively by its Chapter (no
    identity outside the aggregate)
  - Payment: a financial transaction, optionally linked to a Chapter
  - WriterProfile: per-writer counters maintained alongside transitions

DESIGN PRINCIPLES:
  1. Aggregate writes: bids are resolved as a single atomic transform over
     the whole Chapter document, never as two separate writes
  2. Append-only history: revisions and admin logs are appended, never
     mutated; corrections happen through new state transitions
  3. Versioning: every aggregate carries an optimistic concurrency token
     bumped on each committed mutation

SEE ALSO:
  - store.go: Store interface with conditional-update semantics
  - chapter/: the state machine mutating Chapter aggregates
  - payment/: the state machine coupling Payment to Chapter
*/
package ledger

import (
	"strings"
	"time"

	"github.com/quill/chapter-engine/core"
)

// =============================================================================
// CHAPTER - Unit of billable academic work
// =============================================================================

type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRevision   Status = "revision"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusInProgress, StatusRevision, StatusCompleted, StatusApproved:
		return true
	}
	return false
}

type Level string

const (
	LevelMasters Level = "masters"
	LevelPhD     Level = "phd"
)

func (l Level) Valid() bool { return l == LevelMasters || l == LevelPhD }

type WorkType string

const (
	WorkCoursework WorkType = "coursework"
	WorkRevision   WorkType = "revision"
	WorkStatistics WorkType = "statistics"
)

func (w WorkType) Valid() bool {
	return w == WorkCoursework || w == WorkRevision || w == WorkStatistics
}

type Urgency string

const (
	UrgencyNormal     Urgency = "normal"
	UrgencyUrgent     Urgency = "urgent"
	UrgencyVeryUrgent Urgency = "very_urgent"
)

func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyVeryUrgent
}

// Revision is an immutable snapshot of chapter content prior to a change.
type Revision struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Chapter struct {
	ID            core.ChapterID `json:"id"`
	Title         string         `json:"title"`
	ChapterNumber int            `json:"chapterNumber"`
	Status        Status         `json:"status"`
	OwnerID       core.UserID    `json:"ownerId"`
	WriterID      core.UserID    `json:"writerId,omitempty"`

	WordCount       int      `json:"wordCount"`
	TargetWordCount int      `json:"targetWordCount"`
	Level           Level    `json:"level"`
	WorkType        WorkType `json:"workType"`
	Urgency         Urgency  `json:"urgency"`

	EstimatedCost core.Money     `json:"estimatedCost"`
	IsPaid        bool           `json:"isPaid"`
	IsPaidOut     bool           `json:"isPaidOut"`
	PaymentID     core.PaymentID `json:"paymentId,omitempty"`

	AcceptedBidAmount      *core.Money `json:"acceptedBidAmount,omitempty"`
	ExpectedCompletionDays int         `json:"expectedCompletionDays,omitempty"`

	Deadline    *time.Time `json:"deadline,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Content   string            `json:"content,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Revisions []Revision        `json:"revisions,omitempty"`
	Bids      []Bid             `json:"bids,omitempty"`
	AdminLogs []core.AuditEntry `json:"adminLogs,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenForBidding reports whether writers may submit bids: pricing settled
// (paid) and not yet assigned beyond draft/pending.
func (c *Chapter) OpenForBidding() bool {
	return c.IsPaid && (c.Status == StatusDraft || c.Status == StatusPending)
}

// AcceptedBid returns the accepted bid, if any. The chapter invariant keeps
// this at most one.
func (c *Chapter) AcceptedBid() *Bid {
	for i := range c.Bids {
		if c.Bids[i].Status == BidAccepted {
			return &c.Bids[i]
		}
	}
	return nil
}

// BidByID returns the bid with the given id, or nil.
func (c *Chapter) BidByID(id core.BidID) *Bid {
	for i := range c.Bids {
		if c.Bids[i].ID == id {
			return &c.Bids[i]
		}
	}
	return nil
}

// ActiveBidBy reports whether the writer already has a pending or accepted
// bid on this chapter.
func (c *Chapter) ActiveBidBy(writerID core.UserID) bool {
	for i := range c.Bids {
		b := &c.Bids[i]
		if b.WriterID == writerID && (b.Status == BidPending || b.Status == BidAccepted) {
			return true
		}
	}
	return false
}

func (c *Chapter) PendingBids() int {
	n := 0
	for i := range c.Bids {
		if c.Bids[i].Status == BidPending {
			n++
		}
	}
	return n
}

func (c *Chapter) TotalBids() int { return len(c.Bids) }

// NextRevisionVersion returns the version a newly appended revision takes.
// Revisions are monotonically increasing by construction.
func (c *Chapter) NextRevisionVersion() int { return len(c.Revisions) + 1 }

// CountWords counts whitespace-separated tokens in draft content.
func CountWords(content string) int { return len(strings.Fields(content)) }

// Clone returns a deep copy. The store hands copies out so callers can never
// mutate a document outside a conditional update.
func (c *Chapter) Clone() *Chapter {
	out := *c
	out.Revisions = append([]Revision(nil), c.Revisions...)
	out.Bids = append([]Bid(nil), c.Bids...)
	out.AdminLogs = append([]core.AuditEntry(nil), c.AdminLogs...)
	if c.AcceptedBidAmount != nil {
		amount := *c.AcceptedBidAmount
		out.AcceptedBidAmount = &amount
	}
	out.Deadline = cloneTime(c.Deadline)
	out.AssignedAt = cloneTime(c.AssignedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

// CheckInvariants verifies the structural invariants of the aggregate.
// Used by tests and by the store implementations in debug paths.
func (c *Chapter) CheckInvariants() error {
	accepted := 0
	for i := range c.Bids {
		if c.Bids[i].Status == BidAccepted {
			accepted++
			if c.WriterID != c.Bids[i].WriterID {
				return core.InvalidStatef("accepted bid writer %s does not match chapter writer %s", c.Bids[i].WriterID, c.WriterID)
			}
		}
	}
	if accepted > 1 {
		return core.InvalidStatef("chapter %s has %d accepted bids", c.ID, accepted)
	}
	if c.WriterID != "" {
		switch c.Status {
		case StatusInProgress, StatusRevision, StatusCompleted, StatusApproved:
		default:
			return core.InvalidStatef("chapter %s assigned but in status %s", c.ID, c.Status)
		}
	}
	if c.IsPaid && c.PaymentID == "" {
		return core.InvalidStatef("chapter %s is paid without a payment reference", c.ID)
	}
	for i := range c.Revisions {
		if c.Revisions[i].Version != i+1 {
			return core.InvalidStatef("chapter %s revision %d carries version %d", c.ID, i, c.Revisions[i].Version)
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// BID - A writer's embedded offer
// =============================================================================

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

type Bid struct {
	ID            core.BidID  `json:"id"`
	WriterID      core.UserID `json:"writerId"`
	Amount        core.Money  `json:"bidAmount"`
	EstimatedDays int         `json:"estimatedDays"`
	Status        BidStatus   `json:"status"`

	AcceptedAt *time.Time  `json:"acceptedAt,omitempty"`
	AcceptedBy core.UserID `json:"acceptedBy,omitempty"`

	RejectedAt      *time.Time  `json:"rejectedAt,omitempty"`
	RejectedBy      core.UserID `json:"rejectedBy,omitempty"`
	RejectionReason string      `json:"rejectionReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// PAYMENT - Financial transaction, optionally tied to a chapter
// =============================================================================

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentDisputed   PaymentStatus = "disputed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentDisputed:
		return true
	}
	return false
}

type Payment struct {
	ID        core.PaymentID `json:"id"`
	UserID    core.UserID    `json:"userId"`
	ChapterID core.ChapterID `json:"chapterId,omitempty"`

	Amount core.Money    `json:"amount"`
	Status PaymentStatus `json:"status"`

	DueDate       *time.Time `json:"dueDate,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	PaymentMethod string     `json:"paymentMethod,omitempty"`

	RefundAmount *core.Money `json:"refundAmount,omitempty"`
	RefundReason string      `json:"refundReason,omitempty"`

	DisputeReason     string `json:"disputeReason,omitempty"`
	DisputeResolution string `json:"disputeResolution,omitempty"`

	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	AdminLogs   []core.AuditEntry `json:"adminLogs,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Settled reports whether the payment reached a terminal settlement state.
func (p *Payment) Settled() bool {
	switch p.Status {
	case PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

func (p *Payment) Clone() *Payment {
	out := *p
	out.AdminLogs = append([]core.AuditEntry(nil), p.AdminLogs...)
	out.DueDate = cloneTime(p.DueDate)
	out.CompletedAt = cloneTime(p.CompletedAt)
	if p.RefundAmount != nil {
		amount := *p.RefundAmount
		out.RefundAmount = &amount
	}
	return &out
}

// =============================================================================
// WRITER PROFILE - Per-writer counters
// =============================================================================

type WriterProfile struct {
	ID                core.UserID `json:"id"`
	AssignedProjects  int         `json:"assignedProjects"`
	CompletedProjects int         `json:"completedProjects"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (w *WriterProfile) Clone() *WriterProfile {
	out := *w
	return &out
}
