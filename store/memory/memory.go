// Package memory provides an in-memory ledger.Store for tests and dev mode.
//
// Documents are deep-copied on the way in and out, so callers can never
// mutate state outside a conditional update. WithTx snapshots the maps and
// restores them when the function fails, mirroring the all-or-nothing
// contract of the SQL implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

type Store struct {
	mu       sync.Mutex
	chapters map[core.ChapterID]*ledger.Chapter
	payments map[core.PaymentID]*ledger.Payment
	writers  map[core.UserID]*ledger.WriterProfile
	now      func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		chapters: make(map[core.ChapterID]*ledger.Chapter),
		payments: make(map[core.PaymentID]*ledger.Payment),
		writers:  make(map[core.UserID]*ledger.WriterProfile),
		now:      time.Now,
	}
}

// =============================================================================
// CHAPTERS
// =============================================================================

func (s *Store) GetChapter(_ context.Context, id core.ChapterID) (*ledger.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getChapterLocked(id)
}

func (s *Store) getChapterLocked(id core.ChapterID) (*ledger.Chapter, error) {
	c, ok := s.chapters[id]
	if !ok {
		return nil, core.NotFoundf("chapter %s not found", id)
	}
	return c.Clone(), nil
}

func (s *Store) CreateChapter(_ context.Context, c *ledger.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChapterLocked(c)
}

func (s *Store) createChapterLocked(c *ledger.Chapter) error {
	if _, ok := s.chapters[c.ID]; ok {
		return core.InvalidStatef("chapter %s already exists", c.ID)
	}
	// Chapter numbers are unique per owning student, same as the SQL schema.
	for _, existing := range s.chapters {
		if existing.OwnerID == c.OwnerID && existing.ChapterNumber == c.ChapterNumber {
			return core.InvalidStatef("chapter %d already exists for this student", c.ChapterNumber)
		}
	}
	stored := c.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.chapters[c.ID] = stored
	c.Version = stored.Version
	return nil
}

func (s *Store) UpdateChapter(_ context.Context, id core.ChapterID, expectedVersion int64, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateChapterLocked(id, expectedVersion, mutate)
}

func (s *Store) updateChapterLocked(id core.ChapterID, expectedVersion int64, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	cur, ok := s.chapters[id]
	if !ok {
		return nil, core.NotFoundf("chapter %s not found", id)
	}
	if expectedVersion != ledger.AnyVersion && cur.Version != expectedVersion {
		return nil, core.VersionConflictf("chapter %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.chapters[id] = next
	return next.Clone(), nil
}

func (s *Store) DeleteChapter(_ context.Context, id core.ChapterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteChapterLocked(id)
}

func (s *Store) deleteChapterLocked(id core.ChapterID) error {
	if _, ok := s.chapters[id]; !ok {
		return core.NotFoundf("chapter %s not found", id)
	}
	delete(s.chapters, id)
	return nil
}

func (s *Store) ListChapters(_ context.Context, f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listChaptersLocked(f)
}

func (s *Store) listChaptersLocked(f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	var out []*ledger.Chapter
	for _, c := range s.chapters {
		if matchChapter(c, f) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchChapter(c *ledger.Chapter, f ledger.ChapterFilter) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.WriterID != "" && c.WriterID != f.WriterID {
		return false
	}
	if f.ChapterNumber != 0 && c.ChapterNumber != f.ChapterNumber {
		return false
	}
	if f.OpenForBidding && !c.OpenForBidding() {
		return false
	}
	if f.Unassigned && c.WriterID != "" {
		return false
	}
	if f.OverdueAt != nil && (c.Deadline == nil || !c.Deadline.Before(*f.OverdueAt)) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if c.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) GetPayment(_ context.Context, id core.PaymentID) (*ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPaymentLocked(id)
}

func (s *Store) getPaymentLocked(id core.PaymentID) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, core.NotFoundf("payment %s not found", id)
	}
	return p.Clone(), nil
}

func (s *Store) CreatePayment(_ context.Context, p *ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPaymentLocked(p)
}

func (s *Store) createPaymentLocked(p *ledger.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return core.InvalidStatef("payment %s already exists", p.ID)
	}
	stored := p.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.payments[p.ID] = stored
	p.Version = stored.Version
	return nil
}

func (s *Store) UpdatePayment(_ context.Context, id core.PaymentID, expectedVersion int64, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePaymentLocked(id, expectedVersion, mutate)
}

func (s *Store) updatePaymentLocked(id core.PaymentID, expectedVersion int64, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	cur, ok := s.payments[id]
	if !ok {
		return nil, core.NotFoundf("payment %s not found", id)
	}
	if expectedVersion != ledger.AnyVersion && cur.Version != expectedVersion {
		return nil, core.VersionConflictf("payment %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.payments[id] = next
	return next.Clone(), nil
}

func (s *Store) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPaymentsLocked(f)
}

func (s *Store) listPaymentsLocked(f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	var out []*ledger.Payment
	for _, p := range s.payments {
		if matchPayment(p, f) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchPayment(p *ledger.Payment, f ledger.PaymentFilter) bool {
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if f.ChapterID != "" && p.ChapterID != f.ChapterID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if p.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// WRITER PROFILES
// =============================================================================

func (s *Store) GetWriterProfile(_ context.Context, id core.UserID) (*ledger.WriterProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWriterProfileLocked(id)
}

func (s *Store) getWriterProfileLocked(id core.UserID) (*ledger.WriterProfile, error) {
	w, ok := s.writers[id]
	if !ok {
		return nil, core.NotFoundf("writer profile %s not found", id)
	}
	return w.Clone(), nil
}

func (s *Store) UpdateWriterProfile(_ context.Context, id core.UserID, mutate func(*ledger.WriterProfile) error) (*ledger.WriterProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateWriterProfileLocked(id, mutate)
}

func (s *Store) updateWriterProfileLocked(id core.UserID, mutate func(*ledger.WriterProfile) error) (*ledger.WriterProfile, error) {
	cur, ok := s.writers[id]
	if !ok {
		cur = &ledger.WriterProfile{ID: id}
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.writers[id] = next
	return next.Clone(), nil
}

// =============================================================================
// TRANSACTIONS - snapshot and restore
// =============================================================================

// WithTx executes fn against a view of the store holding the lock for the
// whole transaction. On error the pre-transaction snapshot is restored.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	chapters map[core.ChapterID]*ledger.Chapter
	payments map[core.PaymentID]*ledger.Payment
	writers  map[core.UserID]*ledger.WriterProfile
}

func (s *Store) snapshot() storeSnapshot {
	chapters := make(map[core.ChapterID]*ledger.Chapter, len(s.chapters))
	for k, v := range s.chapters {
		chapters[k] = v.Clone()
	}
	payments := make(map[core.PaymentID]*ledger.Payment, len(s.payments))
	for k, v := range s.payments {
		payments[k] = v.Clone()
	}
	writers := make(map[core.UserID]*ledger.WriterProfile, len(s.writers))
	for k, v := range s.writers {
		writers[k] = v.Clone()
	}
	return storeSnapshot{chapters: chapters, payments: payments, writers: writers}
}

func (s *Store) restore(snap storeSnapshot) {
	s.chapters = snap.chapters
	s.payments = snap.payments
	s.writers = snap.writers
}

// txView exposes the parent's locked operations without re-acquiring the
// mutex. It lives only for the duration of WithTx.
type txView struct {
	parent *Store
}

var _ ledger.Store = (*txView)(nil)

func (v *txView) GetChapter(_ context.Context, id core.ChapterID) (*ledger.Chapter, error) {
	return v.parent.getChapterLocked(id)
}

func (v *txView) CreateChapter(_ context.Context, c *ledger.Chapter) error {
	return v.parent.createChapterLocked(c)
}

func (v *txView) UpdateChapter(_ context.Context, id core.ChapterID, expectedVersion int64, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	return v.parent.updateChapterLocked(id, expectedVersion, mutate)
}

func (v *txView) DeleteChapter(_ context.Context, id core.ChapterID) error {
	return v.parent.deleteChapterLocked(id)
}

func (v *txView) ListChapters(_ context.Context, f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	return v.parent.listChaptersLocked(f)
}

func (v *txView) GetPayment(_ context.Context, id core.PaymentID) (*ledger.Payment, error) {
	return v.parent.getPaymentLocked(id)
}

func (v *txView) CreatePayment(_ context.Context, p *ledger.Payment) error {
	return v.parent.createPaymentLocked(p)
}

func (v *txView) UpdatePayment(_ context.Context, id core.PaymentID, expectedVersion int64, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	return v.parent.updatePaymentLocked(id, expectedVersion, mutate)
}

func (v *txView) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	return v.parent.listPaymentsLocked(f)
}

func (v *txView) GetWriterProfile(_ context.Context, id core.UserID) (*ledger.WriterProfile, error) {
	return v.parent.getWriterProfileLocked(id)
}

func (v *txView) UpdateWriterProfile(_ context.Context, id core.UserID, mutate func(*ledger.WriterProfile) error) (*ledger.WriterProfile, error) {
	return v.parent.updateWriterProfileLocked(id, mutate)
}

// WithTx on a view joins the enclosing transaction.
func (v *txView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(v)
}
