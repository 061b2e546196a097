/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Aggregates are persisted as JSON documents with the filterable fields
  mirrored into indexed columns. The document is authoritative; the columns
  exist only to serve list queries without unmarshalling every row.

CONCURRENCY:
  Every write runs inside a SQL transaction guarded by a mutex, so mutations
  are serialized per process while readers proceed concurrently under WAL.
  Conditional updates re-check the version column in the UPDATE statement;
  a mismatch surfaces core.ErrVersionConflict.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/chapters.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: the contract this package implements
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

// Store implements ledger.Store on a SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, core.DependencyFailuref("failed to open database: %v", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers, which sqlite requires anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, core.DependencyFailuref("failed to migrate database: %v", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		writer_id TEXT NOT NULL DEFAULT '',
		chapter_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_paid INTEGER NOT NULL DEFAULT 0,
		deadline TEXT,
		doc TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Chapter numbers are unique per owning student
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chapters_owner_number
		ON chapters(owner_id, chapter_number);
	CREATE INDEX IF NOT EXISTS idx_chapters_writer ON chapters(writer_id);
	CREATE INDEX IF NOT EXISTS idx_chapters_status ON chapters(status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		doc TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id);
	CREATE INDEX IF NOT EXISTS idx_payments_chapter ON payments(chapter_id);

	CREATE TABLE IF NOT EXISTS writer_profiles (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so reads can run outside transactions
// while every write runs inside one.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetChapter(ctx context.Context, id core.ChapterID) (*ledger.Chapter, error) {
	return getChapter(ctx, s.db, id)
}

func (s *Store) GetPayment(ctx context.Context, id core.PaymentID) (*ledger.Payment, error) {
	return getPayment(ctx, s.db, id)
}

func (s *Store) GetWriterProfile(ctx context.Context, id core.UserID) (*ledger.WriterProfile, error) {
	return getWriterProfile(ctx, s.db, id)
}

func (s *Store) ListChapters(ctx context.Context, f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	return listChapters(ctx, s.db, f)
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	return listPayments(ctx, s.db, f)
}

// =============================================================================
// WRITES
// =============================================================================

// Standalone writes wrap themselves in a transaction so the conditional
// version check and the row write are atomic.

func (s *Store) CreateChapter(ctx context.Context, c *ledger.Chapter) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.CreateChapter(ctx, c) })
}

func (s *Store) UpdateChapter(ctx context.Context, id core.ChapterID, expectedVersion int64, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	var out *ledger.Chapter
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		out, err = tx.UpdateChapter(ctx, id, expectedVersion, mutate)
		return err
	})
	return out, err
}

func (s *Store) DeleteChapter(ctx context.Context, id core.ChapterID) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.DeleteChapter(ctx, id) })
}

func (s *Store) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.CreatePayment(ctx, p) })
}

func (s *Store) UpdatePayment(ctx context.Context, id core.PaymentID, expectedVersion int64, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	var out *ledger.Payment
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		out, err = tx.UpdatePayment(ctx, id, expectedVersion, mutate)
		return err
	})
	return out, err
}

func (s *Store) UpdateWriterProfile(ctx context.Context, id core.UserID, mutate func(*ledger.WriterProfile) error) (*ledger.WriterProfile, error) {
	var out *ledger.WriterProfile
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		out, err = tx.UpdateWriterProfile(ctx, id, mutate)
		return err
	})
	return out, err
}

// WithTx serializes writers behind the mutex and wraps fn in a SQL
// transaction. All writes inside fn commit together or roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.DependencyFailuref("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.DependencyFailuref("failed to commit transaction: %v", err)
	}
	return nil
}

// txStore is the transaction-bound view of the store.
type txStore struct {
	s  *Store
	tx *sql.Tx
}

var _ ledger.Store = (*txStore)(nil)

func (t *txStore) GetChapter(ctx context.Context, id core.ChapterID) (*ledger.Chapter, error) {
	return getChapter(ctx, t.tx, id)
}

func (t *txStore) CreateChapter(ctx context.Context, c *ledger.Chapter) error {
	if c.Version == 0 {
		c.Version = 1
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return core.DependencyFailuref("failed to encode chapter: %v", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO chapters (id, owner_id, writer_id, chapter_number, status, is_paid, deadline, doc, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.OwnerID), string(c.WriterID), c.ChapterNumber, string(c.Status),
		boolInt(c.IsPaid), timeArg(c.Deadline), string(doc), c.Version,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.InvalidStatef("chapter %d already exists for this student", c.ChapterNumber)
		}
		return core.DependencyFailuref("failed to insert chapter: %v", err)
	}
	return nil
}

func (t *txStore) UpdateChapter(ctx context.Context, id core.ChapterID, expectedVersion int64, mutate func(*ledger.Chapter) error) (*ledger.Chapter, error) {
	cur, err := getChapter(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != ledger.AnyVersion && cur.Version != expectedVersion {
		return nil, core.VersionConflictf("chapter %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}
	prior := cur.Version
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = prior + 1
	next.UpdatedAt = t.s.now()

	doc, err := json.Marshal(next)
	if err != nil {
		return nil, core.DependencyFailuref("failed to encode chapter: %v", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE chapters
		SET owner_id = ?, writer_id = ?, chapter_number = ?, status = ?, is_paid = ?, deadline = ?, doc = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.OwnerID), string(next.WriterID), next.ChapterNumber, string(next.Status),
		boolInt(next.IsPaid), timeArg(next.Deadline), string(doc), next.Version,
		next.UpdatedAt.Format(time.RFC3339Nano), string(id), prior)
	if err != nil {
		return nil, core.DependencyFailuref("failed to update chapter: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.VersionConflictf("chapter %s was modified concurrently", id)
	}
	return next, nil
}

func (t *txStore) DeleteChapter(ctx context.Context, id core.ChapterID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM chapters WHERE id = ?`, string(id))
	if err != nil {
		return core.DependencyFailuref("failed to delete chapter: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("chapter %s not found", id)
	}
	return nil
}

func (t *txStore) ListChapters(ctx context.Context, f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	return listChapters(ctx, t.tx, f)
}

func (t *txStore) GetPayment(ctx context.Context, id core.PaymentID) (*ledger.Payment, error) {
	return getPayment(ctx, t.tx, id)
}

func (t *txStore) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	if p.Version == 0 {
		p.Version = 1
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return core.DependencyFailuref("failed to encode payment: %v", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, chapter_id, status, doc, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), string(p.UserID), string(p.ChapterID), string(p.Status), string(doc), p.Version,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return core.DependencyFailuref("failed to insert payment: %v", err)
	}
	return nil
}

func (t *txStore) UpdatePayment(ctx context.Context, id core.PaymentID, expectedVersion int64, mutate func(*ledger.Payment) error) (*ledger.Payment, error) {
	cur, err := getPayment(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != ledger.AnyVersion && cur.Version != expectedVersion {
		return nil, core.VersionConflictf("payment %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}
	prior := cur.Version
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = prior + 1
	next.UpdatedAt = t.s.now()

	doc, err := json.Marshal(next)
	if err != nil {
		return nil, core.DependencyFailuref("failed to encode payment: %v", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET user_id = ?, chapter_id = ?, status = ?, doc = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.UserID), string(next.ChapterID), string(next.Status), string(doc), next.Version,
		next.UpdatedAt.Format(time.RFC3339Nano), string(id), prior)
	if err != nil {
		return nil, core.DependencyFailuref("failed to update payment: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.VersionConflictf("payment %s was modified concurrently", id)
	}
	return next, nil
}

func (t *txStore) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	return listPayments(ctx, t.tx, f)
}

func (t *txStore) GetWriterProfile(ctx context.Context, id core.UserID) (*ledger.WriterProfile, error) {
	return getWriterProfile(ctx, t.tx, id)
}

func (t *txStore) UpdateWriterProfile(ctx context.Context, id core.UserID, mutate func(*ledger.WriterProfile) error) (*ledger.WriterProfile, error) {
	cur, err := getWriterProfile(ctx, t.tx, id)
	if core.IsNotFound(err) {
		cur = &ledger.WriterProfile{ID: id}
	} else if err != nil {
		return nil, err
	}
	prior := cur.Version
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = prior + 1
	next.UpdatedAt = t.s.now()

	doc, err := json.Marshal(next)
	if err != nil {
		return nil, core.DependencyFailuref("failed to encode writer profile: %v", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO writer_profiles (id, doc, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, version = excluded.version, updated_at = excluded.updated_at`,
		string(id), string(doc), next.Version, next.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, core.DependencyFailuref("failed to upsert writer profile: %v", err)
	}
	return next, nil
}

// WithTx on a transaction-bound store joins the enclosing transaction.
func (t *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(t)
}

// =============================================================================
// SHARED QUERY HELPERS
// =============================================================================

func getChapter(ctx context.Context, q dbtx, id core.ChapterID) (*ledger.Chapter, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM chapters WHERE id = ?`, string(id)).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("chapter %s not found", id)
	}
	if err != nil {
		return nil, core.DependencyFailuref("failed to load chapter: %v", err)
	}
	var c ledger.Chapter
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, core.DependencyFailuref("failed to decode chapter: %v", err)
	}
	return &c, nil
}

func listChapters(ctx context.Context, q dbtx, f ledger.ChapterFilter) ([]*ledger.Chapter, error) {
	query := `SELECT doc FROM chapters WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, string(f.OwnerID))
	}
	if f.WriterID != "" {
		query += ` AND writer_id = ?`
		args = append(args, string(f.WriterID))
	}
	if f.ChapterNumber != 0 {
		query += ` AND chapter_number = ?`
		args = append(args, f.ChapterNumber)
	}
	if f.Unassigned {
		query += ` AND writer_id = ''`
	}
	if f.OpenForBidding {
		query += ` AND is_paid = 1 AND status IN ('draft', 'pending')`
	}
	if f.OverdueAt != nil {
		query += ` AND deadline IS NOT NULL AND deadline < ?`
		args = append(args, f.OverdueAt.Format(time.RFC3339Nano))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.DependencyFailuref("failed to list chapters: %v", err)
	}
	defer rows.Close()

	var out []*ledger.Chapter
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, core.DependencyFailuref("failed to scan chapter: %v", err)
		}
		var c ledger.Chapter
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, core.DependencyFailuref("failed to decode chapter: %v", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func getPayment(ctx context.Context, q dbtx, id core.PaymentID) (*ledger.Payment, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM payments WHERE id = ?`, string(id)).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("payment %s not found", id)
	}
	if err != nil {
		return nil, core.DependencyFailuref("failed to load payment: %v", err)
	}
	var p ledger.Payment
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, core.DependencyFailuref("failed to decode payment: %v", err)
	}
	return &p, nil
}

func listPayments(ctx context.Context, q dbtx, f ledger.PaymentFilter) ([]*ledger.Payment, error) {
	query := `SELECT doc FROM payments WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, string(f.UserID))
	}
	if f.ChapterID != "" {
		query += ` AND chapter_id = ?`
		args = append(args, string(f.ChapterID))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.DependencyFailuref("failed to list payments: %v", err)
	}
	defer rows.Close()

	var out []*ledger.Payment
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, core.DependencyFailuref("failed to scan payment: %v", err)
		}
		var p ledger.Payment
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, core.DependencyFailuref("failed to decode payment: %v", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func getWriterProfile(ctx context.Context, q dbtx, id core.UserID) (*ledger.WriterProfile, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM writer_profiles WHERE id = ?`, string(id)).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("writer profile %s not found", id)
	}
	if err != nil {
		return nil, core.DependencyFailuref("failed to load writer profile: %v", err)
	}
	var w ledger.WriterProfile
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, core.DependencyFailuref("failed to decode writer profile: %v", err)
	}
	return &w, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
