package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
	"github.com/quill/chapter-engine/store/memory"
)

func seedChapter(t *testing.T, s *memory.Store, owner core.UserID, number int) *ledger.Chapter {
	t.Helper()
	now := time.Now()
	c := &ledger.Chapter{
		ID:            core.ChapterID(uuid.NewString()),
		Title:         "Literature Review",
		ChapterNumber: number,
		Status:        ledger.StatusDraft,
		OwnerID:       owner,
		EstimatedCost: core.Money{Value: decimal.NewFromInt(3200), Currency: core.CurrencyKES},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateChapter(context.Background(), c))
	return c
}

func TestCreateChapter_DuplicateOwnerNumberRejected(t *testing.T) {
	// same unique (owner, chapter_number) constraint the SQL schema enforces
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	dup := c.Clone()
	dup.ID = core.ChapterID(uuid.NewString())
	err := s.CreateChapter(ctx, dup)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.Contains(t, err.Error(), "chapter 1 already exists for this student")

	seedChapter(t, s, "student-2", 1)
	seedChapter(t, s, "student-1", 2)
}

func TestUpdateChapter_BumpsVersion(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)
	assert.Equal(t, int64(1), c.Version)

	updated, err := s.UpdateChapter(ctx, c.ID, ledger.AnyVersion, func(ch *ledger.Chapter) error {
		ch.Title = "Revised title"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestUpdateChapter_VersionPrecondition(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	_, err := s.UpdateChapter(ctx, c.ID, 99, func(ch *ledger.Chapter) error { return nil })
	assert.ErrorIs(t, err, core.ErrVersionConflict)

	_, err = s.UpdateChapter(ctx, c.ID, 1, func(ch *ledger.Chapter) error { return nil })
	assert.NoError(t, err)
}

func TestUpdateChapter_MutateErrorAbortsWrite(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	_, err := s.UpdateChapter(ctx, c.ID, ledger.AnyVersion, func(ch *ledger.Chapter) error {
		ch.Title = "should not persist"
		return core.InvalidStatef("nope")
	})
	require.Error(t, err)

	got, err := s.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Literature Review", got.Title)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetChapter_HandsOutCopies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	first, err := s.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	first.Title = "mutated outside the store"

	second, err := s.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Literature Review", second.Title)
}

func TestListChapters_Filters(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	a := seedChapter(t, s, "student-1", 1)
	seedChapter(t, s, "student-1", 2)
	seedChapter(t, s, "student-2", 1)

	mine, err := s.ListChapters(ctx, ledger.ChapterFilter{OwnerID: "student-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	byNumber, err := s.ListChapters(ctx, ledger.ChapterFilter{OwnerID: "student-1", ChapterNumber: 1})
	require.NoError(t, err)
	require.Len(t, byNumber, 1)
	assert.Equal(t, a.ID, byNumber[0].ID)

	all, err := s.ListChapters(ctx, ledger.ChapterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestWithTx_RollbackRestoresEverything(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.UpdateChapter(ctx, c.ID, ledger.AnyVersion, func(ch *ledger.Chapter) error {
			ch.Title = "inside the failed transaction"
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.UpdateWriterProfile(ctx, "writer-1", func(w *ledger.WriterProfile) error {
			w.AssignedProjects++
			return nil
		}); err != nil {
			return err
		}
		return core.InvalidStatef("abort")
	})
	require.Error(t, err)

	got, err := s.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Literature Review", got.Title)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.GetWriterProfile(ctx, "writer-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWithTx_CommitPersistsEverything(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	c := seedChapter(t, s, "student-1", 1)

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.UpdateChapter(ctx, c.ID, ledger.AnyVersion, func(ch *ledger.Chapter) error {
			ch.Status = ledger.StatusPending
			return nil
		}); err != nil {
			return err
		}
		_, err := tx.UpdateWriterProfile(ctx, "writer-1", func(w *ledger.WriterProfile) error {
			w.AssignedProjects++
			return nil
		})
		return err
	})
	require.NoError(t, err)

	got, err := s.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	profile, err := s.GetWriterProfile(ctx, "writer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.AssignedProjects)
}

func TestUpdateWriterProfile_Upserts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	profile, err := s.UpdateWriterProfile(ctx, "writer-9", func(w *ledger.WriterProfile) error {
		w.CompletedProjects = 3
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, profile.CompletedProjects)

	again, err := s.GetWriterProfile(ctx, "writer-9")
	require.NoError(t, err)
	assert.Equal(t, 3, again.CompletedProjects)
}
