package payment_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quill/chapter-engine/chapter"
	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
	"github.com/quill/chapter-engine/payment"
	"github.com/quill/chapter-engine/pricing"
	"github.com/quill/chapter-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *memory.Store
	payments *payment.Service
	chapters *chapter.Service
	student  core.Actor
	admin    core.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	calc := pricing.NewCalculator(decimal.NewFromInt(400), core.CurrencyKES)
	return &fixture{
		store:    store,
		payments: payment.NewService(store, testLogger()),
		chapters: chapter.NewService(store, calc, testLogger()),
		student:  core.Actor{ID: core.UserID(uuid.NewString()), Role: core.RoleStudent},
		admin:    core.Actor{ID: core.UserID(uuid.NewString()), Role: core.RoleAdmin},
	}
}

func (f *fixture) newChapter(t *testing.T) *ledger.Chapter {
	t.Helper()
	c, err := f.chapters.Create(context.Background(), f.student, chapter.CreateParams{
		Title:           "Methodology",
		ChapterNumber:   3,
		TargetWordCount: 2000,
		Level:           ledger.LevelMasters,
		WorkType:        ledger.WorkCoursework,
		Urgency:         ledger.UrgencyNormal,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) newPayment(t *testing.T, chapterID core.ChapterID) *ledger.Payment {
	t.Helper()
	p, err := f.payments.Create(context.Background(), f.student, payment.CreateParams{ChapterID: chapterID})
	require.NoError(t, err)
	return p
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_DefaultsToChapterCost(t *testing.T) {
	f := newFixture(t)
	c := f.newChapter(t)

	p := f.newPayment(t, c.ID)

	assert.Equal(t, ledger.PaymentPending, p.Status)
	assert.Equal(t, f.student.ID, p.UserID)
	assert.True(t, p.Amount.Equal(c.EstimatedCost), "amount %s, cost %s", p.Amount, c.EstimatedCost)
}

func TestCreate_ForeignChapterRejected(t *testing.T) {
	f := newFixture(t)
	c := f.newChapter(t)
	other := core.Actor{ID: core.UserID(uuid.NewString()), Role: core.RoleStudent}

	_, err := f.payments.Create(context.Background(), other, payment.CreateParams{ChapterID: c.ID})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestCreate_StandaloneNeedsPositiveAmount(t *testing.T) {
	f := newFixture(t)

	_, err := f.payments.Create(context.Background(), f.student, payment.CreateParams{})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	p, err := f.payments.Create(context.Background(), f.student, payment.CreateParams{
		Amount:   decimal.NewFromInt(1500),
		Currency: core.CurrencyKES,
	})
	require.NoError(t, err)
	assert.Empty(t, p.ChapterID)
}

// =============================================================================
// SETTLEMENT AND CHAPTER SYNC
// =============================================================================

func TestMarkPaid_SyncsChapter(t *testing.T) {
	// WHEN: the payment settles
	// THEN: the linked chapter flips isPaid and records the payment id in
	//       the same transaction
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	p := f.newPayment(t, c.ID)

	settled, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	assert.Equal(t, ledger.PaymentCompleted, settled.Status)
	assert.NotEmpty(t, settled.TransactionID)
	require.NotNil(t, settled.CompletedAt)

	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, p.ID, got.PaymentID)
	assert.NoError(t, got.CheckInvariants())
}

func TestMarkPaid_AlreadyCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	_, err = f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestMarkPaid_AdminOnly(t *testing.T) {
	f := newFixture(t)
	p := f.newPayment(t, f.newChapter(t).ID)

	_, err := f.payments.MarkPaid(context.Background(), f.student, payment.MarkPaidParams{PaymentID: p.ID})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestMarkProcessing_PendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	moved, err := f.payments.MarkProcessing(ctx, f.admin, payment.MarkProcessingParams{PaymentID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentProcessing, moved.Status)

	_, err = f.payments.MarkProcessing(ctx, f.admin, payment.MarkProcessingParams{PaymentID: p.ID})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestRefund_ClearsChapterPaidFlag(t *testing.T) {
	// paid then refunded: the chapter round-trips back to unpaid
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	p := f.newPayment(t, c.ID)

	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	refunded, err := f.payments.Refund(ctx, f.admin, payment.RefundParams{PaymentID: p.ID, Reason: "student cancelled"})
	require.NoError(t, err)

	assert.Equal(t, ledger.PaymentRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundAmount)
	assert.True(t, refunded.RefundAmount.Equal(refunded.Amount))

	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaid)
	assert.Empty(t, got.PaymentID)
}

func TestRefund_PartialAmountValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)
	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	tooMuch := p.Amount.Value.Add(decimal.NewFromInt(1))
	_, err = f.payments.Refund(ctx, f.admin, payment.RefundParams{PaymentID: p.ID, Amount: &tooMuch, Reason: "oops"})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	half := p.Amount.Value.Div(decimal.NewFromInt(2))
	refunded, err := f.payments.Refund(ctx, f.admin, payment.RefundParams{PaymentID: p.ID, Amount: &half, Reason: "partial"})
	require.NoError(t, err)
	assert.True(t, refunded.RefundAmount.Value.Equal(half))
}

func TestRefund_RequiresReason(t *testing.T) {
	f := newFixture(t)
	p := f.newPayment(t, f.newChapter(t).ID)

	_, err := f.payments.Refund(context.Background(), f.admin, payment.RefundParams{PaymentID: p.ID})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestRefund_DoesNotClearAnotherPaymentsFlag(t *testing.T) {
	// A refunded stale payment must not clear the paid flag a newer payment
	// set on the chapter.
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	stale := f.newPayment(t, c.ID)
	fresh := f.newPayment(t, c.ID)

	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: fresh.ID})
	require.NoError(t, err)

	_, err = f.payments.Refund(ctx, f.admin, payment.RefundParams{PaymentID: stale.ID, Reason: "superseded"})
	require.NoError(t, err)

	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, fresh.ID, got.PaymentID)
}

// =============================================================================
// DISPUTES
// =============================================================================

func TestDispute_OwnerFlagsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	p := f.newPayment(t, c.ID)
	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	disputed, err := f.payments.Dispute(ctx, f.student, payment.DisputeParams{PaymentID: p.ID, Reason: "double charge"})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentDisputed, disputed.Status)
	assert.Equal(t, "double charge", disputed.DisputeReason)

	// the chapter keeps its paid state while the dispute is open
	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
}

func TestDispute_StrangerForbidden(t *testing.T) {
	f := newFixture(t)
	p := f.newPayment(t, f.newChapter(t).ID)
	other := core.Actor{ID: core.UserID(uuid.NewString()), Role: core.RoleStudent}

	_, err := f.payments.Dispute(context.Background(), other, payment.DisputeParams{PaymentID: p.ID, Reason: "not mine"})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestResolveDispute_RefundClearsChapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	p := f.newPayment(t, c.ID)
	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)
	_, err = f.payments.Dispute(ctx, f.student, payment.DisputeParams{PaymentID: p.ID, Reason: "wrong chapter"})
	require.NoError(t, err)

	resolved, err := f.payments.ResolveDispute(ctx, f.admin, payment.ResolveDisputeParams{
		PaymentID:  p.ID,
		Resolution: ledger.PaymentRefunded,
		Note:       "agreed with student",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentRefunded, resolved.Status)

	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaid)
}

func TestResolveDispute_CompletedKeepsChapterPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newChapter(t)
	p := f.newPayment(t, c.ID)
	_, err := f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)
	_, err = f.payments.Dispute(ctx, f.student, payment.DisputeParams{PaymentID: p.ID, Reason: "looks wrong"})
	require.NoError(t, err)

	resolved, err := f.payments.ResolveDispute(ctx, f.admin, payment.ResolveDisputeParams{
		PaymentID:  p.ID,
		Resolution: ledger.PaymentCompleted,
		Note:       "charge verified",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCompleted, resolved.Status)

	got, err := f.store.GetChapter(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, p.ID, got.PaymentID)
}

func TestResolveDispute_GuardsResolutionValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	// not disputed yet
	_, err := f.payments.ResolveDispute(ctx, f.admin, payment.ResolveDisputeParams{PaymentID: p.ID, Resolution: ledger.PaymentRefunded})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = f.payments.Dispute(ctx, f.student, payment.DisputeParams{PaymentID: p.ID, Reason: "hold on"})
	require.NoError(t, err)

	_, err = f.payments.ResolveDispute(ctx, f.admin, payment.ResolveDisputeParams{PaymentID: p.ID, Resolution: ledger.PaymentPending})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

// =============================================================================
// METADATA
// =============================================================================

func TestUpdateAmount_FrozenOnceCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	updated, err := f.payments.UpdateAmount(ctx, f.admin, payment.UpdateAmountParams{PaymentID: p.ID, Amount: decimal.NewFromInt(4000)})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Value.Equal(decimal.NewFromInt(4000)))

	_, err = f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	_, err = f.payments.UpdateAmount(ctx, f.admin, payment.UpdateAmountParams{PaymentID: p.ID, Amount: decimal.NewFromInt(9000)})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestExtendDueDate_PendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	future := time.Now().Add(72 * time.Hour)
	updated, err := f.payments.ExtendDueDate(ctx, f.admin, payment.ExtendDueDateParams{PaymentID: p.ID, DueDate: future})
	require.NoError(t, err)
	require.NotNil(t, updated.DueDate)

	_, err = f.payments.ExtendDueDate(ctx, f.admin, payment.ExtendDueDateParams{PaymentID: p.ID, DueDate: time.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = f.payments.MarkPaid(ctx, f.admin, payment.MarkPaidParams{PaymentID: p.ID})
	require.NoError(t, err)

	_, err = f.payments.ExtendDueDate(ctx, f.admin, payment.ExtendDueDateParams{PaymentID: p.ID, DueDate: future})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// =============================================================================
// READS
// =============================================================================

func TestGetAndListAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, f.newChapter(t).ID)

	_, err := f.payments.Get(ctx, f.student, p.ID)
	assert.NoError(t, err)

	other := core.Actor{ID: core.UserID(uuid.NewString()), Role: core.RoleStudent}
	_, err = f.payments.Get(ctx, other, p.ID)
	assert.ErrorIs(t, err, core.ErrForbidden)

	mine, err := f.payments.ListMine(ctx, f.student)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.payments.ListMine(ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := f.payments.ListMine(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, none)
}
