package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quill/chapter-engine/api"
	"github.com/quill/chapter-engine/chapter"
	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/earnings"
	"github.com/quill/chapter-engine/ledger"
	"github.com/quill/chapter-engine/payment"
	"github.com/quill/chapter-engine/pricing"
	"github.com/quill/chapter-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testSecret = []byte("test-secret-at-least-32-characters!!")

type testServer struct {
	srv   *httptest.Server
	store *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := pricing.NewCalculator(decimal.NewFromInt(400), core.CurrencyKES)

	h := api.NewHandler(
		chapter.NewService(store, calc, logger),
		payment.NewService(store, logger),
		earnings.NewService(store, logger),
		calc,
		testSecret,
		logger,
	)
	srv := httptest.NewServer(api.NewRouter(h, "*"))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func token(t *testing.T, userID core.UserID, role core.Role) string {
	t.Helper()
	tok, err := api.MintToken(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// do issues a JSON request and decodes the response into out (if non-nil).
func (ts *testServer) do(t *testing.T, method, path, bearer string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createChapterReq(number int) map[string]any {
	return map[string]any{
		"title":           fmt.Sprintf("Chapter %d", number),
		"chapterNumber":   number,
		"targetWordCount": 2000,
		"level":           "masters",
		"workType":        "coursework",
		"urgency":         "normal",
	}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/chapters", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_RejectsGarbageToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/chapters", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_HealthzIsPublic(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RoleGates(t *testing.T) {
	ts := newTestServer(t)
	student := token(t, core.UserID(uuid.NewString()), core.RoleStudent)

	// students cannot browse the writer-only open list
	resp := ts.do(t, http.MethodGet, "/api/chapters/open", student, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// nor the admin-only overdue sweep
	resp = ts.do(t, http.MethodGet, "/api/chapters/overdue", student, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// =============================================================================
// CHAPTER ENDPOINTS
// =============================================================================

func TestAPI_ChapterLifecycle(t *testing.T) {
	ts := newTestServer(t)
	studentID := core.UserID(uuid.NewString())
	writerID := core.UserID(uuid.NewString())
	student := token(t, studentID, core.RoleStudent)
	writer := token(t, writerID, core.RoleWriter)
	admin := token(t, core.UserID(uuid.NewString()), core.RoleAdmin)

	// student creates a chapter; the server computes the cost
	var created ledger.Chapter
	resp := ts.do(t, http.MethodPost, "/api/chapters", student, createChapterReq(1), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, studentID, created.OwnerID)
	assert.True(t, created.EstimatedCost.Value.Equal(decimal.NewFromInt(3200)), "cost %s", created.EstimatedCost.Value)

	base := "/api/chapters/" + string(created.ID)

	// student raises and settles a payment so bidding can open
	var pay ledger.Payment
	resp = ts.do(t, http.MethodPost, "/api/payments", student, map[string]any{"chapterId": created.ID}, &pay)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/payments/"+string(pay.ID)+"/paid", admin, map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// writer bids
	var withBid ledger.Chapter
	resp = ts.do(t, http.MethodPost, base+"/bids", writer, map[string]any{"amount": 2500, "estimatedDays": 5}, &withBid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, withBid.Bids, 1)

	// admin accepts the bid
	var assigned ledger.Chapter
	resp = ts.do(t, http.MethodPost, base+"/bids/"+string(withBid.Bids[0].ID)+"/resolve", admin,
		map[string]any{"action": "accept"}, &assigned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, writerID, assigned.WriterID)
	assert.Equal(t, ledger.StatusInProgress, assigned.Status)

	// writer drafts and completes
	resp = ts.do(t, http.MethodPut, base+"/content", writer, map[string]any{"content": "final draft of the chapter"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, base+"/status", writer, map[string]any{"status": "completed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// student approves
	var approved ledger.Chapter
	resp = ts.do(t, http.MethodPost, base+"/status", student, map[string]any{"status": "approved"}, &approved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.StatusApproved, approved.Status)

	// writer checks earnings: 3200 * 0.7 = 2240 available
	var stats earnings.Statistics
	resp = ts.do(t, http.MethodGet, "/api/earnings/"+string(writerID), writer, nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, stats.AvailableForPayout.Value.Equal(decimal.NewFromInt(2240)), "available %s", stats.AvailableForPayout.Value)

	// and requests the payout
	var receipt earnings.PayoutReceipt
	resp = ts.do(t, http.MethodPost, "/api/earnings/payouts", writer, map[string]any{"chapterIds": []string{string(created.ID)}}, &receipt)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, receipt.TotalAmount.Value.Equal(decimal.NewFromInt(2240)))
}

func TestAPI_ValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	student := token(t, core.UserID(uuid.NewString()), core.RoleStudent)

	// missing required fields
	resp := ts.do(t, http.MethodPost, "/api/chapters", student, map[string]any{"title": "incomplete"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// unknown enum value
	bad := createChapterReq(1)
	bad["level"] = "bachelor"
	resp = ts.do(t, http.MethodPost, "/api/chapters", student, bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	studentID := core.UserID(uuid.NewString())
	student := token(t, studentID, core.RoleStudent)
	admin := token(t, core.UserID(uuid.NewString()), core.RoleAdmin)

	// not found
	resp := ts.do(t, http.MethodGet, "/api/chapters/"+uuid.NewString(), admin, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// forbidden: another student's chapter
	var created ledger.Chapter
	resp = ts.do(t, http.MethodPost, "/api/chapters", student, createChapterReq(1), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	other := token(t, core.UserID(uuid.NewString()), core.RoleStudent)
	resp = ts.do(t, http.MethodGet, "/api/chapters/"+string(created.ID), other, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// conflict: duplicate chapter number
	var errBody map[string]string
	resp = ts.do(t, http.MethodPost, "/api/chapters", student, createChapterReq(1), &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errBody["error"], "already exists")
}

func TestAPI_DeleteGuardsSurfaceConflict(t *testing.T) {
	ts := newTestServer(t)
	student := token(t, core.UserID(uuid.NewString()), core.RoleStudent)
	admin := token(t, core.UserID(uuid.NewString()), core.RoleAdmin)
	writer := token(t, core.UserID(uuid.NewString()), core.RoleWriter)

	var created ledger.Chapter
	resp := ts.do(t, http.MethodPost, "/api/chapters", student, createChapterReq(1), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// settle payment, then bid, so both delete guards are armed
	var pay ledger.Payment
	resp = ts.do(t, http.MethodPost, "/api/payments", student, map[string]any{"chapterId": created.ID}, &pay)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/payments/"+string(pay.ID)+"/paid", admin, map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/chapters/"+string(created.ID)+"/bids", writer,
		map[string]any{"amount": 2000, "estimatedDays": 3}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var errBody map[string]string
	resp = ts.do(t, http.MethodDelete, "/api/chapters/"+string(created.ID), admin, nil, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Cannot delete paid or completed chapters", errBody["error"])
}

// =============================================================================
// PRICING ENDPOINT
// =============================================================================

func TestAPI_PricingEstimate(t *testing.T) {
	ts := newTestServer(t)
	student := token(t, core.UserID(uuid.NewString()), core.RoleStudent)

	var out struct {
		Pages         int        `json:"pages"`
		EstimatedCost core.Money `json:"estimatedCost"`
	}
	resp := ts.do(t, http.MethodPost, "/api/pricing/estimate", student, map[string]any{
		"targetWordCount": 2000,
		"level":           "masters",
		"workType":        "coursework",
		"urgency":         "very_urgent",
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 8, out.Pages)
	assert.True(t, out.EstimatedCost.Value.Equal(decimal.NewFromInt(6400)), "got %s", out.EstimatedCost.Value)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

func TestAPI_PaymentDisputeFlow(t *testing.T) {
	ts := newTestServer(t)
	studentID := core.UserID(uuid.NewString())
	student := token(t, studentID, core.RoleStudent)
	admin := token(t, core.UserID(uuid.NewString()), core.RoleAdmin)

	var created ledger.Chapter
	resp := ts.do(t, http.MethodPost, "/api/chapters", student, createChapterReq(1), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var pay ledger.Payment
	resp = ts.do(t, http.MethodPost, "/api/payments", student, map[string]any{"chapterId": created.ID}, &pay)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/payments/"+string(pay.ID)+"/paid", admin, map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// student disputes, admin resolves as refunded
	var disputed ledger.Payment
	resp = ts.do(t, http.MethodPost, "/api/payments/"+string(pay.ID)+"/dispute", student,
		map[string]any{"reason": "charged twice"}, &disputed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.PaymentDisputed, disputed.Status)

	var resolved ledger.Payment
	resp = ts.do(t, http.MethodPost, "/api/payments/"+string(pay.ID)+"/resolve", admin,
		map[string]any{"resolution": "refunded", "note": "verified duplicate"}, &resolved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.PaymentRefunded, resolved.Status)

	// the chapter's paid flag was cleared with the refund
	var got ledger.Chapter
	resp = ts.do(t, http.MethodGet, "/api/chapters/"+string(created.ID), student, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, got.IsPaid)
}
