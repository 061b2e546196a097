/*
handlers.go - HTTP handler implementations

PURPOSE:
  Translates HTTP requests into service calls and service results into
  JSON. Handlers hold no business logic: authorization, state guards and
  invariants all live in the services; this layer only decodes, dispatches
  and renders.

ERROR MAPPING:
  core error kinds map onto HTTP status codes:
    invalid argument  400
    unauthenticated   401
    forbidden         403
    not found         404
    invalid state     409
    version conflict  409
    dependency        502

SEE ALSO:
  - server.go: route wiring
  - auth.go: actor resolution
*/
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/quill/chapter-engine/chapter"
	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/earnings"
	"github.com/quill/chapter-engine/ledger"
	"github.com/quill/chapter-engine/payment"
	"github.com/quill/chapter-engine/pricing"
)

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	chapters  *chapter.Service
	payments  *payment.Service
	earnings  *earnings.Service
	pricing   *pricing.Calculator
	jwtSecret []byte
	log       *slog.Logger
}

func NewHandler(chapters *chapter.Service, payments *payment.Service, earn *earnings.Service, pricer *pricing.Calculator, jwtSecret []byte, log *slog.Logger) *Handler {
	return &Handler{
		chapters:  chapters,
		payments:  payments,
		earnings:  earn,
		pricing:   pricer,
		jwtSecret: jwtSecret,
		log:       log,
	}
}

func (h *Handler) actor(r *http.Request) core.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, core.ErrDependencyFailure):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func (h *Handler) renderJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// =============================================================================
// CHAPTERS
// =============================================================================

func (h *Handler) CreateChapter(w http.ResponseWriter, r *http.Request) {
	var req createChapterRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.Create(r.Context(), h.actor(r), chapter.CreateParams{
		Title:           req.Title,
		ChapterNumber:   req.ChapterNumber,
		Pages:           req.Pages,
		TargetWordCount: req.TargetWordCount,
		Level:           ledger.Level(req.Level),
		WorkType:        ledger.WorkType(req.WorkType),
		Urgency:         ledger.Urgency(req.Urgency),
		Deadline:        req.Deadline,
		OwnerID:         core.UserID(req.OwnerID),
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.renderJSON(w, r, http.StatusCreated, c)
}

func (h *Handler) GetChapter(w http.ResponseWriter, r *http.Request) {
	c, err := h.chapters.Get(r.Context(), h.actor(r), core.ChapterID(chi.URLParam(r, "id")))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) ListChapters(w http.ResponseWriter, r *http.Request) {
	cs, err := h.chapters.ListMine(r.Context(), h.actor(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, cs)
}

func (h *Handler) ListOpenChapters(w http.ResponseWriter, r *http.Request) {
	cs, err := h.chapters.ListOpen(r.Context(), h.actor(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, cs)
}

func (h *Handler) ListOverdueChapters(w http.ResponseWriter, r *http.Request) {
	cs, err := h.chapters.ListOverdue(r.Context(), h.actor(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, cs)
}

func (h *Handler) UpdateChapterContent(w http.ResponseWriter, r *http.Request) {
	var req updateContentRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.UpdateContent(r.Context(), h.actor(r), chapter.UpdateContentParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		Content:         req.Content,
		Notes:           req.Notes,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) ChangeChapterStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.ChangeStatus(r.Context(), h.actor(r), chapter.ChangeStatusParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		Status:          ledger.Status(req.Status),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) AssignWriter(w http.ResponseWriter, r *http.Request) {
	var req assignWriterRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.AssignWriter(r.Context(), h.actor(r), chapter.AssignWriterParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		WriterID:        core.UserID(req.WriterID),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) AcceptChapter(w http.ResponseWriter, r *http.Request) {
	c, err := h.chapters.AcceptChapter(r.Context(), h.actor(r), chapter.AcceptChapterParams{
		ChapterID: core.ChapterID(chi.URLParam(r, "id")),
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) ExtendDeadline(w http.ResponseWriter, r *http.Request) {
	var req extendDeadlineRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.ExtendDeadline(r.Context(), h.actor(r), chapter.ExtendDeadlineParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		Deadline:        req.Deadline,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) UpdateChapterCost(w http.ResponseWriter, r *http.Request) {
	var req updateCostRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.UpdateCost(r.Context(), h.actor(r), chapter.UpdateCostParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		Cost:            req.Cost,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) DeleteChapter(w http.ResponseWriter, r *http.Request) {
	if err := h.chapters.Delete(r.Context(), h.actor(r), core.ChapterID(chi.URLParam(r, "id"))); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// =============================================================================
// BIDS
// =============================================================================

func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.SubmitBid(r.Context(), h.actor(r), chapter.SubmitBidParams{
		ChapterID:     core.ChapterID(chi.URLParam(r, "id")),
		Amount:        req.Amount,
		EstimatedDays: req.EstimatedDays,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.renderJSON(w, r, http.StatusCreated, c)
}

func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.chapters.ListBids(r.Context(), h.actor(r), core.ChapterID(chi.URLParam(r, "id")))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, bids)
}

func (h *Handler) ResolveBid(w http.ResponseWriter, r *http.Request) {
	var req resolveBidRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	c, err := h.chapters.ResolveBid(r.Context(), h.actor(r), chapter.ResolveBidParams{
		ChapterID:       core.ChapterID(chi.URLParam(r, "id")),
		BidID:           core.BidID(chi.URLParam(r, "bidId")),
		Action:          chapter.BidAction(req.Action),
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.Create(r.Context(), h.actor(r), payment.CreateParams{
		ChapterID:     core.ChapterID(req.ChapterID),
		Amount:        req.Amount,
		Currency:      core.Currency(req.Currency),
		DueDate:       req.DueDate,
		PaymentMethod: req.PaymentMethod,
		UserID:        core.UserID(req.UserID),
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.renderJSON(w, r, http.StatusCreated, p)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), h.actor(r), core.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.payments.ListMine(r.Context(), h.actor(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, ps)
}

func (h *Handler) MarkPaymentPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.MarkPaid(r.Context(), h.actor(r), payment.MarkPaidParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		TransactionID:   req.TransactionID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) MarkPaymentProcessing(w http.ResponseWriter, r *http.Request) {
	var req markProcessingRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.MarkProcessing(r.Context(), h.actor(r), payment.MarkProcessingParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.Refund(r.Context(), h.actor(r), payment.RefundParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		Amount:          req.Amount,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) DisputePayment(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.Dispute(r.Context(), h.actor(r), payment.DisputeParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) ResolvePaymentDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.ResolveDispute(r.Context(), h.actor(r), payment.ResolveDisputeParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		Resolution:      ledger.PaymentStatus(req.Resolution),
		Note:            req.Note,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) UpdatePaymentAmount(w http.ResponseWriter, r *http.Request) {
	var req updateAmountRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.UpdateAmount(r.Context(), h.actor(r), payment.UpdateAmountParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		Amount:          req.Amount,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

func (h *Handler) ExtendPaymentDueDate(w http.ResponseWriter, r *http.Request) {
	var req extendDueDateRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	p, err := h.payments.ExtendDueDate(r.Context(), h.actor(r), payment.ExtendDueDateParams{
		PaymentID:       core.PaymentID(chi.URLParam(r, "id")),
		DueDate:         req.DueDate,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

// =============================================================================
// EARNINGS
// =============================================================================

func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	stats, err := h.earnings.Statistics(r.Context(), h.actor(r), core.UserID(chi.URLParam(r, "writerId")))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	ids := make([]core.ChapterID, 0, len(req.ChapterIDs))
	for _, id := range req.ChapterIDs {
		ids = append(ids, core.ChapterID(id))
	}
	receipt, err := h.earnings.RequestPayout(r.Context(), h.actor(r), ids)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.renderJSON(w, r, http.StatusCreated, receipt)
}

// =============================================================================
// PRICING
// =============================================================================

func (h *Handler) EstimatePrice(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeValid(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}
	in := pricing.Input{
		Pages:           req.Pages,
		TargetWordCount: req.TargetWordCount,
		Level:           ledger.Level(req.Level),
		WorkType:        ledger.WorkType(req.WorkType),
		Urgency:         ledger.Urgency(req.Urgency),
	}
	cost, err := h.pricing.Estimate(in)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"pages":         in.EffectivePages(),
		"estimatedCost": cost,
	})
}
