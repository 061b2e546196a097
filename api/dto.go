/*
dto.go - Request payloads and validation

Responses are the ledger aggregates themselves; they carry JSON tags and
the API has no reason to reshape them. Requests are validated with
go-playground/validator before they reach a service.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
)

var validate = validator.New()

// decodeValid decodes the JSON body into dst and runs struct validation.
// Failures surface as invalid-argument errors so the handler maps them to 400.
func decodeValid(r *http.Request, dst any) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return core.InvalidArgumentf("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return core.InvalidArgumentf("%v", err)
	}
	return nil
}

type createChapterRequest struct {
	Title           string     `json:"title" validate:"required"`
	ChapterNumber   int        `json:"chapterNumber" validate:"required,min=1"`
	Pages           int        `json:"pages" validate:"min=0"`
	TargetWordCount int        `json:"targetWordCount" validate:"min=0"`
	Level           string     `json:"level" validate:"required,oneof=masters phd"`
	WorkType        string     `json:"workType" validate:"required,oneof=coursework revision statistics"`
	Urgency         string     `json:"urgency" validate:"required,oneof=normal urgent very_urgent"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	OwnerID         string     `json:"ownerId,omitempty"`
}

type updateContentRequest struct {
	Content         string `json:"content" validate:"required"`
	Notes           string `json:"notes,omitempty"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type changeStatusRequest struct {
	Status          string `json:"status" validate:"required,oneof=draft pending in_progress revision completed approved"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type assignWriterRequest struct {
	WriterID        string `json:"writerId" validate:"required"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type extendDeadlineRequest struct {
	Deadline        time.Time `json:"deadline" validate:"required"`
	ExpectedVersion int64     `json:"expectedVersion,omitempty" validate:"min=0"`
}

type updateCostRequest struct {
	Cost            decimal.Decimal `json:"cost" validate:"required"`
	ExpectedVersion int64           `json:"expectedVersion,omitempty" validate:"min=0"`
}

type submitBidRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	EstimatedDays int             `json:"estimatedDays" validate:"required,min=1"`
}

type resolveBidRequest struct {
	Action          string `json:"action" validate:"required,oneof=accept reject"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type createPaymentRequest struct {
	ChapterID     string          `json:"chapterId,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Currency      string          `json:"currency,omitempty" validate:"omitempty,oneof=KES USD"`
	DueDate       *time.Time      `json:"dueDate,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	UserID        string          `json:"userId,omitempty"`
}

type markPaidRequest struct {
	TransactionID   string `json:"transactionId,omitempty"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type markProcessingRequest struct {
	ExpectedVersion int64 `json:"expectedVersion,omitempty" validate:"min=0"`
}

type refundRequest struct {
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Reason          string           `json:"reason" validate:"required"`
	ExpectedVersion int64            `json:"expectedVersion,omitempty" validate:"min=0"`
}

type disputeRequest struct {
	Reason          string `json:"reason" validate:"required"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type resolveDisputeRequest struct {
	Resolution      string `json:"resolution" validate:"required,oneof=completed refunded failed"`
	Note            string `json:"note,omitempty"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty" validate:"min=0"`
}

type updateAmountRequest struct {
	Amount          decimal.Decimal `json:"amount" validate:"required"`
	ExpectedVersion int64           `json:"expectedVersion,omitempty" validate:"min=0"`
}

type extendDueDateRequest struct {
	DueDate         time.Time `json:"dueDate" validate:"required"`
	ExpectedVersion int64     `json:"expectedVersion,omitempty" validate:"min=0"`
}

type payoutRequest struct {
	ChapterIDs []string `json:"chapterIds" validate:"required,min=1,dive,required"`
}

type estimateRequest struct {
	Pages           int    `json:"pages" validate:"min=0"`
	TargetWordCount int    `json:"targetWordCount" validate:"min=0"`
	Level           string `json:"level" validate:"required,oneof=masters phd"`
	WorkType        string `json:"workType" validate:"required,oneof=coursework revision statistics"`
	Urgency         string `json:"urgency" validate:"required,oneof=normal urgent very_urgent"`
}

type errorResponse struct {
	Error string `json:"error"`
}
