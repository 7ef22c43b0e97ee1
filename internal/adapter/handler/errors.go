package handler

import (
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// errorKind classifies err once so both transports map it the same way.
func errorKind(err error) (httpStatus int, grpcCode codes.Code, code string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, codes.InvalidArgument, "validation_failed"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codes.NotFound, "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, codes.FailedPrecondition, "insufficient_stock"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, codes.Aborted, "concurrency_conflict"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, codes.AlreadyExists, "duplicate_request"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, codes.FailedPrecondition, "invalid_transition"
	case errors.Is(err, domain.ErrCompensationIncomplete):
		// the order is cancelled; calling cancel again re-drives the restores
		return http.StatusServiceUnavailable, codes.Unavailable, "compensation_incomplete"
	default:
		return http.StatusInternalServerError, codes.Internal, "internal_error"
	}
}

func newErrorResponse(err error) (int, errorResponse) {
	status, _, code := errorKind(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		resp.Field = vErr.Field
	}
	return status, resp
}
