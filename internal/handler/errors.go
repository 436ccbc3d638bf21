package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/middleware"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// writeError maps err onto a status code and the standard error body.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := ferrors.HTTPStatus(err)
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: strings.ToUpper(ferrors.GetCode(err).String()),
		Message:   err.Error(),
		RequestID: middleware.RequestIDFrom(r.Context()),
	}

	var fe *ferrors.FleetError
	if errors.As(err, &fe) {
		resp.Message = fe.Message
		if len(fe.Details) > 0 {
			resp.Details = fe.Details
		}
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}

	WriteErrorResponse(w, statusCode, resp)
}

// WriteErrorResponse writes an error body with the given status.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
