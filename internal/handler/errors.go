package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/middleware"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var errorCodeNames = map[clustererrors.ErrorCode]string{
	clustererrors.ErrCodeInvalidArgument:     "INVALID_ARGUMENT",
	clustererrors.ErrCodeKeyNotFound:         "KEY_NOT_FOUND",
	clustererrors.ErrCodeKeyTooLarge:         "KEY_TOO_LARGE",
	clustererrors.ErrCodeValueTooLarge:       "VALUE_TOO_LARGE",
	clustererrors.ErrCodeNodeNotFound:        "NODE_NOT_FOUND",
	clustererrors.ErrCodeDuplicateNode:       "DUPLICATE_NODE",
	clustererrors.ErrCodeCollision:           "HASH_COLLISION",
	clustererrors.ErrCodeInternal:            "INTERNAL_ERROR",
	clustererrors.ErrCodeUnavailable:         "SERVICE_UNAVAILABLE",
	clustererrors.ErrCodeStructuralRing:      "STRUCTURAL_RING_ERROR",
	clustererrors.ErrCodeCoordinationTimeout: "COORDINATION_TIMEOUT",
	clustererrors.ErrCodePartialFailure:      "PARTIAL_FAILURE",
	clustererrors.ErrCodeTransferFailed:      "TRANSFER_FAILED",
}

// HTTPStatus maps a cluster error code onto an HTTP status.
func HTTPStatus(code clustererrors.ErrorCode) int {
	switch code {
	case clustererrors.ErrCodeOK:
		return http.StatusOK
	case clustererrors.ErrCodeInvalidArgument, clustererrors.ErrCodeKeyTooLarge, clustererrors.ErrCodeValueTooLarge:
		return http.StatusBadRequest
	case clustererrors.ErrCodeNodeNotFound, clustererrors.ErrCodeKeyNotFound:
		return http.StatusNotFound
	case clustererrors.ErrCodeDuplicateNode, clustererrors.ErrCodeCollision:
		return http.StatusConflict
	case clustererrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case clustererrors.ErrCodeCoordinationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := clustererrors.GetCode(err)
	status := HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.writeErrorResponse(w, r, status, errorCodeNames[code], err.Error())
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
