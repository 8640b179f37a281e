package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and a JSON body. Details of server-side
// failures stay in the request log; callers get a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	status := http.StatusInternalServerError
	detail := ErrorDetail{Type: "internal", Message: "internal error", RequestID: GetRequestID(r.Context())}
	if wfErr, ok := domain.AsWorkflowError(err); ok {
		status = wfErr.HTTPStatusCode()
		detail.Type = string(wfErr.Kind)
		if status < 500 {
			detail.Message = wfErr.Message
		} else {
			detail.Message = "the request could not be completed"
		}
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.ErrInvalidRequest("request body too large")
		case errors.Is(err, io.EOF):
			return domain.ErrInvalidRequest("request body is empty")
		default:
			return domain.ErrInvalidRequest("invalid JSON: " + err.Error())
		}
	}
	return nil
}
