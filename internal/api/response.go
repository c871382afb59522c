package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/internal/observability"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
)

// ErrorResponse is the JSON error envelope. Internal errors never
// expose the original message; clients get the kind and trace id.
type ErrorResponse struct {
	TraceID   string `json:"trace_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pkgerrors.KindOf(err)
	resp := ErrorResponse{
		TraceID:   observability.TraceIDFromContext(r.Context()),
		ErrorKind: kind,
	}

	status := http.StatusInternalServerError
	var ke *pkgerrors.KindError
	if errors.As(err, &ke) {
		status = ke.HTTPStatusCode()
		if kind != pkgerrors.KindInternal {
			resp.Message = ke.Message
		}
	}
	writeJSON(w, status, resp)
}
