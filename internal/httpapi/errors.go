package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"modelvisor/internal/manager"
	"modelvisor/pkg/types"
)

// statusForError maps supervisor failures to HTTP status codes.
func statusForError(err error) int {
	switch manager.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "download", "launch":
		return http.StatusBadGateway
	case "readiness_timeout":
		return http.StatusGatewayTimeout
	case "exhausted", "shutting_down":
		return http.StatusServiceUnavailable
	case "stop_superseded", "busy":
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// writeError reports err with its taxonomy. st, when it names a model, is
// included so the dashboard can render the failed state without a refetch.
func writeError(w http.ResponseWriter, r *http.Request, err error, st *types.ModelStatus) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; nobody to answer
		return
	}
	status := statusForError(err)
	kind := manager.Kind(err)
	switch {
	case kind != "":
	case errors.Is(err, context.Canceled) && serverBaseCtx.Err() != nil:
		status, kind = http.StatusServiceUnavailable, "shutting_down"
	default:
		kind = "internal"
	}
	resp := types.ErrorResponse{Error: err.Error(), Code: status, Kind: kind}
	if st != nil && st.ID != "" {
		resp.Model = st
	}
	l := logger()
	ev := l.Warn()
	if status >= http.StatusInternalServerError && kind == "internal" {
		ev = l.Error()
	}
	ev.Str("event", "request_failed").Str("path", r.URL.Path).Int("status", status).Str("kind", kind).
		Str("request_id", middleware.GetReqID(r.Context())).Err(err).Msg("request failed")
	writeJSON(w, status, resp)
}
