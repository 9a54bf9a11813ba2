package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/pipeline"
	"github.com/kalambet/refnote/internal/proxy"
	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// classify maps a domain error to an HTTP status and error type.
func classify(err error) (int, string) {
	var (
		netErr   *proxy.NetworkError
		srvErr   *proxy.ServerError
		parseErr *proxy.ParsingError
		fetchErr *ingest.FetchError
		decErr   *ingest.DecodeError
	)
	switch {
	case errors.Is(err, proxy.ErrMissingCredential):
		return http.StatusPreconditionFailed, "configuration_error"
	case errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, ingest.ErrNothingStaged),
		errors.Is(err, ingest.ErrCanceled):
		return http.StatusConflict, "conflict"
	case errors.Is(err, pipeline.ErrEmptyQuery),
		errors.Is(err, ingest.ErrEmptyURL),
		errors.Is(err, ingest.ErrInvalidURL),
		errors.Is(err, session.ErrEmptyNote):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &netErr):
		return http.StatusGatewayTimeout, "upstream_unreachable"
	case errors.As(err, &srvErr), errors.As(err, &parseErr), errors.As(err, &fetchErr):
		return http.StatusBadGateway, "upstream_error"
	case errors.As(err, &decErr):
		return http.StatusUnprocessableEntity, "unsupported_content"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := classify(err)
	httpError(w, code, typ, "%s", err.Error())
}
