package httpapi

import (
	"encoding/json"
	"net/http"

	"engined/internal/router"
)

// statusFor maps a dispatch error kind to an HTTP status.
func statusFor(kind router.ErrorKind) int {
	switch kind {
	case router.KindUnknownProvider, router.KindNotFound:
		return http.StatusNotFound
	case router.KindLoad, router.KindInference:
		return http.StatusBadGateway
	case router.KindPortUnavailable, router.KindStartTimeout, router.KindFatal:
		return http.StatusServiceUnavailable
	case router.KindTimeout:
		return http.StatusGatewayTimeout
	case router.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string, kind router.ErrorKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": msg, "code": status}
	if kind != "" {
		body["kind"] = kind
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response", "")
	}
}
