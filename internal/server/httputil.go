package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/peximo/stitch/internal/upload"
)

// writeJSON encodes v with the standard headers.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coordinator error onto the API contract: the HTTP
// status follows the kind, the body carries a stable kind tag.
func writeError(w http.ResponseWriter, err error) {
	kind := upload.KindOf(err)
	msg := "internal error"
	var e *upload.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeErrorMessage(w, kind.HTTPStatus(), kind.String(), msg)
}

func writeErrorMessage(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
		"kind":    kind,
	})
}

// requestTooLarge detects the MaxBytesReader limit error.
func requestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

// normalizeRoute replaces session handles in paths with a placeholder so
// metric labels stay low-cardinality.
func normalizeRoute(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) == 64 && isHex(p) {
			parts[i] = "{uploadId}"
		}
	}
	return strings.Join(parts, "/")
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// clientIP extracts the best-effort client identity from the request.
func clientIP(r *http.Request) string {
	// X-Forwarded-For when behind a proxy; first hop is the client.
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
