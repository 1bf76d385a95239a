package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const maxErrorMessageLength = 500

var (
	connectionStringPattern = regexp.MustCompile(`(?:mongodb(?:\+srv)?|redis|rediss|nats|tls|amqp)://[^\s"']+`)
	privateIPPattern        = regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b|\b172\.(?:1[6-9]|2[0-9]|3[01])(?:\.\d{1,3}){2}(?::\d{1,5})?\b|\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b`)
	secretPattern           = regexp.MustCompile(`(?i)(password|secret|token|credential)[:=]\s*["']?[^"'\s]+["']?`)
	stackTracePattern       = regexp.MustCompile(`(?m)^goroutine \d+.*$`)
)

// sanitizeErrorMessage removes connection strings, private addresses and
// secrets from messages sent to clients.
func sanitizeErrorMessage(message string) string {
	message = connectionStringPattern.ReplaceAllString(message, "[CONNECTION_STRING]")
	message = privateIPPattern.ReplaceAllString(message, "[PRIVATE_IP]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	message = stackTracePattern.ReplaceAllString(message, "[STACK_TRACE]")

	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError logs the full error and sends the sanitized message as JSON.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Errorw(message, "status_code", statusCode)
		}
	}

	writeJSON(w, statusCode, errorResponse{
		Error:     sanitizeErrorMessage(message),
		RequestID: w.Header().Get(RequestIDHeader),
	}, logger)
}

// WriteError is writeError for route sets outside this package.
func WriteError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	writeError(w, statusCode, message, err, logger)
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}

// WriteJSON encodes body as the JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, body interface{}, logger *zap.SugaredLogger) {
	writeJSON(w, statusCode, body, logger)
}

// DecodeBody binds the body parsed by the pipeline into dst. Form and JSON
// bodies both bind through their JSON representation.
func DecodeBody(r *http.Request, dst interface{}) error {
	payload := BodyFromContext(r.Context())
	data, err := json.Marshal(payload.Value)
	if err != nil {
		return fmt.Errorf("failed to encode parsed body: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// getRealIP returns the client address, consulting forwarding headers only
// when the server runs behind a trusted proxy.
func getRealIP(r *http.Request, trustProxy bool) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}
