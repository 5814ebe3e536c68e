package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrNoToken is returned by New when no credential is configured.
	ErrNoToken = errors.New("api token is required")

	// ErrNoGate is returned by New when no rate limiter is configured.
	ErrNoGate = errors.New("rate limiter is required")
)

// rateLimitMarker is the body the upstream sends with a 200 status when throttling.
const rateLimitMarker = `"error":"Too many requests"`

// UpstreamError describes a failed upstream call. All classes are transient
// from the harvester's point of view; the category is retried next cycle.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	URL        string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of an upstream error, or "" for other errors.
func ClassOf(err error) ErrorClass {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ""
}

// IsThrottle reports whether err signals throttling or an upstream outage,
// which warrants a cooldown before the next call.
func IsThrottle(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Class {
	case ErrorClassNetwork, ErrorClassRateLimit:
		return true
	case ErrorClassStatus:
		return ue.StatusCode == http.StatusTooManyRequests || ue.StatusCode >= 500
	default:
		return false
	}
}

// bodyError is the error envelope the upstream uses in place of data.
type bodyError struct {
	Error json.RawMessage `json:"error"`
}

// CheckBody reports whether a response body is the upstream's throttling
// reply. It returns ErrorClassRateLimit and the message for such a body and
// an empty class for any other body, including error bodies and non-JSON.
func CheckBody(body []byte) (ErrorClass, string) {
	trimmed := bytes.TrimSpace(body)
	if bytes.Contains(trimmed, []byte(rateLimitMarker)) {
		return ErrorClassRateLimit, "Too many requests"
	}
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(`"error"`)) {
		return "", ""
	}

	var envelope bodyError
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return "", ""
	}
	var msg string
	if err := json.Unmarshal(envelope.Error, &msg); err != nil {
		return "", ""
	}
	if strings.Contains(strings.ToLower(msg), "too many requests") {
		return ErrorClassRateLimit, msg
	}
	return "", ""
}
