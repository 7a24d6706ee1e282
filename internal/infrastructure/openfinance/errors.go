package openfinance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("finance backend rejected the credentials")

// APIError is a non-2xx response from the finance backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	// Body is the decoded JSON body; nil when the body was not a JSON object.
	Body map[string]any
	Raw  string
}

func newAPIError(method, path string, status int, raw []byte) *APIError {
	e := &APIError{Method: method, Path: path, StatusCode: status, Raw: string(raw)}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		e.Body = body
	}
	return e
}

func (e *APIError) Error() string {
	if msg, ok := e.Body["message"].(string); ok && msg != "" {
		return fmt.Sprintf("API error (status %d) on %s %s: %s", e.StatusCode, e.Method, e.Path, msg)
	}
	return fmt.Sprintf("API request %s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, e.Raw)
}

// Is lets errors.Is match ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Payload exposes the error in the {status, response: {status, data}} shape
// HTTP client libraries produce.
func (e *APIError) Payload() map[string]any {
	var data any = e.Body
	if e.Body == nil {
		data = map[string]any{"message": e.Raw}
	}
	return map[string]any{
		"status": e.StatusCode,
		"response": map[string]any{
			"status": e.StatusCode,
			"data":   data,
		},
	}
}
