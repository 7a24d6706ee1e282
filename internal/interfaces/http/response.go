package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"finlink/internal/domain/connector"
	"finlink/internal/domain/linking"
)

// HandleHealth returns a simple health check response.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps workflow errors to status codes. Anything unrecognized
// came from the finance backend.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, linking.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, linking.ErrSessionNotFound),
		errors.Is(err, connector.ErrConnectorNotFound):
		return http.StatusNotFound
	case errors.Is(err, linking.ErrInvalidTransition),
		errors.Is(err, linking.ErrQueryDisabled),
		errors.Is(err, linking.ErrStale),
		errors.Is(err, linking.ErrCannotClose),
		errors.Is(err, linking.ErrSessionClosed),
		errors.Is(err, linking.ErrTenantUnknown):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// decodeBody reads a JSON body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}
