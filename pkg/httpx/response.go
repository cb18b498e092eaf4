package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/nicktill/flightreduce/pkg/storage"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	RespondJSON(w, status, response)
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// RespondStoreError maps storage errors to statuses: unknown logs are 404,
// timeouts 504, everything else 500.
func RespondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrLogNotFound):
		RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrLogExists):
		RespondError(w, http.StatusConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		RespondError(w, http.StatusGatewayTimeout, err)
	default:
		log.Printf("Storage error: %v", err)
		RespondError(w, http.StatusInternalServerError, err)
	}
}
