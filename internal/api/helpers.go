package api

import (
	"encoding/json"
	"net/http"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// ErrorResponse is the body of a failed metrics request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendError sends {error, kind} for err
func sendError(w http.ResponseWriter, status int, err error) {
	sendJSON(w, status, ErrorResponse{Error: err.Error(), Kind: errs.KindOf(err)})
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](r *http.Request) (T, error) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return input, errs.Validation("Invalid JSON body")
	}
	return input, nil
}
