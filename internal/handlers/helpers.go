package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/farmd/internal/interfaces"
)

var validate = validator.New()

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// WriteStorageError maps storage sentinel errors to HTTP status codes.
func WriteStorageError(w http.ResponseWriter, err error) error {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, interfaces.ErrDuplicateName), errors.Is(err, interfaces.ErrHasChildren):
		return WriteError(w, http.StatusConflict, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// DecodeJSON decodes the request body into v and validates it. On failure it
// writes a 400 and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// ParseID parses a numeric path segment. On failure it writes a 400 and
// returns false.
func ParseID(w http.ResponseWriter, segment string) (uint64, bool) {
	id, err := strconv.ParseUint(segment, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id: "+segment)
		return 0, false
	}
	return id, true
}

// PathSegments splits the request path after the given prefix into its
// non-empty segments.
func PathSegments(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// MethodNotAllowed writes the standard 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}
