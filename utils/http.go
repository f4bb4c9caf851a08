package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies; every auth payload is tiny
const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every error reply. Status is "fail" for
// client errors and "error" for server errors.
type ErrorResponse struct {
	Status  string                 `json:"status"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 Created response
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError writes an ErrorResponse
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) error {
	kind := "fail"
	if status >= http.StatusInternalServerError {
		kind = "error"
	}
	return WriteJSON(w, status, ErrorResponse{
		Status:  kind,
		Code:    code,
		Message: message,
		Details: details,
	})
}

// WriteBadRequest writes a 400 Bad Request response with error details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusBadRequest, "BAD_REQUEST", message, details)
}

// WriteUnauthorized writes a 401 Unauthorized response
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "authentication required"
	}
	return WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

// WriteForbidden writes a 403 Forbidden response
func WriteForbidden(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "access forbidden"
	}
	return WriteError(w, http.StatusForbidden, "FORBIDDEN", message, nil)
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "resource not found"
	}
	return WriteError(w, http.StatusNotFound, "NOT_FOUND", message, nil)
}

// WriteInternalServerError writes a 500 response. The message never carries
// error internals.
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "internal server error"
	}
	return WriteError(w, http.StatusInternalServerError, "INTERNAL", message, nil)
}

// DecodeJSON reads a JSON body into dst and validates it with ValidateStruct.
// Malformed bodies and validation failures are both returned as
// *ValidationError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		msg := "malformed JSON body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		case errors.As(err, &maxErr):
			msg = fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
		}
		return &ValidationError{Message: msg}
	}
	return ValidateStruct(dst)
}
