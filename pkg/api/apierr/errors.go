// Package apierr provides the error response format of the relay HTTP API.
//
// Every error response uses the same JSON envelope:
//
//	{
//	  "ok":       false,
//	  "error":    "human-readable description",
//	  "code":     "MACHINE_READABLE_CODE",
//	  "status":   400
//	}
//
// Clients branch on "code" and show "error" to humans.
package apierr

import (
	"encoding/json"
	"net/http"
)

// ---------------------------------------------------------------------------
// Error codes. Part of the public API contract: add, never rename.
// ---------------------------------------------------------------------------

const (
	// General
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidJSON      = "INVALID_JSON"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"

	// Control plane
	CodePasswordRequired     = "PASSWORD_REQUIRED"
	CodeInvalidPassword      = "INVALID_PASSWORD_TYPE"
	CodeKeyRequired          = "KEY_REQUIRED"
	CodeUnsupportedKey       = "UNSUPPORTED_KEY"
	CodeInvalidType          = "INVALID_TYPE"
	CodeMalformedCredentials = "MALFORMED_CREDENTIALS"
)

// Response is the standard error envelope returned to API clients.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// Write serialises an error Response and writes it to w with the given
// HTTP status code. Content-Type is always application/json.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		OK:     false,
		Error:  message,
		Code:   code,
		Status: status,
	})
}

// ---------------------------------------------------------------------------
// Shortcuts. Each maps to one status + code pair.
// ---------------------------------------------------------------------------

// BadRequest writes a 400 response with the given code and message.
func BadRequest(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusBadRequest, code, msg)
}

// Unprocessable writes a 422 response with the given code and message.
func Unprocessable(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusUnprocessableEntity, code, msg)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusNotFound, code, msg)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, msg string) {
	Write(w, http.StatusUnauthorized, CodeUnauthorized, msg)
}

// TooManyRequests writes a 429 response.
func TooManyRequests(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "too many requests"
	}
	Write(w, http.StatusTooManyRequests, CodeRateLimited, msg)
}

// Internal writes a 500 response.
func Internal(w http.ResponseWriter, msg string) {
	Write(w, http.StatusInternalServerError, CodeInternalError, msg)
}

// InvalidJSON writes a 422 response for bodies that are not a JSON object.
func InvalidJSON(w http.ResponseWriter) {
	Unprocessable(w, CodeInvalidJSON, "request body must be a JSON object")
}

// PayloadTooLarge writes a 413 response when the body exceeds configured bounds.
func PayloadTooLarge(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "payload too large"
	}
	Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

// PasswordRequired writes a 400 response when no password was given.
func PasswordRequired(w http.ResponseWriter) {
	BadRequest(w, CodePasswordRequired, "password is required")
}

// KeyRequired writes a 400 response when no configuration key was given.
func KeyRequired(w http.ResponseWriter) {
	BadRequest(w, CodeKeyRequired, "key is required")
}
