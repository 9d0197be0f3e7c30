package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is an error response from the remote API.
type APIError struct {
	statusCode int
	code       string
	message    string
}

// NewAPIError creates an APIError.
func NewAPIError(statusCode int, code, message string) *APIError {
	return &APIError{statusCode: statusCode, code: code, message: message}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("API error %d %s: %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("API error %d: %s", e.statusCode, e.message)
}

// StatusCode returns the HTTP status of the response.
func (e *APIError) StatusCode() int { return e.statusCode }

// Code returns the error code reported by the server, if any.
func (e *APIError) Code() string { return e.code }

// Message returns the error message.
func (e *APIError) Message() string { return e.message }

// errorBody is the error envelope: {"error": {"code": ..., "message": ...}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeAPIError(status int, body []byte) *APIError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && (eb.Error.Code != "" || eb.Error.Message != "") {
		return NewAPIError(status, eb.Error.Code, eb.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return NewAPIError(status, "", msg)
}
