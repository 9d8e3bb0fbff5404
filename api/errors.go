package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/0xShortx/CroGas/log"
)

// Error is the uniform API error. Every handler failure is rendered as
// {"error":<CODE>,"message":...,"details":{...}} with the bound HTTP status.
type Error struct {
	Err        error
	Code       string
	HTTPstatus int
	Details    map[string]any
	RetryAfter int
}

// Error returns the message of the Error.
func (e Error) Error() string {
	return e.Err.Error()
}

// Withf returns a copy of Error with the message formatted with the args.
func (e Error) Withf(format string, args ...any) Error {
	e.Err = fmt.Errorf(format, args...)
	return e
}

// WithErr returns a copy of Error with the underlying error appended to the
// message.
func (e Error) WithErr(err error) Error {
	e.Err = fmt.Errorf("%s: %s", e.Err, err)
	return e
}

// WithDetails returns a copy of Error carrying a details map in the body.
func (e Error) WithDetails(details map[string]any) Error {
	e.Details = details
	return e
}

// WithRetryAfter returns a copy of Error advertising a retry window.
func (e Error) WithRetryAfter(seconds int) Error {
	e.RetryAfter = seconds
	return e
}

type errorBody struct {
	Code       string         `json:"error"`
	Message    string         `json:"message,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Write serializes the error envelope and sends it with the bound status.
func (e Error) Write(w http.ResponseWriter) {
	body, err := json.Marshal(errorBody{
		Code:       e.Code,
		Message:    e.Err.Error(),
		RetryAfter: e.RetryAfter,
		Details:    e.Details,
	})
	if err != nil {
		log.Warnw("marshal error response failed", "error", err.Error())
		http.Error(w, e.Code, e.HTTPstatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write error response", "error", err.Error())
	}
}
