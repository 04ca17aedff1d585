package queueview

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidProvider = errors.New("provider id is required")
	ErrAlreadyOpen     = errors.New("queue view is already open")
	ErrNotOpen         = errors.New("queue view is not open")
	ErrClosed          = errors.New("queue view is closed")
	ErrSessionEnded    = errors.New("session has ended")

	// Standing error while the push channel is broken.
	ErrChannel = errors.New("WebSocket connection error")
)

// RequestError is a transport failure, the request never got a
// response. Its message is the generic "Failed to <action>".
type RequestError struct {
	Action string
	Err    error
}

func (e *RequestError) Error() string {
	return "Failed to " + e.Action
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// APIError is a failure reported by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// errorBody decodes {"detail": "..."} as well as
// {"detail": [{"msg": "..."}, ...]}.
type errorBody struct {
	Detail detail `json:"detail"`
}

type detail struct {
	message string
}

func (d *detail) UnmarshalJSON(data []byte) error {
	var message string
	if err := json.Unmarshal(data, &message); err == nil {
		d.message = message
		return nil
	}

	var fields []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		// Unknown shape, fall back to the generic message.
		return nil
	}

	msgs := make([]string, 0, len(fields))
	for _, field := range fields {
		msgs = append(msgs, field.Msg)
	}
	d.message = strings.Join(msgs, ", ")
	return nil
}

func (b *errorBody) apiError(statusCode int, action string) *APIError {
	message := b.Detail.message
	if message == "" {
		message = "Failed to " + action
	}
	return &APIError{StatusCode: statusCode, Message: message}
}
