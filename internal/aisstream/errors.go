package aisstream

import (
	"errors"
	"fmt"
)

// Category classifies stream errors. Only Connection errors change the
// connection state.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryDecode     Category = "decode"
	CategoryValidation Category = "validation"
)

var (
	ErrAlreadyStarted  = errors.New("aisstream client already started")
	ErrMessageTooLarge = errors.New("aisstream message exceeds max size")
)

// StreamError is the payload of error events.
type StreamError struct {
	Category Category `json:"category"`
	Detail   string   `json:"detail"`

	err error
}

func (e *StreamError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *StreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func newStreamError(cat Category, err error) *StreamError {
	return &StreamError{Category: cat, Detail: err.Error(), err: err}
}

func streamErrorf(cat Category, format string, args ...any) *StreamError {
	err := fmt.Errorf(format, args...)
	return &StreamError{Category: cat, Detail: err.Error(), err: err}
}

// IsCategory reports whether err is a *StreamError of the given category.
func IsCategory(err error, cat Category) bool {
	var se *StreamError
	if !errors.As(err, &se) {
		return false
	}
	return se.Category == cat
}
