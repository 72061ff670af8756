package rpcclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestTimeout matches a *TimeoutError.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestFailed matches a *RequestError.
	ErrRequestFailed = errors.New("request failed")
	// ErrConnectionClosed is returned to every request outstanding when the
	// client is disconnected.
	ErrConnectionClosed = errors.New("connection closed")
)

// TimeoutError reports a command that received no response in time.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout for command: %s (after %s)", e.Command, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// RequestError is a response with success=false.
type RequestError struct {
	Command string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.Command)
	}
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Message)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}
