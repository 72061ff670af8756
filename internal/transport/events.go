package transport

import (
	"fmt"
	"time"
)

// Close codes surfaced in CloseEvent.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
	// CloseUnauthorized is reported when the server rejects the token, either
	// during the handshake or with a close frame of the same code.
	CloseUnauthorized = 4001
)

// Event is a transport lifecycle notification. The concrete type is one of
// the *Event structs in this file.
type Event interface {
	Name() string
	isEvent()
}

// OpenEvent is emitted when a socket has been opened.
type OpenEvent struct{}

// CloseEvent is emitted when a socket closes or a dial is rejected.
type CloseEvent struct {
	Code   int
	Reason string
}

// ErrorEvent is emitted for socket level errors.
type ErrorEvent struct {
	Err error
}

// MessageEvent carries one websocket payload, possibly several JSON lines.
type MessageEvent struct {
	Data []byte
}

// ReconnectingEvent is emitted when a reconnection has been scheduled.
// Attempt is 1-based.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectedEvent follows the OpenEvent of a successful reconnection.
type ReconnectedEvent struct{}

// FailedEvent is terminal: reconnection attempts have been exhausted.
type FailedEvent struct {
	Reason string
}

func (OpenEvent) Name() string         { return "open" }
func (CloseEvent) Name() string        { return "close" }
func (ErrorEvent) Name() string        { return "error" }
func (MessageEvent) Name() string      { return "message" }
func (ReconnectingEvent) Name() string { return "reconnecting" }
func (ReconnectedEvent) Name() string  { return "reconnected" }
func (FailedEvent) Name() string       { return "failed" }

func (OpenEvent) isEvent()         {}
func (CloseEvent) isEvent()        {}
func (ErrorEvent) isEvent()        {}
func (MessageEvent) isEvent()      {}
func (ReconnectingEvent) isEvent() {}
func (ReconnectedEvent) isEvent()  {}
func (FailedEvent) isEvent()       {}

func (e CloseEvent) String() string {
	return fmt.Sprintf("close(%d, %q)", e.Code, e.Reason)
}

func (e ReconnectingEvent) String() string {
	return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", e.Attempt, e.Delay)
}
