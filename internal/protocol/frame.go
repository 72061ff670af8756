package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// TypeResponse is the type tag of a frame answering a command.
const TypeResponse = "response"

var (
	// ErrMalformedFrame is returned for lines that are not valid JSON objects.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnrecognizedFrame is returned for JSON values without a type tag.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
)

// Frame is one inbound line after classification. The concrete type is
// either *Response or *Event.
type Frame interface {
	FrameType() string
	isFrame()
}

// Response answers a command that carried an id.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Raw is the complete line the response was decoded from.
	Raw json.RawMessage `json:"-"`
}

// FrameType returns "response".
func (r *Response) FrameType() string { return TypeResponse }
func (*Response) isFrame()            {}

// Result returns the data payload, or the whole frame when the response
// carried no data field.
func (r *Response) Result() json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Raw
}

// Event is any typed frame that is not a response.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// FrameType returns the event type tag.
func (e *Event) FrameType() string { return e.Type }
func (*Event) isFrame()            {}

// Decode unmarshals the raw event into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

type envelope struct {
	Type string  `json:"type"`
	ID   *string `json:"id"`
}

// Classify parses a single line into a Frame. A frame tagged "response"
// with an id is a *Response; any other frame with a non-empty type is an
// *Event, including a "response" that lacks an id.
func Classify(line []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	if env.Type == TypeResponse && env.ID != nil {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		resp.Raw = raw
		return &resp, nil
	}

	if env.Type != "" {
		return &Event{Type: env.Type, Raw: raw}, nil
	}

	return nil, ErrUnrecognizedFrame
}

// SplitLines splits a websocket payload into its non-blank lines.
func SplitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// LineError describes one line of a payload that could not be classified.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ParseFrames classifies every line of a payload independently. Lines that
// fail are reported as *LineError values and do not stop the others.
func ParseFrames(data []byte) ([]Frame, []error) {
	var (
		frames []Frame
		errs   []error
	)
	for i, line := range SplitLines(data) {
		frame, err := Classify(line)
		if err != nil {
			errs = append(errs, &LineError{Line: i, Text: truncate(string(line), 200), Err: err})
			continue
		}
		frames = append(frames, frame)
	}
	return frames, errs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
