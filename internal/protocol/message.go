package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Content block types.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolCall = "toolCall"
	BlockImage    = "image"
)

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`

	// toolCall
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// image
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a reasoning block.
func ThinkingBlock(thinking string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking}
}

// ToolCallBlock builds a tool call block.
func ToolCallBlock(id, name string, args map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ID: id, Name: name, Arguments: args}
}

// Content is a list of blocks. On the wire user content may also be a plain
// string, which decodes to a single text block.
type Content []ContentBlock

// UnmarshalJSON accepts a string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{TextBlock(s)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Text concatenates the text blocks.
func (c Content) Text() string {
	var out string
	for _, b := range c {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool call blocks in order.
func (c Content) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, b := range c {
		if b.Type == BlockToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}

// Message is an agent conversation message. Fields the client does not
// interpret (model, usage, provider details) are kept in Extra and written
// back unchanged.
type Message struct {
	Role         string
	Content      Content
	Timestamp    int64
	ToolCallID   string
	ToolName     string
	IsError      bool
	StopReason   string
	ErrorMessage string

	Extra map[string]json.RawMessage
}

var knownMessageFields = map[string]bool{
	"role":         true,
	"content":      true,
	"timestamp":    true,
	"toolCallId":   true,
	"toolName":     true,
	"isError":      true,
	"stopReason":   true,
	"errorMessage": true,
}

type messageFields struct {
	Role         string  `json:"role"`
	Content      Content `json:"content"`
	Timestamp    int64   `json:"timestamp,omitempty"`
	ToolCallID   string  `json:"toolCallId,omitempty"`
	ToolName     string  `json:"toolName,omitempty"`
	IsError      bool    `json:"isError,omitempty"`
	StopReason   string  `json:"stopReason,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var f messageFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	*m = Message{
		Role:         f.Role,
		Content:      f.Content,
		Timestamp:    f.Timestamp,
		ToolCallID:   f.ToolCallID,
		ToolName:     f.ToolName,
		IsError:      f.IsError,
		StopReason:   f.StopReason,
		ErrorMessage: f.ErrorMessage,
	}
	for k, v := range all {
		if knownMessageFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes known fields plus Extra.
func (m Message) MarshalJSON() ([]byte, error) {
	content := m.Content
	if content == nil {
		content = Content{}
	}
	known, err := json.Marshal(messageFields{
		Role:         m.Role,
		Content:      content,
		Timestamp:    m.Timestamp,
		ToolCallID:   m.ToolCallID,
		ToolName:     m.ToolName,
		IsError:      m.IsError,
		StopReason:   m.StopReason,
		ErrorMessage: m.ErrorMessage,
	})
	if err != nil || len(m.Extra) == 0 {
		return known, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, taken := merged[k]; !taken {
			merged[k] = m.Extra[k]
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy of the message content and extras.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make(Content, len(m.Content))
		for i, b := range m.Content {
			out.Content[i] = b.Clone()
		}
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Clone returns a copy of the block with its own arguments map.
func (b ContentBlock) Clone() ContentBlock {
	if b.Arguments != nil {
		args := make(map[string]any, len(b.Arguments))
		for k, v := range b.Arguments {
			args[k] = v
		}
		b.Arguments = args
	}
	return b
}
