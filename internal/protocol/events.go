package protocol

import "encoding/json"

// Session event types sent by the agent server.
const (
	EventAgentStart          = "agent_start"
	EventAgentEnd            = "agent_end"
	EventTurnStart           = "turn_start"
	EventTurnEnd             = "turn_end"
	EventMessageStart        = "message_start"
	EventMessageUpdate       = "message_update"
	EventMessageEnd          = "message_end"
	EventToolExecutionStart  = "tool_execution_start"
	EventToolExecutionUpdate = "tool_execution_update"
	EventToolExecutionEnd    = "tool_execution_end"
)

// Streaming delta kinds carried in message_update.assistantMessageEvent.
const (
	DeltaStart         = "start"
	DeltaTextStart     = "text_start"
	DeltaTextDelta     = "text_delta"
	DeltaTextEnd       = "text_end"
	DeltaThinkingStart = "thinking_start"
	DeltaThinkingDelta = "thinking_delta"
	DeltaThinkingEnd   = "thinking_end"
	DeltaToolCallStart = "toolcall_start"
	DeltaToolCallDelta = "toolcall_delta"
	DeltaToolCallEnd   = "toolcall_end"
	DeltaDone          = "done"
	DeltaError         = "error"
)

// AssistantMessageEvent is one streaming delta for the in-flight assistant
// message. ContentIndex addresses the block it belongs to.
type AssistantMessageEvent struct {
	Type         string        `json:"type"`
	ContentIndex int           `json:"contentIndex"`
	Delta        string        `json:"delta,omitempty"`
	Content      string        `json:"content,omitempty"`
	ToolCall     *ContentBlock `json:"toolCall,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// MessageEventPayload is the body of message_start, message_update and
// message_end events.
type MessageEventPayload struct {
	Type                  string                 `json:"type"`
	Message               *Message               `json:"message,omitempty"`
	AssistantMessageEvent *AssistantMessageEvent `json:"assistantMessageEvent,omitempty"`
}

// TurnEndPayload is the body of a turn_end event.
type TurnEndPayload struct {
	Type        string    `json:"type"`
	Message     *Message  `json:"message,omitempty"`
	ToolResults []Message `json:"toolResults,omitempty"`
}

// AgentEndPayload is the body of an agent_end event.
type AgentEndPayload struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// ToolExecutionPayload is the body of the tool_execution_* events.
type ToolExecutionPayload struct {
	Type          string          `json:"type"`
	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	Args          json.RawMessage `json:"args,omitempty"`
	PartialResult json.RawMessage `json:"partialResult,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"isError,omitempty"`
}
