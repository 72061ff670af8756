package delta

import (
	"encoding/json"

	"github.com/codefionn/pilink/internal/protocol"
)

// Event is a normalized session event. The concrete type is one of the
// structs below.
type Event interface {
	Kind() string
	isEvent()
}

type AgentStart struct{}

// AgentEnd carries the authoritative message log of the finished run.
type AgentEnd struct {
	Messages []protocol.Message
}

type TurnStart struct{}

type TurnEnd struct {
	Message     *protocol.Message
	ToolResults []protocol.Message
}

type MessageStart struct {
	Message protocol.Message
}

// MessageUpdate carries the complete in-flight message after a delta has
// been applied, together with the delta itself.
type MessageUpdate struct {
	Message protocol.Message
	Delta   protocol.AssistantMessageEvent
}

type MessageEnd struct {
	Message protocol.Message
}

type ToolExecutionStart struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

type ToolExecutionUpdate struct {
	ToolCallID    string
	ToolName      string
	PartialResult json.RawMessage
}

type ToolExecutionEnd struct {
	ToolCallID string
	ToolName   string
	Result     json.RawMessage
	IsError    bool
}

// Passthrough forwards server events the mapper does not interpret, such as
// compaction and retry notifications.
type Passthrough struct {
	Type string
	Raw  json.RawMessage
}

func (AgentStart) Kind() string          { return protocol.EventAgentStart }
func (AgentEnd) Kind() string            { return protocol.EventAgentEnd }
func (TurnStart) Kind() string           { return protocol.EventTurnStart }
func (TurnEnd) Kind() string             { return protocol.EventTurnEnd }
func (MessageStart) Kind() string        { return protocol.EventMessageStart }
func (MessageUpdate) Kind() string       { return protocol.EventMessageUpdate }
func (MessageEnd) Kind() string          { return protocol.EventMessageEnd }
func (ToolExecutionStart) Kind() string  { return protocol.EventToolExecutionStart }
func (ToolExecutionUpdate) Kind() string { return protocol.EventToolExecutionUpdate }
func (ToolExecutionEnd) Kind() string    { return protocol.EventToolExecutionEnd }
func (p Passthrough) Kind() string       { return p.Type }

func (AgentStart) isEvent()          {}
func (AgentEnd) isEvent()            {}
func (TurnStart) isEvent()           {}
func (TurnEnd) isEvent()             {}
func (MessageStart) isEvent()        {}
func (MessageUpdate) isEvent()       {}
func (MessageEnd) isEvent()          {}
func (ToolExecutionStart) isEvent()  {}
func (ToolExecutionUpdate) isEvent() {}
func (ToolExecutionEnd) isEvent()    {}
func (Passthrough) isEvent()         {}
