// Package delta rebuilds complete assistant messages from the streaming
// deltas of message_update events and maintains the session's message log.
package delta

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/protocol"
)

// Option configures a Mapper.
type Option func(*Mapper)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Mapper) { m.log = l }
}

// WithClock replaces time.Now for identities of messages without timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

// Mapper turns raw server events into Events. It is safe for concurrent use,
// though events are expected to arrive from a single reader.
type Mapper struct {
	mu  sync.Mutex
	log *logger.Logger
	now func() time.Time

	// in-flight assistant message
	streaming    bool
	currentID    string
	hasTimestamp bool
	base         protocol.Message
	blocks       map[int]protocol.ContentBlock
	toolArgs     map[int][]string

	messages []protocol.Message

	listeners *listeners.Registry[Event]
}

// New creates a mapper with an empty message log.
func New(opts ...Option) *Mapper {
	m := &Mapper{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().WithPrefix("delta")
	}
	m.listeners = listeners.New[Event]("delta", m.log)
	m.clearLocked()
	return m
}

// Subscribe registers fn for normalized events.
func (m *Mapper) Subscribe(fn func(Event)) listeners.ID {
	return m.listeners.Add(fn)
}

// Unsubscribe removes a subscription.
func (m *Mapper) Unsubscribe(id listeners.ID) {
	m.listeners.Remove(id)
}

// Handle processes one server event and notifies subscribers.
func (m *Mapper) Handle(ev *protocol.Event) {
	out, err := m.apply(ev)
	if err != nil {
		m.log.Warn("dropping %s event: %v", ev.Type, err)
		return
	}
	if out != nil {
		m.listeners.Emit(out)
	}
}

func (m *Mapper) apply(ev *protocol.Event) (Event, error) {
	switch ev.Type {
	case protocol.EventAgentStart:
		return AgentStart{}, nil

	case protocol.EventAgentEnd:
		var p protocol.AgentEndPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.messages = cloneMessages(p.Messages)
		m.mu.Unlock()
		return AgentEnd{Messages: cloneMessages(p.Messages)}, nil

	case protocol.EventTurnStart:
		return TurnStart{}, nil

	case protocol.EventTurnEnd:
		var p protocol.TurnEndPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if p.Message != nil {
			m.messages = append(m.messages, p.Message.Clone())
		}
		for _, r := range p.ToolResults {
			m.messages = append(m.messages, r.Clone())
		}
		m.mu.Unlock()
		return TurnEnd{Message: p.Message, ToolResults: p.ToolResults}, nil

	case protocol.EventMessageStart:
		var p protocol.MessageEventPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		if p.Message == nil {
			return nil, fmt.Errorf("missing message")
		}
		if p.Message.Role == protocol.RoleAssistant {
			m.mu.Lock()
			m.startLocked(*p.Message)
			m.mu.Unlock()
		}
		return MessageStart{Message: p.Message.Clone()}, nil

	case protocol.EventMessageUpdate:
		var p protocol.MessageEventPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		return m.update(p), nil

	case protocol.EventMessageEnd:
		var p protocol.MessageEventPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		return m.end(p), nil

	case protocol.EventToolExecutionStart:
		var p protocol.ToolExecutionPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		return ToolExecutionStart{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Args: p.Args}, nil

	case protocol.EventToolExecutionUpdate:
		var p protocol.ToolExecutionPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		return ToolExecutionUpdate{ToolCallID: p.ToolCallID, ToolName: p.ToolName, PartialResult: p.PartialResult}, nil

	case protocol.EventToolExecutionEnd:
		var p protocol.ToolExecutionPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		return ToolExecutionEnd{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Result: p.Result, IsError: p.IsError}, nil

	default:
		return Passthrough{Type: ev.Type, Raw: ev.Raw}, nil
	}
}

func (m *Mapper) update(p protocol.MessageEventPayload) Event {
	ame := p.AssistantMessageEvent
	if ame == nil {
		m.log.Debug("message_update without assistantMessageEvent")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Message != nil && p.Message.Role == protocol.RoleAssistant {
		switch {
		case !m.streaming:
			m.startLocked(*p.Message)
		case p.Message.Timestamp != 0 && m.hasTimestamp && m.messageID(*p.Message) != m.currentID:
			m.log.Debug("message %s replaced %s mid-stream", m.messageID(*p.Message), m.currentID)
			m.startLocked(*p.Message)
		default:
			m.refreshBaseLocked(*p.Message)
		}
	} else if !m.streaming {
		m.startLocked(protocol.Message{Role: protocol.RoleAssistant})
	}

	if !m.applyDeltaLocked(*ame) {
		return nil
	}
	return MessageUpdate{Message: m.snapshotLocked(), Delta: *ame}
}

func (m *Mapper) end(p protocol.MessageEventPayload) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Message == nil {
		if !m.streaming {
			return nil
		}
		final := m.snapshotLocked()
		m.clearLocked()
		return MessageEnd{Message: final}
	}

	msg := p.Message.Clone()
	switch msg.Role {
	case protocol.RoleAssistant:
		if len(msg.Content) == 0 && m.streaming {
			snap := m.snapshotLocked()
			snap.StopReason = firstNonEmpty(msg.StopReason, snap.StopReason)
			snap.ErrorMessage = firstNonEmpty(msg.ErrorMessage, snap.ErrorMessage)
			msg = snap
		}
		m.clearLocked()
	case protocol.RoleUser:
		m.messages = append(m.messages, msg.Clone())
	}
	return MessageEnd{Message: msg}
}

// applyDeltaLocked mutates the in-flight content. It reports whether the
// delta was accepted.
func (m *Mapper) applyDeltaLocked(ame protocol.AssistantMessageEvent) bool {
	idx := ame.ContentIndex
	if idx < 0 {
		m.log.Warn("ignoring %s with negative content index %d", ame.Type, idx)
		return false
	}

	switch ame.Type {
	case protocol.DeltaTextDelta:
		b, ok := m.blocks[idx]
		if !ok {
			b = protocol.ContentBlock{Type: protocol.BlockText}
		} else if b.Type != protocol.BlockText {
			m.conflict(ame.Type, idx, b.Type)
			return false
		}
		b.Text += ame.Delta
		m.blocks[idx] = b

	case protocol.DeltaThinkingDelta:
		b, ok := m.blocks[idx]
		if !ok {
			b = protocol.ContentBlock{Type: protocol.BlockThinking}
		} else if b.Type != protocol.BlockThinking {
			m.conflict(ame.Type, idx, b.Type)
			return false
		}
		b.Thinking += ame.Delta
		m.blocks[idx] = b

	case protocol.DeltaToolCallDelta:
		if b, ok := m.blocks[idx]; ok && b.Type != protocol.BlockToolCall {
			m.conflict(ame.Type, idx, b.Type)
			return false
		}
		m.toolArgs[idx] = append(m.toolArgs[idx], ame.Delta)

	case protocol.DeltaToolCallEnd:
		if b, ok := m.blocks[idx]; ok && b.Type != protocol.BlockToolCall {
			m.conflict(ame.Type, idx, b.Type)
			return false
		}
		delete(m.toolArgs, idx)
		if ame.ToolCall == nil {
			m.log.Warn("toolcall_end at index %d without a tool call", idx)
			return false
		}
		m.blocks[idx] = protocol.ToolCallBlock(ame.ToolCall.ID, ame.ToolCall.Name, ame.ToolCall.Arguments).Clone()

	case protocol.DeltaStart,
		protocol.DeltaTextStart, protocol.DeltaTextEnd,
		protocol.DeltaThinkingStart, protocol.DeltaThinkingEnd,
		protocol.DeltaToolCallStart,
		protocol.DeltaDone, protocol.DeltaError:
		// markers only

	default:
		m.log.Debug("ignoring unknown delta kind %q", ame.Type)
		return false
	}
	return true
}

func (m *Mapper) conflict(kind string, idx int, existing string) {
	m.log.Warn("ignoring %s for index %d which holds a %s block", kind, idx, existing)
}

// startLocked begins an empty accumulation. Content on msg is ignored.
func (m *Mapper) startLocked(msg protocol.Message) {
	m.clearLocked()
	m.streaming = true
	m.hasTimestamp = msg.Timestamp != 0
	m.currentID = m.messageID(msg)
	m.refreshBaseLocked(msg)
}

// refreshBaseLocked takes every field except content from msg.
func (m *Mapper) refreshBaseLocked(msg protocol.Message) {
	base := msg.Clone()
	base.Content = nil
	if !m.hasTimestamp && base.Timestamp != 0 {
		m.hasTimestamp = true
		m.currentID = m.messageID(base)
	}
	m.base = base
}

func (m *Mapper) clearLocked() {
	m.streaming = false
	m.currentID = ""
	m.hasTimestamp = false
	m.base = protocol.Message{}
	m.blocks = make(map[int]protocol.ContentBlock)
	m.toolArgs = make(map[int][]string)
}

func (m *Mapper) snapshotLocked() protocol.Message {
	msg := m.base.Clone()
	if msg.Role == "" {
		msg.Role = protocol.RoleAssistant
	}
	indices := make([]int, 0, len(m.blocks))
	for i := range m.blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	msg.Content = make(protocol.Content, 0, len(indices))
	for _, i := range indices {
		msg.Content = append(msg.Content, m.blocks[i].Clone())
	}
	return msg
}

func (m *Mapper) messageID(msg protocol.Message) string {
	ts := msg.Timestamp
	if ts == 0 {
		ts = m.now().UnixMilli()
	}
	return fmt.Sprintf("%s-%d", msg.Role, ts)
}

// Messages returns a copy of the message log.
func (m *Mapper) Messages() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.messages)
}

// SetMessages replaces the message log, e.g. with the result of get_messages.
func (m *Mapper) SetMessages(messages []protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = cloneMessages(messages)
}

// Current returns a snapshot of the in-flight assistant message, or nil.
func (m *Mapper) Current() *protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streaming {
		return nil
	}
	snap := m.snapshotLocked()
	return &snap
}

// CurrentID returns the identity of the in-flight message.
func (m *Mapper) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// PendingToolArguments returns the raw argument fragments buffered for a
// tool call that has not ended yet.
func (m *Mapper) PendingToolArguments(index int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.toolArgs[index], "")
}

// IsStreaming reports whether an assistant message is being accumulated.
func (m *Mapper) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Reset clears the message log and any in-flight state.
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	m.messages = nil
}

func cloneMessages(in []protocol.Message) []protocol.Message {
	if in == nil {
		return nil
	}
	out := make([]protocol.Message, len(in))
	for i, msg := range in {
		out[i] = msg.Clone()
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
