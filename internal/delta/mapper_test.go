package delta

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/protocol"
)

var quiet = logger.NewWithWriter(logger.LevelNone, io.Discard, "test")

func newMapper(t *testing.T) (*Mapper, *[]Event) {
	t.Helper()
	m := New(WithLogger(quiet), WithClock(func() time.Time { return time.UnixMilli(1000) }))
	var got []Event
	m.Subscribe(func(ev Event) { got = append(got, ev) })
	return m, &got
}

func event(t *testing.T, raw string) *protocol.Event {
	t.Helper()
	frame, err := protocol.Classify([]byte(raw))
	if err != nil {
		t.Fatalf("Classify(%s): %v", raw, err)
	}
	ev, ok := frame.(*protocol.Event)
	if !ok {
		t.Fatalf("%s is not an event", raw)
	}
	return ev
}

func update(ts int64, kind string, index int, extra string) string {
	s := fmt.Sprintf(`{"type":"message_update","message":{"role":"assistant","content":[],"timestamp":%d},"assistantMessageEvent":{"type":%q,"contentIndex":%d`, ts, kind, index)
	if extra != "" {
		s += "," + extra
	}
	return s + "}}"
}

var ignoreExtra = cmpopts.IgnoreFields(protocol.Message{}, "Extra")

func lastUpdate(t *testing.T, events []Event) MessageUpdate {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if u, ok := events[i].(MessageUpdate); ok {
			return u
		}
	}
	t.Fatal("no message update emitted")
	return MessageUpdate{}
}

func TestInterleavedDeltasSnapshotInIndexOrder(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":42}}`))
	m.Handle(event(t, update(42, "toolcall_start", 1, "")))
	m.Handle(event(t, update(42, "toolcall_delta", 1, `"delta":"{\"pa"`)))
	m.Handle(event(t, update(42, "text_delta", 0, `"delta":"Hel"`)))
	m.Handle(event(t, update(42, "toolcall_delta", 1, `"delta":"th\":\"a\"}"`)))
	if args := m.PendingToolArguments(1); args != `{"path":"a"}` {
		t.Errorf("PendingToolArguments(1) = %q", args)
	}
	m.Handle(event(t, update(42, "text_delta", 0, `"delta":"lo"`)))
	m.Handle(event(t, update(42, "toolcall_end", 1, `"toolCall":{"type":"toolCall","id":"t1","name":"read","arguments":{"path":"a"}}`)))

	want := protocol.Content{
		protocol.TextBlock("Hello"),
		protocol.ToolCallBlock("t1", "read", map[string]any{"path": "a"}),
	}
	u := lastUpdate(t, *got)
	if diff := cmp.Diff(want, u.Message.Content); diff != "" {
		t.Errorf("snapshot content mismatch (-want +got):\n%s", diff)
	}
	if u.Delta.Type != protocol.DeltaToolCallEnd {
		t.Errorf("delta type = %q", u.Delta.Type)
	}
	if args := m.PendingToolArguments(1); args != "" {
		t.Errorf("tool arguments buffer not discarded: %q", args)
	}
}

func TestToolCallDeltaDoesNotCreateBlock(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":1}}`))
	m.Handle(event(t, update(1, "toolcall_delta", 0, `"delta":"{\"a\":"`)))

	u := lastUpdate(t, *got)
	if len(u.Message.Content) != 0 {
		t.Errorf("content = %+v, want empty", u.Message.Content)
	}
}

func TestMessageStartBeginsEmpty(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[{"type":"text","text":"stale"}],"timestamp":5}}`))
	if cur := m.Current(); cur == nil || len(cur.Content) != 0 {
		t.Fatalf("Current() after start = %+v, want empty content", cur)
	}
	m.Handle(event(t, update(5, "text_delta", 0, `"delta":"Hi"`)))

	if diff := cmp.Diff(protocol.Content{protocol.TextBlock("Hi")}, lastUpdate(t, *got).Message.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestThinkingAndMarkers(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":3}}`))
	m.Handle(event(t, update(3, "start", 0, "")))
	m.Handle(event(t, update(3, "thinking_start", 0, "")))
	m.Handle(event(t, update(3, "thinking_delta", 0, `"delta":"hmm"`)))
	m.Handle(event(t, update(3, "thinking_end", 0, `"content":"hmm"`)))
	m.Handle(event(t, update(3, "text_delta", 1, `"delta":"ok"`)))
	m.Handle(event(t, update(3, "done", 1, `"reason":"stop"`)))

	var updates int
	for _, ev := range *got {
		if _, ok := ev.(MessageUpdate); ok {
			updates++
		}
	}
	if updates != 6 {
		t.Errorf("updates = %d, want 6", updates)
	}

	want := protocol.Content{protocol.ThinkingBlock("hmm"), protocol.TextBlock("ok")}
	if diff := cmp.Diff(want, lastUpdate(t, *got).Message.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestConflictingAndUnknownDeltasAreIgnored(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":5}}`))
	m.Handle(event(t, update(5, "text_delta", 0, `"delta":"a"`)))
	before := len(*got)

	m.Handle(event(t, update(5, "thinking_delta", 0, `"delta":"b"`)))
	m.Handle(event(t, update(5, "sparkle_delta", 0, `"delta":"c"`)))
	m.Handle(event(t, update(5, "toolcall_delta", 0, `"delta":"d"`)))

	if len(*got) != before {
		t.Errorf("ignored deltas emitted %d events", len(*got)-before)
	}
	if diff := cmp.Diff(protocol.Content{protocol.TextBlock("a")}, m.Current().Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestNewTimestampRestartsAccumulation(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":10}}`))
	m.Handle(event(t, update(10, "text_delta", 0, `"delta":"old"`)))
	m.Handle(event(t, update(11, "text_delta", 0, `"delta":"new"`)))

	u := lastUpdate(t, *got)
	if diff := cmp.Diff(protocol.Content{protocol.TextBlock("new")}, u.Message.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if id := m.CurrentID(); id != "assistant-11" {
		t.Errorf("CurrentID = %q", id)
	}
}

func TestUpdateWithoutStartAccumulatesLazily(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_update","assistantMessageEvent":{"type":"text_delta","contentIndex":0,"delta":"x"}}`))

	if !m.IsStreaming() {
		t.Fatal("expected streaming")
	}
	if id := m.CurrentID(); id != "assistant-1000" {
		t.Errorf("CurrentID = %q, want clock based identity", id)
	}
	if text := lastUpdate(t, *got).Message.Content.Text(); text != "x" {
		t.Errorf("text = %q", text)
	}
}

func TestMessageEndClearsState(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":7}}`))
	m.Handle(event(t, update(7, "text_delta", 0, `"delta":"hi"`)))
	m.Handle(event(t, `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"hi"}],"timestamp":7,"stopReason":"stop"}}`))

	end, ok := (*got)[len(*got)-1].(MessageEnd)
	if !ok {
		t.Fatalf("last event = %T, want MessageEnd", (*got)[len(*got)-1])
	}
	if end.Message.StopReason != "stop" || end.Message.Content.Text() != "hi" {
		t.Errorf("final message = %+v", end.Message)
	}
	if m.IsStreaming() || m.Current() != nil {
		t.Error("accumulation state not cleared")
	}
}

func TestMessageEndWithoutContentUsesSnapshot(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":8}}`))
	m.Handle(event(t, update(8, "text_delta", 0, `"delta":"partial"`)))
	m.Handle(event(t, `{"type":"message_end","message":{"role":"assistant","content":[],"timestamp":8,"stopReason":"aborted"}}`))

	end := (*got)[len(*got)-1].(MessageEnd)
	if end.Message.Content.Text() != "partial" || end.Message.StopReason != "aborted" {
		t.Errorf("final message = %+v", end.Message)
	}
}

func TestMessageLog(t *testing.T) {
	m, _ := newMapper(t)

	m.Handle(event(t, `{"type":"message_end","message":{"role":"user","content":"do it","timestamp":1}}`))
	m.Handle(event(t, `{"type":"turn_end","message":{"role":"assistant","content":[{"type":"text","text":"ok"}],"timestamp":2},"toolResults":[{"role":"toolResult","toolCallId":"a","toolName":"read","content":[{"type":"text","text":"A"}],"timestamp":3},{"role":"toolResult","toolCallId":"b","toolName":"read","content":[{"type":"text","text":"B"}],"timestamp":4}]}`))

	got := m.Messages()
	var roles []string
	for _, msg := range got {
		roles = append(roles, fmt.Sprintf("%s:%s", msg.Role, msg.Content.Text()))
	}
	want := []string{"user:do it", "assistant:ok", "toolResult:A", "toolResult:B"}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}

	m.Handle(event(t, `{"type":"agent_end","messages":[{"role":"user","content":"only","timestamp":9}]}`))
	got = m.Messages()
	if len(got) != 1 || got[0].Content.Text() != "only" {
		t.Errorf("agent_end did not replace log: %+v", got)
	}

	got[0].Role = "mutated"
	if m.Messages()[0].Role != protocol.RoleUser {
		t.Error("Messages returned shared storage")
	}
}

func TestToolExecutionAndPassthrough(t *testing.T) {
	m, got := newMapper(t)

	m.Handle(event(t, `{"type":"tool_execution_start","toolCallId":"t1","toolName":"bash","args":{"cmd":"ls"}}`))
	m.Handle(event(t, `{"type":"tool_execution_end","toolCallId":"t1","toolName":"bash","result":{"ok":true},"isError":true}`))
	m.Handle(event(t, `{"type":"auto_compaction_start","reason":"threshold"}`))

	want := []Event{
		ToolExecutionStart{ToolCallID: "t1", ToolName: "bash", Args: json.RawMessage(`{"cmd":"ls"}`)},
		ToolExecutionEnd{ToolCallID: "t1", ToolName: "bash", Result: json.RawMessage(`{"ok":true}`), IsError: true},
		Passthrough{Type: "auto_compaction_start", Raw: json.RawMessage(`{"type":"auto_compaction_start","reason":"threshold"}`)},
	}
	if diff := cmp.Diff(want, *got, ignoreExtra); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	m := New(WithLogger(quiet))
	m.Subscribe(func(Event) { panic("boom") })
	var n int
	m.Subscribe(func(Event) { n++ })

	m.Handle(event(t, `{"type":"agent_start"}`))
	m.Handle(event(t, `{"type":"turn_start"}`))

	if n != 2 {
		t.Errorf("second listener saw %d events, want 2", n)
	}
}

func TestReset(t *testing.T) {
	m, _ := newMapper(t)
	m.SetMessages([]protocol.Message{{Role: protocol.RoleUser, Content: protocol.Content{protocol.TextBlock("x")}}})
	m.Handle(event(t, update(1, "text_delta", 0, `"delta":"y"`)))

	m.Reset()

	if len(m.Messages()) != 0 || m.IsStreaming() {
		t.Error("Reset left state behind")
	}
}
