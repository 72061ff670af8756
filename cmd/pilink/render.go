package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/codefionn/pilink/internal/delta"
	"github.com/codefionn/pilink/internal/outbox"
	"github.com/codefionn/pilink/internal/protocol"
	"github.com/codefionn/pilink/internal/syncer"
	"github.com/codefionn/pilink/internal/transport"
)

const (
	ansiDim   = "\x1b[2m"
	ansiBold  = "\x1b[1m"
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

// renderer writes session output to the terminal. Assistant text streams to
// out as it arrives; status lines go to status.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
	color  bool

	// inThinking is set while reasoning text is being streamed dimmed.
	inThinking bool
	// midLine is set when the last write did not end with a newline.
	midLine bool
}

func newRenderer(out, status io.Writer, color bool) *renderer {
	return &renderer{out: out, status: status, color: color}
}

func (r *renderer) style(code, s string) string {
	if !r.color {
		return s
	}
	return code + s + ansiReset
}

func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.midLine = !strings.HasSuffix(s, "\n")
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) statusf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintln(r.status, r.style(ansiDim, "-- "+fmt.Sprintf(format, args...)))
}

func (r *renderer) errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintln(r.status, r.style(ansiRed, "!! "+fmt.Sprintf(format, args...)))
}

func (r *renderer) handleEvent(ev delta.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case delta.MessageStart:
		if e.Message.Role == protocol.RoleAssistant {
			r.breakLine()
		}
	case delta.MessageUpdate:
		switch e.Delta.Type {
		case protocol.DeltaTextDelta:
			if r.inThinking {
				r.write("\n")
				r.inThinking = false
			}
			r.write(e.Delta.Delta)
		case protocol.DeltaThinkingDelta:
			r.inThinking = true
			r.write(r.style(ansiDim, e.Delta.Delta))
		case protocol.DeltaError:
			r.breakLine()
			fmt.Fprintln(r.status, r.style(ansiRed, "!! "+firstNonEmpty(e.Message.ErrorMessage, "assistant error")))
		}
	case delta.MessageEnd:
		r.inThinking = false
		if e.Message.Role == protocol.RoleAssistant {
			r.breakLine()
		}
	case delta.ToolExecutionStart:
		r.breakLine()
		fmt.Fprintln(r.status, r.style(ansiBold, "> "+e.ToolName))
	case delta.ToolExecutionEnd:
		if e.IsError {
			fmt.Fprintln(r.status, r.style(ansiRed, "< "+e.ToolName+" failed"))
		}
	case delta.AgentEnd:
		r.breakLine()
	}
}

func (r *renderer) handleConnection(ev transport.Event) {
	switch e := ev.(type) {
	case transport.OpenEvent:
		r.statusf("connected")
	case transport.CloseEvent:
		if e.Code == transport.CloseUnauthorized {
			r.errorf("server rejected the auth token")
			return
		}
		if e.Code != transport.CloseNormal {
			r.statusf("connection lost (%d)", e.Code)
		}
	case transport.ReconnectingEvent:
		r.statusf("reconnecting in %s (attempt %d)", e.Delay.Round(time.Millisecond), e.Attempt)
	case transport.FailedEvent:
		r.errorf("giving up: %s", e.Reason)
	}
}

func (r *renderer) handleSync(ev syncer.Event) {
	switch e := ev.(type) {
	case syncer.Started:
		if e.Pending > 0 {
			r.statusf("delivering %d queued prompt(s)", e.Pending)
		}
	case syncer.Error:
		if e.WillRetry {
			r.statusf("delivery of %s failed, will retry: %v", e.MessageID, e.Err)
		} else {
			r.errorf("delivery of %s failed for good: %v", e.MessageID, e.Err)
		}
	case syncer.Completed:
		if e.Sent > 0 || e.Failed > 0 {
			r.statusf("delivered %d, failed %d", e.Sent, e.Failed)
		}
	}
}

func (r *renderer) printState(s *protocol.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()

	model := "unknown"
	if id, ok := s.Model["id"].(string); ok {
		model = id
		if p, ok := s.Model["provider"].(string); ok {
			model = p + "/" + id
		}
	}
	fmt.Fprintf(r.out, "session:   %s\n", firstNonEmpty(s.SessionID, "-"))
	fmt.Fprintf(r.out, "model:     %s\n", model)
	fmt.Fprintf(r.out, "thinking:  %s\n", firstNonEmpty(s.ThinkingLevel, "-"))
	fmt.Fprintf(r.out, "messages:  %d\n", s.MessageCount)
	fmt.Fprintf(r.out, "streaming: %t\n", s.IsStreaming)
}

func (r *renderer) printOutbox(msgs []outbox.QueuedMessage, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	writeOutbox(r.out, msgs, now)
}

// writeOutbox prints one line per queued message.
func writeOutbox(w io.Writer, msgs []outbox.QueuedMessage, now time.Time) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %-7s  retries=%d  %s ago  %s\n",
			m.ID, m.Status, m.RetryCount, now.Sub(m.Timestamp).Round(time.Second), truncate(m.Content, 48))
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
