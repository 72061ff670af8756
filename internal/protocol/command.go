package protocol

// Command is an outbound frame: a type tag plus command specific fields.
// The rpc client adds the "id" field before sending.
type Command map[string]any

// Command names understood by the agent server.
const (
	CommandPrompt             = "prompt"
	CommandSteer              = "steer"
	CommandFollowUp           = "follow_up"
	CommandAbort              = "abort"
	CommandGetState           = "get_state"
	CommandGetMessages        = "get_messages"
	CommandNewSession         = "new_session"
	CommandSetModel           = "set_model"
	CommandCompact            = "compact"
	CommandCycleThinkingLevel = "cycle_thinking_level"
	CommandSetThinkingLevel   = "set_thinking_level"
)

// NewCommand creates a command of the given type.
func NewCommand(commandType string) Command {
	return Command{"type": commandType}
}

// With sets a field and returns the command for chaining.
func (c Command) With(key string, value any) Command {
	c[key] = value
	return c
}

// Type returns the command's type tag.
func (c Command) Type() string {
	t, _ := c["type"].(string)
	return t
}

// WithID returns a copy of the command carrying the correlation id.
func (c Command) WithID(id string) Command {
	out := make(Command, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out["id"] = id
	return out
}

// ImageContent is an inline image attached to a prompt.
type ImageContent struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// NewImage builds an image attachment from base64 data.
func NewImage(base64Data, mimeType string) ImageContent {
	return ImageContent{Type: BlockImage, Data: base64Data, MimeType: mimeType}
}

// SessionState is the payload of a get_state response.
type SessionState struct {
	Model                 map[string]any `json:"model,omitempty"`
	ThinkingLevel         string         `json:"thinkingLevel,omitempty"`
	IsStreaming           bool           `json:"isStreaming"`
	IsCompacting          bool           `json:"isCompacting,omitempty"`
	SessionID             string         `json:"sessionId,omitempty"`
	SessionFile           string         `json:"sessionFile,omitempty"`
	MessageCount          int            `json:"messageCount"`
	PendingMessageCount   int            `json:"pendingMessageCount,omitempty"`
	AutoCompactionEnabled bool           `json:"autoCompactionEnabled,omitempty"`
}
