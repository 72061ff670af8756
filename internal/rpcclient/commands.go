package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codefionn/pilink/internal/protocol"
)

// Prompt sends a user message, optionally with images.
func (c *Client) Prompt(ctx context.Context, message string, images []protocol.ImageContent) error {
	cmd := protocol.NewCommand(protocol.CommandPrompt).With("message", message)
	if len(images) > 0 {
		cmd.With("images", images)
	}
	_, err := c.SendCommand(ctx, cmd)
	return err
}

// Steer interrupts the running turn with a message.
func (c *Client) Steer(ctx context.Context, message string) error {
	_, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandSteer).With("message", message))
	return err
}

// FollowUp queues a message to be delivered after the running turn.
func (c *Client) FollowUp(ctx context.Context, message string) error {
	_, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandFollowUp).With("message", message))
	return err
}

// Abort stops the running turn.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandAbort))
	return err
}

// GetState fetches the session state.
func (c *Client) GetState(ctx context.Context) (*protocol.SessionState, error) {
	data, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandGetState))
	if err != nil {
		return nil, err
	}

	var state protocol.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	return &state, nil
}

// GetMessages fetches the full message log of the session.
func (c *Client) GetMessages(ctx context.Context) ([]protocol.Message, error) {
	data, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandGetMessages))
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Messages != nil {
		return wrapped.Messages, nil
	}

	var messages []protocol.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse messages: %w", err)
	}
	return messages, nil
}

// NewSession starts a fresh session on the server.
func (c *Client) NewSession(ctx context.Context) error {
	_, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandNewSession))
	return err
}

// SetModel switches the model used by the session.
func (c *Client) SetModel(ctx context.Context, provider, modelID string) error {
	cmd := protocol.NewCommand(protocol.CommandSetModel).
		With("provider", provider).
		With("modelId", modelID)
	_, err := c.SendCommand(ctx, cmd)
	return err
}

// Compact asks the server to summarize older context.
func (c *Client) Compact(ctx context.Context, instructions string) (json.RawMessage, error) {
	cmd := protocol.NewCommand(protocol.CommandCompact)
	if instructions != "" {
		cmd.With("customInstructions", instructions)
	}
	return c.SendCommand(ctx, cmd)
}

// CycleThinkingLevel advances to the next reasoning level and returns it.
func (c *Client) CycleThinkingLevel(ctx context.Context) (string, error) {
	data, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandCycleThinkingLevel))
	if err != nil {
		return "", err
	}
	var out struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse thinking level: %w", err)
	}
	return out.Level, nil
}

// SetThinkingLevel sets the reasoning level.
func (c *Client) SetThinkingLevel(ctx context.Context, level string) error {
	_, err := c.SendCommand(ctx, protocol.NewCommand(protocol.CommandSetThinkingLevel).With("level", level))
	return err
}
