// Package bot is the boundary to the AI assistant. The router hands it
// the user's text and a short history window; everything about the
// upstream model stays behind the Completer interface.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/corvuslabs/parley/internal/config"
)

// ErrUnavailable is returned when the assistant backend cannot produce
// a reply (no endpoint configured, upstream down, bad response). The
// router turns it into the canned fallback message.
var ErrUnavailable = errors.New("assistant unavailable")

// FallbackReply is sent to the user when the backend fails. It is never
// persisted.
const FallbackReply = "Sorry, I can't answer right now. Please try again in a moment."

// Turn is one prior exchange handed to the backend as context.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Completer produces an assistant reply to prompt given prior turns.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []Turn) (string, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg  config.BotConfig
	http *http.Client
}

// NewClient builds a client from cfg. With an empty endpoint every
// Complete call returns ErrUnavailable.
func NewClient(cfg config.BotConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt (with history as leading turns) to the backend
// and returns the reply text.
func (c *Client) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", ErrUnavailable
	}

	msgs := make([]chatMessage, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: upstream returned %s", ErrUnavailable, resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return parsed.Choices[0].Message.Content, nil
}
