// Package openclaw provides the streaming chat client for the
// OpenAI-compatible conversation backend. Session continuity is keyed by the
// request's user field; agent routing uses the x-agent-id header.
package openclaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	defaultModel = "openclaw"

	// DefaultAgent is the implicit agent; no routing header is sent for it.
	DefaultAgent = "default"

	agentHeader = "x-agent-id"

	// Control sentinels understood by the backend.
	resetSentinel   = "/new"
	compactSentinel = "/compact"
)

// voiceInstruction is prepended to every user message. It lives in the user
// content rather than a system message because the backend's agents replace
// system messages with their own prompts.
const voiceInstruction = "(You are responding via voice in a Discord voice channel. " +
	"Your reply will be read aloud by text-to-speech. " +
	"Be concise and conversational — match response length to the question. " +
	"Simple questions get short answers; complex topics can be longer but stay focused. " +
	"Do NOT use markdown, bullet points, numbered lists, code blocks, or emoji. " +
	"Reply in plain, natural speech.) "

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel overrides the model name sent in requests.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client talks to the conversation backend. All methods are safe for
// concurrent use.
type Client struct {
	client oai.Client
	log    *slog.Logger
	model  string
}

// New creates a Client for the given chat-completions base URL. apiKey is
// sent as a bearer token on every request.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("openclaw: baseURL must not be empty")
	}

	c := &Client{
		client: oai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
		),
		log:   slog.Default(),
		model: defaultModel,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Stream sends one user utterance and returns a channel of text deltas. The
// channel is closed when the reply is complete. Backend failures (401, 404,
// transport errors, interrupted streams) are logged and yield an empty
// stream; the caller's turn simply produces no speech.
func (c *Client) Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string) <-chan string {
	params := c.buildParams(sessionID, text, senderName)

	ch := make(chan string, 32)
	go func() {
		defer close(ch)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params, c.agentOptions(agentID)...)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			c.logBackendError(err, sessionID, agentID, senderID)
		}
	}()
	return ch
}

// Reset asks the backend to start a fresh conversation for the session.
func (c *Client) Reset(ctx context.Context, sessionID, agentID string) error {
	return c.sendSentinel(ctx, sessionID, agentID, resetSentinel)
}

// Compact asks the backend to summarize the session's history. Callers treat
// this as best-effort; shutdown is never blocked on backend latency.
func (c *Client) Compact(ctx context.Context, sessionID, agentID string) error {
	return c.sendSentinel(ctx, sessionID, agentID, compactSentinel)
}

// sendSentinel sends a control message as a plain (non-streaming) completion.
func (c *Client) sendSentinel(ctx context.Context, sessionID, agentID, sentinel string) error {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(sentinel)},
		User:     oai.String(sessionID),
	}
	_, err := c.client.Chat.Completions.New(ctx, params, c.agentOptions(agentID)...)
	if err != nil {
		return fmt.Errorf("openclaw: send %s for session %s: %w", sentinel, sessionID, err)
	}
	return nil
}

// buildParams assembles the chat request for one utterance.
func (c *Client) buildParams(sessionID, text, senderName string) oai.ChatCompletionNewParams {
	content := text
	if senderName != "" {
		content = fmt.Sprintf("[%s]: %s", senderName, text)
	}
	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(voiceInstruction + content)},
		User:     oai.String(sessionID),
	}
}

// agentOptions returns the routing header for non-default agents.
func (c *Client) agentOptions(agentID string) []option.RequestOption {
	if agentID == "" || agentID == DefaultAgent {
		return nil
	}
	return []option.RequestOption{option.WithHeader(agentHeader, agentID)}
}

// logBackendError logs a stream failure at a level matching its cause.
func (c *Client) logBackendError(err error, sessionID, agentID, senderID string) {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401:
			c.log.Error("openclaw rejected the API key (401); check openclaw.api_key",
				"session_id", sessionID, "agent_id", agentID)
			return
		case 404:
			c.log.Error("openclaw endpoint or agent not found (404)",
				"session_id", sessionID, "agent_id", agentID)
			return
		}
	}
	if strings.Contains(err.Error(), "context canceled") {
		return
	}
	c.log.Error("openclaw stream failed",
		"session_id", sessionID, "agent_id", agentID, "sender_id", senderID, "err", err)
}
