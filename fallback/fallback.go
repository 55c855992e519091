// Package fallback answers a single prompt through the request/response
// Gemini API. The CLI uses it when a live session cannot be opened.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/functions"
	"github.com/room4-2/voicelink/protocol"
)

// maxToolRounds bounds the call/response exchanges within one Ask.
const maxToolRounds = 4

var (
	ErrNoAnswer      = errors.New("model returned no text")
	ErrTooManyRounds = errors.New("too many tool call rounds")
	ErrMissingAPIKey = errors.New("api key is required")
	ErrMissingModel  = errors.New("model is required")
)

type Options struct {
	APIKey            string
	Model             string
	SystemInstruction string
	// BaseURL overrides the public API endpoint.
	BaseURL    string
	HTTPClient *http.Client
	Functions  *functions.Registry
	Logger     *slog.Logger
}

type Client struct {
	client   *genai.Client
	model    string
	system   *genai.Content
	registry *functions.Registry
	logger   *slog.Logger
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		return nil, ErrMissingModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  opts.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: opts.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := &Client{
		client:   client,
		model:    opts.Model,
		registry: opts.Functions,
		logger:   logger.With("component", "fallback"),
	}
	if opts.SystemInstruction != "" {
		c.system = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(opts.SystemInstruction)}}
	}
	return c, nil
}

// Ask sends history followed by prompt and returns the model's answer.
// Tool calls are answered from the registry until the model replies
// with text.
func (c *Client) Ask(ctx context.Context, history []*conversation.Message, prompt string) (string, error) {
	contents := historyContents(history)
	contents = append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(prompt)},
	})

	cfg := &genai.GenerateContentConfig{SystemInstruction: c.system}
	if c.registry != nil {
		cfg.Tools = c.registry.GenaiTools()
	}

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", ErrNoAnswer
		}
		content := resp.Candidates[0].Content

		calls := functionCalls(content)
		if len(calls) == 0 || c.registry == nil {
			text := textOf(content)
			if text == "" {
				return "", ErrNoAnswer
			}
			return text, nil
		}

		c.logger.Debug("answering tool calls", "round", round, "count", len(calls))
		parts := make([]*genai.Part, 0, len(calls))
		for _, r := range c.registry.HandleCalls(ctx, calls) {
			part := genai.NewPartFromFunctionResponse(r.Name, r.Response)
			part.FunctionResponse.ID = r.ID
			parts = append(parts, part)
		}
		contents = append(contents, content, &genai.Content{Role: "user", Parts: parts})
	}
	return "", ErrTooManyRounds
}

func historyContents(history []*conversation.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		if m == nil || strings.TrimSpace(m.Text) == "" {
			continue
		}
		var role string
		switch m.Role {
		case conversation.RoleUser:
			role = "user"
		case conversation.RoleAssistant:
			role = "model"
		default:
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{genai.NewPartFromText(m.Text)}})
	}
	return out
}

func functionCalls(content *genai.Content) []protocol.FunctionCall {
	var calls []protocol.FunctionCall
	for _, p := range content.Parts {
		if p == nil || p.FunctionCall == nil {
			continue
		}
		calls = append(calls, protocol.FunctionCall{
			ID:   p.FunctionCall.ID,
			Name: p.FunctionCall.Name,
			Args: p.FunctionCall.Args,
		})
	}
	return calls
}

func textOf(content *genai.Content) string {
	var sb strings.Builder
	for _, p := range content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}
