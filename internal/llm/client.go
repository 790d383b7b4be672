// Package llm wraps the Gemini API for structured turn and score
// generation. All calls request strictly machine-parseable JSON via a
// response schema; anything else is a generation failure for the caller
// to handle.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 60 * time.Second
)

// Client wraps the Gemini API with rate limiting and per-call timeouts.
type Client struct {
	genai *genai.Client
	model string

	timeout time.Duration

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// NewClient creates a Gemini client. Returns nil if apiKey is empty
// (generation disabled).
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		genai:     gc,
		model:     model,
		timeout:   defaultTimeout,
		maxPerMin: 30,
	}, nil
}

// Enabled returns true if the client is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.genai != nil
}

// turnSchema constrains turn responses to an utterance plus an action.
var turnSchema = &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"response", "action"},
	Properties: map[string]*genai.Schema{
		"response": {Type: genai.TypeString},
		"action": {
			Type:     genai.TypeObject,
			Required: []string{"type"},
			Properties: map[string]*genai.Schema{
				"type":      {Type: genai.TypeString, Enum: []string{"move", "interact", "none"}},
				"target":    {Type: genai.TypeString},
				"reasoning": {Type: genai.TypeString},
			},
		},
	},
}

// scoresSchema constrains score responses to one entry per pairing.
var scoresSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type:     genai.TypeObject,
		Required: []string{"user_id", "score", "reasoning"},
		Properties: map[string]*genai.Schema{
			"user_id":     {Type: genai.TypeString},
			"score":       {Type: genai.TypeInteger},
			"dealbreaker": {Type: genai.TypeBoolean},
			"reasoning":   {Type: genai.TypeString},
		},
	},
}

// GenerateTurn makes one structured turn call.
func (c *Client) GenerateTurn(ctx context.Context, system, user string) (json.RawMessage, error) {
	return c.generateJSON(ctx, system, user, turnSchema, 1024)
}

// GenerateScores makes one structured compatibility-scoring call.
func (c *Client) GenerateScores(ctx context.Context, system, user string) (json.RawMessage, error) {
	return c.generateJSON(ctx, system, user, scoresSchema, 4096)
}

func (c *Client) generateJSON(ctx context.Context, system, user string, schema *genai.Schema, maxTokens int32) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("llm client not configured")
	}

	// Rate limiting.
	c.mu.Lock()
	now := time.Now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.maxPerMin {
		c.mu.Unlock()
		return nil, fmt.Errorf("rate limit exceeded (%d calls/min)", c.maxPerMin)
	}
	c.callCount++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.8),
		MaxOutputTokens:   maxTokens,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    schema,
	}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, genai.Text(user), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	if resp.UsageMetadata != nil {
		slog.Debug("gemini call",
			"model", c.model,
			"input_tokens", resp.UsageMetadata.PromptTokenCount,
			"output_tokens", resp.UsageMetadata.CandidatesTokenCount,
		)
	}

	return json.RawMessage(text), nil
}
