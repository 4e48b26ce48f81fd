// Package llm provides the optional OpenAI-compatible fallback used by
// the Instruction Parser (its LLM classification pass) and the
// Action Executor (locating an element when every selector and the
// Selector Engine itself have failed).
//
// The client is a thin wrapper around sashabaranov/go-openai with a
// BaseURL override for compatible endpoints and bounded retries with
// linear backoff.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/executor"
	"github.com/devlinpx/browserflow/internal/pagectx"
	"github.com/devlinpx/browserflow/internal/parser"
)

// Config configures the Client.
type Config struct {
	APIKey  string
	BaseURL string // overrides the default OpenAI endpoint for compatible providers
	Model   string // default: gpt-4o-mini

	MaxRetries int           // default: 3
	RetryDelay time.Duration // default: 1s
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Client is the orchestrator's LLM collaborator. It satisfies both
// parser.LLMParser and executor.LLMFallback.
type Client struct {
	cfg    Config
	client *openai.Client
}

// New creates a Client. If cfg.APIKey is empty, every call fails
// immediately with ErrNotConfigured rather than attempting a request —
// callers typically wrap a nil-key Client behind parser.NoLLM-style
// composition instead of calling it directly in that case.
func New(cfg Config) *Client {
	cfg.defaults()

	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}

	return &Client{cfg: cfg, client: openai.NewClientWithConfig(oaiCfg)}
}

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("llm: no API key configured")

var (
	_ parser.LLMParser     = (*Client)(nil)
	_ executor.LLMFallback = (*Client)(nil)
)

// Complete answers a free-text prompt, used for conversational
// guidance responses.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	resp, err := c.chatWithRetry(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}
	return firstChoiceText(resp), nil
}

const parseSystemPrompt = `You classify a browser automation instruction into exactly one of:
variable_definitions, multi_step, single_command, conversation.
Respond with strict JSON only, matching this shape:
{"kind":"single_command","command":"click|type|navigate|select|wait|screenshot","target":"...","value":"...","strategy":"id|name|label|placeholder|text|visual","steps":["..."],"variables":[{"name":"NAME","value":"v"}],"response":"..."}
Only populate the fields relevant to kind.`

// ParseWithLLM asks the model to classify text, optionally grounding it
// in the current page's visible elements.
func (c *Client) ParseWithLLM(ctx context.Context, text string, page *pagectx.Context) (parser.LLMParseResult, error) {
	if c.cfg.APIKey == "" {
		return parser.LLMParseResult{}, ErrNotConfigured
	}

	user := text
	if page != nil {
		user = fmt.Sprintf("Page: %s (%s)\nVisible elements: %d\nInstruction: %s", page.Title, page.URL, len(page.Elements), text)
	}

	resp, err := c.chatWithRetry(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: parseSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: user},
	})
	if err != nil {
		return parser.LLMParseResult{}, fmt.Errorf("llm: parse: %w", err)
	}

	var raw struct {
		Kind      string            `json:"kind"`
		Command   string            `json:"command"`
		Target    string            `json:"target"`
		Value     string            `json:"value"`
		Strategy  string            `json:"strategy"`
		Steps     []string          `json:"steps"`
		Variables []rawVariable     `json:"variables"`
		Response  string            `json:"response"`
	}
	content := extractJSON(firstChoiceText(resp))
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return parser.LLMParseResult{}, fmt.Errorf("llm: parse: decode: %w", err)
	}

	vars := make([]action.Variable, 0, len(raw.Variables))
	for _, v := range raw.Variables {
		vars = append(vars, action.Variable{
			Name:      v.Name,
			Value:     v.Value,
			Type:      action.DetectType(v.Value),
			Sensitive: action.IsSensitiveName(v.Name),
		})
	}

	return parser.LLMParseResult{
		Kind:      parser.LLMParseKind(raw.Kind),
		Variables: vars,
		Steps:     raw.Steps,
		Command:   raw.Command,
		Target:    raw.Target,
		Value:     raw.Value,
		Strategy:  raw.Strategy,
		Response:  raw.Response,
	}, nil
}

type rawVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const locateSystemPrompt = `You locate a single DOM element from a JSON list of candidates and a
plain-text description. Respond with strict JSON: {"selector":"css-selector-or-empty"}.
Build the selector from the candidate's own attributes (id, name, placeholder,
aria-label, class, tag) — never invent an attribute that isn't in the list.`

// Locate implements executor.LLMFallback: given a description and a
// fresh page snapshot, ask the model which element best matches and
// return a CSS selector built from its attributes.
func (c *Client) Locate(ctx context.Context, description string, page *pagectx.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	if page == nil {
		return "", fmt.Errorf("llm: locate: no page context available")
	}

	candidates, err := json.Marshal(page.Elements)
	if err != nil {
		return "", err
	}

	user := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Description: %s\nCandidates: %s", description, string(candidates)),
	}
	if len(page.Screenshot) > 0 {
		user = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Description: %s\nCandidates: %s", description, string(candidates))},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(page.Screenshot),
				}},
			},
		}
	}

	resp, err := c.chatWithRetry(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: locateSystemPrompt},
		user,
	})
	if err != nil {
		return "", fmt.Errorf("llm: locate: %w", err)
	}

	var raw struct {
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal([]byte(extractJSON(firstChoiceText(resp))), &raw); err != nil {
		return "", fmt.Errorf("llm: locate: decode: %w", err)
	}
	if raw.Selector == "" {
		return "", fmt.Errorf("llm: locate: model returned no selector")
	}
	return raw.Selector, nil
}

func (c *Client) chatWithRetry(ctx context.Context, messages []openai.ChatCompletionMessage) (openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    c.cfg.Model,
			Messages: messages,
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("llm: exhausted %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func firstChoiceText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// extractJSON strips any leading/trailing markdown code fences a model
// might wrap its JSON response in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
