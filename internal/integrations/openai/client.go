// Package openai adapts the OpenAI API to reply generation, conversation
// summarization and voice note transcription.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/integrations/paramstore"
)

const tokenParam = "open-ai-token"

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client. The API key is read from SSM on first use.
type Client struct {
	getter          paramstore.Getter
	paramPrefix     string
	baseURL         string
	httpClient      *http.Client
	summaryModel    string
	transcribeModel string

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithSummaryModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.summaryModel = model
		}
	}
}

func WithTranscriptionModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.transcribeModel = model
		}
	}
}

func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		getter:          ps,
		paramPrefix:     paramPrefix,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		summaryModel:    goopenai.GPT4oMini,
		transcribeModel: goopenai.Whisper1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPI builds the SDK client on the first successful key fetch and
// reuses it for the lifetime of the process. A failed fetch is retried on the
// next call.
func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := paramstore.Token(ctx, c.getter, paramstore.Name(c.paramPrefix, tokenParam))
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

func toSDKMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	return c.complete(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toSDKMessages(messages),
	})
}

// Summarize condenses text to roughly maxChars characters.
func (c *Client) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	if maxChars <= 0 {
		return "", errors.New("openai: maxChars must be positive")
	}
	instructions := fmt.Sprintf(
		"Summarize the conversation below for a calendar assistant in at most %d characters. "+
			"Keep names, dates, times, places and open requests. Do not add anything that was not said.",
		maxChars,
	)
	out, err := c.complete(ctx, goopenai.ChatCompletionRequest{
		Model: c.summaryModel,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: instructions},
			{Role: goopenai.ChatMessageRoleUser, Content: text},
		},
		// About four characters per token, with headroom.
		MaxTokens: maxChars/3 + 16,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapErr("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// TranscribeAudio transcribes one audio file. filename carries the extension
// the API uses to detect the format.
func (c *Client) TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if audio == nil {
		return "", errors.New("openai: audio must not be nil")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", wrapErr("transcription", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func wrapErr(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}
