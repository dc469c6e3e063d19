// Package whatsapp talks to the WhatsApp Cloud API: outbound messages, read
// receipts, media download, and inbound webhook parsing.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/integrations/paramstore"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"

	tokenParam = "whatsapp-token"

	maxButtons     = 3
	maxButtonTitle = 20
	maxMediaBytes  = 16 << 20
)

// APIError is a non-2xx Graph API response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL       string
	apiVersion    string
	phoneNumberID string
	httpClient    *http.Client
	getter        paramstore.Getter
	paramPrefix   string

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimRight(strings.TrimSpace(baseURL), "/"); s != "" {
			c.baseURL = s
		}
	}
}

func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.apiVersion = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient returns a client sending from phoneNumberID. The access token is
// read from SSM on first use.
func NewClient(ps paramstore.Getter, paramPrefix, phoneNumberID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	if strings.TrimSpace(paramPrefix) == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	if strings.TrimSpace(phoneNumberID) == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	c := &Client{
		baseURL:       DefaultBaseURL,
		apiVersion:    DefaultAPIVersion,
		phoneNumberID: strings.TrimSpace(phoneNumberID),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		getter:        ps,
		paramPrefix:   paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	tok, err := paramstore.Token(ctx, c.getter, paramstore.Name(c.paramPrefix, tokenParam))
	if err != nil {
		return "", fmt.Errorf("whatsapp: resolve access token: %w", err)
	}
	c.token = tok
	return tok, nil
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactiveBody struct {
	Type string `json:"type"`
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type outboundMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type,omitempty"`
	To               string           `json:"to,omitempty"`
	Type             string           `json:"type,omitempty"`
	Text             *textBody        `json:"text,omitempty"`
	Template         *templateBody    `json:"template,omitempty"`
	Interactive      *interactiveBody `json:"interactive,omitempty"`
	Status           string           `json:"status,omitempty"`
	MessageID        string           `json:"message_id,omitempty"`
}

func (c *Client) SendText(ctx context.Context, to domain.SenderID, text string) error {
	return c.postMessage(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               string(to),
		Type:             "text",
		Text:             &textBody{Body: text},
	})
}

func (c *Client) SendTemplate(ctx context.Context, to domain.SenderID, tpl domain.Template) error {
	body := &templateBody{Name: tpl.Name, Language: templateLanguage{Code: tpl.Language}}
	if len(tpl.Params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range tpl.Params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		body.Components = []templateComponent{comp}
	}
	return c.postMessage(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		To:               string(to),
		Type:             "template",
		Template:         body,
	})
}

// SendButtons sends body with up to three quick-reply buttons.
func (c *Client) SendButtons(ctx context.Context, to domain.SenderID, body string, buttons []domain.Button) error {
	if len(buttons) == 0 || len(buttons) > maxButtons {
		return fmt.Errorf("whatsapp: need 1 to %d buttons, got %d", maxButtons, len(buttons))
	}
	ib := &interactiveBody{Type: "button"}
	ib.Body.Text = body
	for _, b := range buttons {
		rb := replyButton{Type: "reply"}
		rb.Reply.ID = b.ID
		rb.Reply.Title = clip(b.Title, maxButtonTitle)
		ib.Action.Buttons = append(ib.Action.Buttons, rb)
	}
	return c.postMessage(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               string(to),
		Type:             "interactive",
		Interactive:      ib,
	})
}

// MarkRead marks an inbound message as read, which also shows the blue ticks.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.postMessage(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	})
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)
}

func (c *Client) postMessage(ctx context.Context, msg outboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(ctx, req, 1<<16)
	return err
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// DownloadMedia resolves mediaID to its short-lived URL and fetches the bytes.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, "", errors.New("whatsapp: media id must not be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, mediaID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: create media request: %w", err)
	}
	raw, err := c.do(ctx, req, 1<<16)
	if err != nil {
		return nil, "", err
	}
	var info mediaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, "", fmt.Errorf("whatsapp: decode media info: %w", err)
	}
	if info.URL == "" {
		return nil, "", errors.New("whatsapp: media info has no url")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: create download request: %w", err)
	}
	data, err := c.do(ctx, req, maxMediaBytes)
	if err != nil {
		return nil, "", err
	}
	return data, info.MimeType, nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, req *http.Request, limit int64) ([]byte, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		apiErr := &APIError{StatusCode: res.StatusCode, Message: string(buf)}
		var env errorEnvelope
		if json.Unmarshal(buf, &env) == nil && env.Error.Message != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read response body: %w", err)
	}
	if int64(len(buf)) > limit {
		return nil, fmt.Errorf("whatsapp: response larger than %d bytes", limit)
	}
	return buf, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
