package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calendar-agent/internal/domain"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body keyed by the app secret.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks header ("sha256=<hex>") against body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Audio *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"audio"`
}

// ParseWebhook extracts the user messages of a Cloud API webhook body.
// Delivery status callbacks carry no messages and yield an empty slice.
func ParseWebhook(body []byte) ([]domain.InboundMessage, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}
	if p.Object != "" && p.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("whatsapp: unexpected webhook object %q", p.Object)
	}

	var out []domain.InboundMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			for _, m := range ch.Value.Messages {
				out = append(out, normalize(m))
			}
		}
	}
	return out, nil
}

func normalize(m webhookMessage) domain.InboundMessage {
	in := domain.InboundMessage{
		SenderID:  domain.SenderID(m.From),
		MessageID: m.ID,
		Timestamp: parseTimestamp(m.Timestamp),
		Type:      domain.MessageUnsupported,
	}
	switch m.Type {
	case "text":
		if m.Text != nil {
			in.Type = domain.MessageText
			in.Text = m.Text.Body
		}
	case "interactive":
		if m.Interactive == nil {
			break
		}
		switch {
		case m.Interactive.ButtonReply != nil:
			in.Type = domain.MessageInteractive
			in.ButtonID = m.Interactive.ButtonReply.ID
		case m.Interactive.ListReply != nil:
			in.Type = domain.MessageInteractive
			in.ButtonID = m.Interactive.ListReply.ID
		}
	case "button":
		if m.Button != nil {
			in.Type = domain.MessageText
			in.Text = m.Button.Text
		}
	case "audio":
		if m.Audio != nil {
			in.Type = domain.MessageAudio
			in.MediaRef = m.Audio.ID
		}
	}
	return in
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
