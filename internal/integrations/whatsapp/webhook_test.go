package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calendar-agent/internal/domain"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "10987654321"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "15551234567"}],
        "messages": [
          {"from": "15551234567", "id": "wamid.text", "timestamp": "1767225600", "type": "text", "text": {"body": "what's on tomorrow?"}},
          {"from": "15551234567", "id": "wamid.btn", "timestamp": "1767225601", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "link_existing", "title": "I have an account"}}},
          {"from": "15551234567", "id": "wamid.voice", "timestamp": "1767225602", "type": "audio",
           "audio": {"id": "media-123", "mime_type": "audio/ogg; codecs=opus", "voice": true}},
          {"from": "15551234567", "id": "wamid.sticker", "timestamp": "1767225603", "type": "sticker", "sticker": {"id": "s"}}
        ]
      }
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	msgs, err := ParseWebhook([]byte(samplePayload))
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	require.Equal(t, domain.InboundMessage{
		SenderID:  "15551234567",
		MessageID: "wamid.text",
		Timestamp: time.Unix(1767225600, 0).UTC(),
		Type:      domain.MessageText,
		Text:      "what's on tomorrow?",
	}, msgs[0])

	require.Equal(t, domain.MessageInteractive, msgs[1].Type)
	require.Equal(t, "link_existing", msgs[1].ButtonID)

	require.Equal(t, domain.MessageAudio, msgs[2].Type)
	require.Equal(t, "media-123", msgs[2].MediaRef)

	require.Equal(t, domain.MessageUnsupported, msgs[3].Type)
}

func TestParseWebhook_StatusCallbackHasNoMessages(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.out","status":"delivered"}]}}]}]}`
	msgs, err := ParseWebhook([]byte(body))
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestParseWebhook_Rejects(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`))
	require.Error(t, err)
	_, err = ParseWebhook([]byte(`{"object":"page","entry":[]}`))
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(samplePayload)
	sig := Sign("app-secret", body)

	require.True(t, VerifySignature("app-secret", body, sig))
	require.False(t, VerifySignature("other-secret", body, sig))
	require.False(t, VerifySignature("app-secret", append(body, ' '), sig))
	require.False(t, VerifySignature("app-secret", body, sig[len("sha256="):]))
	require.False(t, VerifySignature("app-secret", body, "sha256=zz"))
	require.False(t, VerifySignature("", body, sig))
}
