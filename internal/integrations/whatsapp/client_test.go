package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"calendar-agent/internal/domain"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(context.Context, string) (string, error) {
	f.calls++
	return f.val, f.err
}

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded, *fakeGetter) {
	t.Helper()
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec.body))
		}
		reqs = append(reqs, rec)
		if handler != nil {
			handler(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`)
	}))
	t.Cleanup(srv.Close)
	g := &fakeGetter{val: `{"token":"EAAG-test"}`}
	c, err := NewClient(g, "/calendar-agent", "10987654321", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c, &reqs, g
}

func TestSendText(t *testing.T) {
	c, reqs, _ := newTestClient(t, nil)
	require.NoError(t, c.SendText(context.Background(), "15551234567", "hello"))

	require.Len(t, *reqs, 1)
	r := (*reqs)[0]
	require.Equal(t, "/v21.0/10987654321/messages", r.path)
	require.Equal(t, "Bearer EAAG-test", r.auth)
	require.Equal(t, "whatsapp", r.body["messaging_product"])
	require.Equal(t, "15551234567", r.body["to"])
	require.Equal(t, "text", r.body["type"])
	require.Equal(t, "hello", r.body["text"].(map[string]any)["body"])
}

func TestSendTemplate(t *testing.T) {
	c, reqs, _ := newTestClient(t, nil)
	err := c.SendTemplate(context.Background(), "15551234567", domain.Template{
		Name: "reengage_reply", Language: "en", Params: []string{"Your meeting moved"},
	})
	require.NoError(t, err)

	tpl := (*reqs)[0].body["template"].(map[string]any)
	require.Equal(t, "reengage_reply", tpl["name"])
	require.Equal(t, "en", tpl["language"].(map[string]any)["code"])
	comp := tpl["components"].([]any)[0].(map[string]any)
	require.Equal(t, "body", comp["type"])
	param := comp["parameters"].([]any)[0].(map[string]any)
	require.Equal(t, "Your meeting moved", param["text"])
}

func TestSendButtons(t *testing.T) {
	c, reqs, _ := newTestClient(t, nil)
	err := c.SendButtons(context.Background(), "15551234567", "Do you have an account?", []domain.Button{
		{ID: "link_existing", Title: "I have an account already"},
		{ID: "link_new", Title: "Create account"},
	})
	require.NoError(t, err)

	ib := (*reqs)[0].body["interactive"].(map[string]any)
	require.Equal(t, "button", ib["type"])
	buttons := ib["action"].(map[string]any)["buttons"].([]any)
	require.Len(t, buttons, 2)
	first := buttons[0].(map[string]any)["reply"].(map[string]any)
	require.Equal(t, "link_existing", first["id"])
	require.Equal(t, "I have an account al", first["title"], "titles are clipped to 20 runes")

	require.Error(t, c.SendButtons(context.Background(), "1", "x", nil))
}

func TestMarkRead(t *testing.T) {
	c, reqs, _ := newTestClient(t, nil)
	require.NoError(t, c.MarkRead(context.Background(), "wamid.in"))
	b := (*reqs)[0].body
	require.Equal(t, "read", b["status"])
	require.Equal(t, "wamid.in", b["message_id"])
	require.NotContains(t, b, "to")
}

func TestAPIErrorDecoded(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Re-engagement message","type":"OAuthException","code":131047}}`)
	})
	err := c.SendText(context.Background(), "1", "hi")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode())
	require.Equal(t, 131047, apiErr.Code)
	require.Equal(t, "Re-engagement message", apiErr.Message)
}

func TestTokenResolvedOnce(t *testing.T) {
	c, _, g := newTestClient(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendText(context.Background(), "1", "hi"))
	}
	require.Equal(t, 1, g.calls)
}

func TestTokenError(t *testing.T) {
	c, reqs, g := newTestClient(t, nil)
	g.err = errors.New("ssm down")
	require.ErrorContains(t, c.SendText(context.Background(), "1", "hi"), "ssm down")
	require.Empty(t, *reqs)
}

func TestDownloadMedia(t *testing.T) {
	var base string
	c, reqs, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v21.0/media-123":
			_, _ = io.WriteString(w, `{"url":"`+base+`/cdn/voice","mime_type":"audio/ogg; codecs=opus"}`)
		case "/cdn/voice":
			_, _ = io.WriteString(w, "OggS-bytes")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	base = c.baseURL

	data, mimeType, err := c.DownloadMedia(context.Background(), "media-123")
	require.NoError(t, err)
	require.Equal(t, "OggS-bytes", string(data))
	require.Equal(t, "audio/ogg; codecs=opus", mimeType)
	require.Len(t, *reqs, 2)
	require.Equal(t, "Bearer EAAG-test", (*reqs)[1].auth)
}

func TestDownloadMedia_EmptyID(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	_, _, err := c.DownloadMedia(context.Background(), " ")
	require.Error(t, err)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/p", "1")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "", "1")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "/p", " ")
	require.True(t, strings.Contains(err.Error(), "phone number id"))
}
