package paramstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	calls  int
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func paramOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(v), Type: types.ParameterTypeSecureString,
	}}
}

func TestGetParameter_Decrypts(t *testing.T) {
	api := &fakeAPI{getOut: paramOut(`{"token":"v"}`)}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /calendar-agent/whatsapp-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"v"}`, v)
	require.Equal(t, "/calendar-agent/whatsapp-token", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_CachedUntilTTL(t *testing.T) {
	api := &fakeAPI{getOut: paramOut("v1")}
	client, err := New(api, WithCacheTTL(time.Minute))
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = client.GetParameter(ctx, "p")
	require.NoError(t, err)
	_, err = client.GetParameter(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)

	api.getOut = paramOut("v2")
	now = now.Add(time.Minute)
	v, err := client.GetParameter(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
	require.Equal(t, 2, api.calls)
}

func TestGetParameter_CacheDisabled(t *testing.T) {
	api := &fakeAPI{getOut: paramOut("v")}
	client, err := New(api, WithCacheTTL(0))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = client.GetParameter(context.Background(), "p")
		require.NoError(t, err)
	}
	require.Equal(t, 3, api.calls)
}

func TestGetParameter_ErrorsAreNotCached(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("throttled")}
	client, err := New(api)
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "throttled")

	api.getErr = nil
	api.getOut = paramOut("v")
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_Validation(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	_, err = New(nil)
	require.Error(t, err)
}

type staticGetter struct {
	val string
	err error
}

func (g staticGetter) GetParameter(context.Context, string) (string, error) {
	return g.val, g.err
}

func TestToken(t *testing.T) {
	tok, err := Token(context.Background(), staticGetter{val: `{"token":"sk-1"}`}, "n")
	require.NoError(t, err)
	require.Equal(t, "sk-1", tok)

	_, err = Token(context.Background(), staticGetter{val: `{"other":"x"}`}, "n")
	require.ErrorContains(t, err, "empty")

	_, err = Token(context.Background(), staticGetter{val: `{"broken`}, "n")
	require.ErrorContains(t, err, "unmarshal")

	_, err = Token(context.Background(), staticGetter{err: errors.New("ssm unavailable")}, "n")
	require.ErrorContains(t, err, "ssm unavailable")

	_, err = Token(context.Background(), nil, "n")
	require.Error(t, err)
}

func TestName(t *testing.T) {
	require.Equal(t, "/calendar-agent/open-ai-token", Name("/calendar-agent/", "open-ai-token"))
	require.Equal(t, "/calendar-agent/open-ai-token", Name("/calendar-agent", "/open-ai-token"))
}
