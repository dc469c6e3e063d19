package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/integrations/google"
)

type stubOAuth struct {
	conn google.Connection
	err  error
}

func (s *stubOAuth) Callback(context.Context, string, string) (google.Connection, error) {
	return s.conn, s.err
}

type recordingSaver struct {
	accountID, provider string
	token               []byte
	err                 error
}

func (r *recordingSaver) SaveCalendarConnection(_ context.Context, accountID, provider string, token []byte) error {
	r.accountID, r.provider, r.token = accountID, provider, token
	return r.err
}

type recordingCompleter struct {
	sender domain.SenderID
	err    error
}

func (r *recordingCompleter) CompleteCalendarConnection(_ context.Context, sender domain.SenderID) error {
	r.sender = sender
	return r.err
}

func TestNewCalendarService_Validates(t *testing.T) {
	_, err := NewCalendarService(nil, &recordingSaver{}, &recordingCompleter{}, nil)
	require.Error(t, err)
	_, err = NewCalendarService(&stubOAuth{}, nil, &recordingCompleter{}, nil)
	require.Error(t, err)
	_, err = NewCalendarService(&stubOAuth{}, &recordingSaver{}, nil, nil)
	require.Error(t, err)
}

func TestCalendarConnect_HappyPath(t *testing.T) {
	oauth := &stubOAuth{conn: google.Connection{
		AccountID: "acct-1",
		SenderID:  "15551234567",
		Token:     &oauth2.Token{AccessToken: "at", RefreshToken: "rt"},
	}}
	saver := &recordingSaver{}
	completer := &recordingCompleter{}
	svc, err := NewCalendarService(oauth, saver, completer, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Connect(context.Background(), "state", "code"))
	require.Equal(t, "acct-1", saver.accountID)
	require.Equal(t, "google", saver.provider)
	require.Contains(t, string(saver.token), `"access_token":"at"`)
	require.EqualValues(t, "15551234567", completer.sender)
}

func TestCalendarConnect_MapsErrors(t *testing.T) {
	okConn := google.Connection{AccountID: "acct-1", SenderID: "1", Token: &oauth2.Token{AccessToken: "at"}}
	cases := []struct {
		name      string
		oauth     *stubOAuth
		saveErr   error
		finishErr error
		code      ErrorCode
	}{
		{name: "invalid state", oauth: &stubOAuth{err: google.ErrInvalidState}, code: ErrorInvalidInput},
		{name: "exchange failure", oauth: &stubOAuth{err: errors.New("boom")}, code: ErrorUpstream},
		{name: "exchange throttled", oauth: &stubOAuth{err: statusErr{code: 429}}, code: ErrorRateLimited},
		{name: "save failure", oauth: &stubOAuth{conn: okConn}, saveErr: errors.New("db"), code: ErrorInternal},
		{name: "complete failure", oauth: &stubOAuth{conn: okConn}, finishErr: errors.New("kv"), code: ErrorInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewCalendarService(tc.oauth, &recordingSaver{err: tc.saveErr}, &recordingCompleter{err: tc.finishErr}, nil)
			require.NoError(t, err)

			err = svc.Connect(context.Background(), "state", "code")
			require.Equal(t, tc.code, CodeOf(err))
		})
	}
}
