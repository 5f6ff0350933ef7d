package mailsink

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heraldhq/herald"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	raw  []byte
}

func testChannel(config map[string]any) *herald.Channel {
	return herald.NewChannel(herald.ChannelTypeMailSink, "Acme Mail", "robo@acme.com", config)
}

func TestSend(t *testing.T) {
	var captured *capturedMail
	prev := sendMail
	sendMail = func(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
		captured = &capturedMail{addr, auth, from, to, raw}
		return nil
	}
	defer func() { sendMail = prev }()

	ch := testChannel(nil)
	a := NewAdapter(ch)
	msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob Marley", Email: "bob@example.com"}, "Your order", "Hi Bob,\nYour order shipped.")
	clog := herald.NewChannelLogForSend(msg, a.RedactValues())

	res := &herald.SendResult{}
	err := a.Send(context.Background(), msg, res, clog)
	assert.NoError(t, err)
	assert.Equal(t, string(msg.UUID), res.ExternalID())
	assert.False(t, res.Draft())

	require.NotNil(t, captured)
	assert.Equal(t, "localhost:25", captured.addr)
	assert.Nil(t, captured.auth)
	assert.Equal(t, "robo@acme.com", captured.from)
	assert.Equal(t, []string{"bob@example.com"}, captured.to)

	raw := string(captured.raw)
	assert.Contains(t, raw, "<robo@acme.com>")
	assert.Contains(t, raw, "<bob@example.com>")
	assert.Contains(t, raw, "Subject: Your order\r\n")
	assert.Contains(t, raw, "Message-ID: <"+string(msg.UUID)+"@herald>\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, raw, "\r\n\r\nHi Bob,\r\nYour order shipped.\r\n")
}

func TestSendWithAuth(t *testing.T) {
	var captured *capturedMail
	prev := sendMail
	sendMail = func(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
		captured = &capturedMail{addr, auth, from, to, raw}
		return nil
	}
	defer func() { sendMail = prev }()

	ch := testChannel(map[string]any{
		configSMTPHost:        "mail.internal",
		configSMTPPort:        2525,
		herald.ConfigUsername: "herald",
		herald.ConfigPassword: "sekret",
	})
	a := NewAdapter(ch)
	msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob", Email: "bob@example.com"}, "", "hi")
	clog := herald.NewChannelLogForSend(msg, a.RedactValues())

	err := a.Send(context.Background(), msg, &herald.SendResult{}, clog)
	assert.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "mail.internal:2525", captured.addr)
	require.NotNil(t, captured.auth)

	assert.Equal(t, []string{"sekret"}, a.RedactValues())
}

func TestSendErrors(t *testing.T) {
	tcs := []struct {
		label    string
		smtpErr  error
		expected error
	}{
		{"bad credentials", &textproto.Error{Code: 535, Msg: "authentication failed"}, herald.ErrAuthFailed},
		{"temporary refusal", &textproto.Error{Code: 421, Msg: "try again later"}, herald.ErrConnectionFailed},
		{"connection refused", errors.New("dial tcp: connection refused"), herald.ErrConnectionFailed},
	}

	prev := sendMail
	defer func() { sendMail = prev }()

	ch := testChannel(nil)
	a := NewAdapter(ch)

	for _, tc := range tcs {
		sendMail = func(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
			return tc.smtpErr
		}
		msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob", Email: "bob@example.com"}, "", "hi")
		clog := herald.NewChannelLogForSend(msg, a.RedactValues())

		err := a.Send(context.Background(), msg, &herald.SendResult{}, clog)
		assert.ErrorIs(t, err, tc.expected, "%s: error mismatch", tc.label)
	}

	// permanent rejections carry the server's code and message
	sendMail = func(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob", Email: "bob@example.com"}, "", "hi")
	clog := herald.NewChannelLogForSend(msg, a.RedactValues())

	err := a.Send(context.Background(), msg, &herald.SendResult{}, clog)
	var serr *herald.SendError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, herald.ErrorClassValidation, serr.Class())
	assert.Equal(t, "service:550", serr.ClogCode())
}

func TestSendChecks(t *testing.T) {
	prev := sendMail
	called := false
	sendMail = func(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
		called = true
		return nil
	}
	defer func() { sendMail = prev }()

	ch := herald.NewChannel(herald.ChannelTypeMailSink, "Broken", "", nil)
	a := NewAdapter(ch)
	msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob", Email: "bob@example.com"}, "", "hi")
	clog := herald.NewChannelLogForSend(msg, a.RedactValues())

	err := a.Send(context.Background(), msg, &herald.SendResult{}, clog)
	assert.ErrorIs(t, err, herald.ErrChannelConfig)

	ch = testChannel(nil)
	a = NewAdapter(ch)
	msg = herald.NewMsg(ch, &herald.Recipient{Name: "No Email", Phone: "+15559871234"}, "", "hi")
	clog = herald.NewChannelLogForSend(msg, a.RedactValues())

	err = a.Send(context.Background(), msg, &herald.SendResult{}, clog)
	assert.ErrorIs(t, err, herald.ErrRecipientInvalid)
	assert.False(t, called)
}

func TestSendDraftMode(t *testing.T) {
	dir := t.TempDir()
	ch := testChannel(map[string]any{configDraftMode: true, configDraftsDir: dir})
	a := NewAdapter(ch)
	msg := herald.NewMsg(ch, &herald.Recipient{Name: "Bob", Email: "bob@example.com"}, "Your order", "Hi Bob")
	clog := herald.NewChannelLogForSend(msg, a.RedactValues())

	res := &herald.SendResult{}
	err := a.Send(context.Background(), msg, res, clog)
	assert.NoError(t, err)
	assert.True(t, res.Draft())
	assert.Equal(t, string(msg.UUID), res.ExternalID())

	raw, err := os.ReadFile(filepath.Join(dir, string(msg.UUID)+".eml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: Your order\r\n")
	assert.Contains(t, string(raw), "Hi Bob")
}

func TestConnectionCheck(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)

	ch := testChannel(map[string]any{configSMTPHost: host, configSMTPPort: port})
	a := NewAdapter(ch)
	clog := herald.NewChannelLog(herald.ChannelLogTypeConnectionTest, ch, a.RedactValues())

	assert.NoError(t, a.TestConnection(context.Background(), clog))

	lis.Close()
	assert.ErrorIs(t, a.TestConnection(context.Background(), clog), herald.ErrConnectionFailed)

	// draft mode just needs a writable drafts directory
	ch = testChannel(map[string]any{configDraftMode: true, configDraftsDir: filepath.Join(t.TempDir(), "drafts")})
	a = NewAdapter(ch)
	assert.NoError(t, a.TestConnection(context.Background(), clog))
}

func TestValidateRecipient(t *testing.T) {
	a := NewAdapter(testChannel(nil))

	assert.NoError(t, a.ValidateRecipient(&herald.Recipient{Email: "bob@example.com"}))
	assert.NoError(t, a.ValidateRecipient(&herald.Recipient{Email: strings.Repeat("a", 64) + "@example.com"}))
	assert.ErrorIs(t, a.ValidateRecipient(&herald.Recipient{Email: strings.Repeat("a", 65) + "@example.com"}), herald.ErrRecipientInvalid)
	assert.ErrorIs(t, a.ValidateRecipient(&herald.Recipient{Email: ""}), herald.ErrRecipientInvalid)
	assert.ErrorIs(t, a.ValidateRecipient(&herald.Recipient{Email: "not-an-email"}), herald.ErrRecipientInvalid)
	assert.ErrorIs(t, a.ValidateRecipient(&herald.Recipient{Email: "Bob <bob@example.com>"}), herald.ErrRecipientInvalid)
	assert.ErrorIs(t, a.ValidateRecipient(&herald.Recipient{Phone: "+15559871234"}), herald.ErrRecipientInvalid)
}

func TestLoginAuth(t *testing.T) {
	auth := &loginAuth{username: "herald", password: "sekret", host: "mail.internal"}

	proto, initial, err := auth.Start(&smtp.ServerInfo{Name: "mail.internal"})
	assert.NoError(t, err)
	assert.Equal(t, "LOGIN", proto)
	assert.Nil(t, initial)

	_, _, err = auth.Start(&smtp.ServerInfo{Name: "evil.example.com"})
	assert.Error(t, err)

	resp, err := auth.Next([]byte("Username:"), true)
	assert.NoError(t, err)
	assert.Equal(t, []byte("herald"), resp)

	resp, err = auth.Next([]byte("Password:"), true)
	assert.NoError(t, err)
	assert.Equal(t, []byte("sekret"), resp)

	resp, err = auth.Next(nil, false)
	assert.NoError(t, err)
	assert.Nil(t, resp)

	_, err = auth.Next([]byte("Nonce:"), true)
	assert.Error(t, err)
}
