package mailsink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/utils"
)

const (
	configSMTPHost  = "smtp_host"
	configSMTPPort  = "smtp_port"
	configDraftMode = "draft_mode"
	configDraftsDir = "drafts_dir"

	defaultSMTPHost  = "localhost"
	defaultSMTPPort  = 25
	defaultDraftsDir = "drafts"
)

const dialTimeout = 5 * time.Second

// swapped out in tests
var sendMail = smtp.SendMail

func init() {
	herald.RegisterAdapter(herald.ChannelTypeMailSink, NewAdapter)
}

type adapter struct {
	channel *herald.Channel
}

// NewAdapter creates an adapter which submits mail to a local SMTP sink, or in draft
// mode writes .eml files for a mail client to pick up.
func NewAdapter(channel *herald.Channel) herald.ChannelAdapter {
	return &adapter{channel: channel}
}

func (a *adapter) Channel() *herald.Channel { return a.channel }

func (a *adapter) RedactValues() []string {
	password := a.channel.StringConfigForKey(herald.ConfigPassword, "")
	if password == "" {
		return nil
	}
	return []string{password}
}

func (a *adapter) Send(ctx context.Context, msg *herald.Msg, res *herald.SendResult, clog *herald.ChannelLog) error {
	from := a.channel.Address()
	if from == "" {
		return herald.ErrChannelConfig
	}
	if err := a.ValidateRecipient(msg.Recipient); err != nil {
		return err
	}

	raw := assemble(msg, a.channel.Name(), from)

	if a.channel.BoolConfigForKey(configDraftMode, false) {
		path := filepath.Join(a.draftsDir(), fmt.Sprintf("%s.eml", msg.UUID))
		if err := utils.WriteAtomic(path, raw); err != nil {
			return fmt.Errorf("error writing draft: %w", err)
		}
		res.SetDraft(true)
		res.SetExternalID(string(msg.UUID))
		return nil
	}

	auth := a.auth()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sendMail(a.addr(), auth, from, []string{msg.Recipient.Email}, raw); err != nil {
		return mapSMTPError(err)
	}

	res.SetExternalID(string(msg.UUID))
	return nil
}

func (a *adapter) TestConnection(ctx context.Context, clog *herald.ChannelLog) error {
	if a.channel.BoolConfigForKey(configDraftMode, false) {
		dir := a.draftsDir()
		if err := os.MkdirAll(dir, 0770); err != nil {
			return herald.ErrConnectionFailed
		}
		probe, err := os.CreateTemp(dir, ".probe*")
		if err != nil {
			return herald.ErrConnectionFailed
		}
		probe.Close()
		os.Remove(probe.Name())
		return nil
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.addr())
	if err != nil {
		return herald.ErrConnectionFailed
	}
	conn.Close()
	return nil
}

func (a *adapter) ValidateRecipient(r *herald.Recipient) error {
	if !ValidEmail(r.Email) {
		return herald.ErrRecipientInvalid
	}
	return nil
}

// ValidEmail reports whether the address can be submitted, a light parse rather than the
// full checks recipients go through during validation.
func ValidEmail(email string) bool {
	if email == "" {
		return false
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return false
	}
	local, _, found := strings.Cut(email, "@")
	return found && len(local) <= 64
}

func (a *adapter) addr() string {
	host := a.channel.StringConfigForKey(configSMTPHost, defaultSMTPHost)
	port := a.channel.IntConfigForKey(configSMTPPort, defaultSMTPPort)
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (a *adapter) draftsDir() string {
	return a.channel.StringConfigForKey(configDraftsDir, defaultDraftsDir)
}

// auth returns the LOGIN auth to use, nil when the channel has no username configured
func (a *adapter) auth() smtp.Auth {
	username := a.channel.StringConfigForKey(herald.ConfigUsername, "")
	if username == "" {
		return nil
	}
	host := a.channel.StringConfigForKey(configSMTPHost, defaultSMTPHost)
	return &loginAuth{username: username, password: a.channel.StringConfigForKey(herald.ConfigPassword, ""), host: host}
}

// assemble builds the raw RFC 822 message
func assemble(msg *herald.Msg, fromName, fromEmail string) []byte {
	from := mail.Address{Name: fromName, Address: fromEmail}
	to := mail.Address{Name: msg.Recipient.Name, Address: msg.Recipient.Email}

	b := &strings.Builder{}
	fmt.Fprintf(b, "From: %s\r\n", from.String())
	fmt.Fprintf(b, "To: %s\r\n", to.String())
	if msg.Subject != "" {
		fmt.Fprintf(b, "Subject: %s\r\n", msg.Subject)
	}
	fmt.Fprintf(b, "Date: %s\r\n", msg.CreatedOn.Format(time.RFC1123Z))
	fmt.Fprintf(b, "Message-ID: <%s@herald>\r\n", msg.UUID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func mapSMTPError(err error) error {
	var perr *textproto.Error
	if errors.As(err, &perr) {
		switch {
		case perr.Code == 530 || perr.Code == 534 || perr.Code == 535:
			return herald.ErrAuthFailed
		case perr.Code/100 == 5:
			return herald.ErrFailedWithReason(strconv.Itoa(perr.Code), perr.Msg)
		}
		// 4XX codes are temporary refusals
		return herald.ErrConnectionFailed
	}
	return herald.ErrConnectionFailed
}

// loginAuth implements the LOGIN mechanism which most local sinks and legacy servers
// speak instead of PLAIN
type loginAuth struct {
	username string
	password string
	host     string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if server.Name != a.host {
		return "", nil, fmt.Errorf("wrong host name %s", server.Name)
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(string(fromServer)), ":")) {
	case "username":
		return []byte(a.username), nil
	case "password":
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("unexpected server challenge")
}
