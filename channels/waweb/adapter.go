package waweb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/heraldhq/herald"
	"github.com/nyaruka/gocommon/dates"
)

const (
	configDailyCap = "daily_cap"
	configMinDelay = "min_delay_seconds"

	defaultDailyCap = 100
	defaultMinDelay = 30
)

var sendURL = "https://web.whatsapp.com/send"

func init() {
	herald.RegisterAdapter(herald.ChannelTypeWhatsAppWeb, NewAdapter)
}

// Launcher opens a send link in the browser holding the WhatsApp Web session. Smarter
// implementations which actually drive the browser can return ErrSessionExpired when the
// session needs to be re-linked.
type Launcher interface {
	// Launch opens the link, success means launched, nothing more
	Launch(ctx context.Context, link string) error

	// Available reports whether launching can work at all on this machine
	Available() error
}

// execLauncher shells out to the platform's URL opener
type execLauncher struct{}

func (l *execLauncher) Launch(ctx context.Context, link string) error {
	name, args := openerCommand(link)
	return exec.CommandContext(ctx, name, args...).Run()
}

func (l *execLauncher) Available() error {
	name, _ := openerCommand("")
	_, err := exec.LookPath(name)
	return err
}

func openerCommand(link string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{link}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", link}
	}
	return "xdg-open", []string{link}
}

type adapter struct {
	channel  *herald.Channel
	launcher Launcher

	mu       sync.Mutex
	day      string
	sent     int
	lastSend time.Time
}

// NewAdapter creates an adapter which falls back to WhatsApp Web in the user's browser.
// There is no service to confirm anything, success means the link was launched, and the
// adapter throttles itself rather than trusting a human-paced channel to provider quotas.
func NewAdapter(channel *herald.Channel) herald.ChannelAdapter {
	return &adapter{channel: channel, launcher: &execLauncher{}}
}

func (a *adapter) Channel() *herald.Channel { return a.channel }

func (a *adapter) RedactValues() []string { return nil }

func (a *adapter) Send(ctx context.Context, msg *herald.Msg, res *herald.SendResult, clog *herald.ChannelLog) error {
	if err := a.ValidateRecipient(msg.Recipient); err != nil {
		return err
	}

	wait, err := a.admit(dates.Now())
	if err != nil {
		return err
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			a.release()
			return ctx.Err()
		}
	}

	digits := strings.TrimPrefix(msg.Recipient.PhoneDigits(), "+")
	q := url.Values{"phone": []string{digits}, "text": []string{msg.Body}}
	link := sendURL + "?" + q.Encode()

	if err := a.launcher.Launch(ctx, link); err != nil {
		var serr *herald.SendError
		if errors.As(err, &serr) {
			return err
		}
		return herald.ErrConnectionFailed
	}

	res.SetExternalID(string(msg.UUID))
	return nil
}

// admit reserves a send slot, returning how long the caller must wait before using it.
// Slots are spaced the configured minimum delay apart and capped per day, so concurrent
// workers queue up behind each other instead of machine-gunning the browser.
func (a *adapter) admit(now time.Time) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := now.Format("2006-01-02")
	if day != a.day {
		a.day = day
		a.sent = 0
	}

	dailyCap := a.channel.IntConfigForKey(configDailyCap, defaultDailyCap)
	if a.sent >= dailyCap {
		return 0, herald.ErrRateLimitedWithReason("daily_cap", fmt.Sprintf("Daily cap of %d sends reached.", dailyCap))
	}
	a.sent++

	var wait time.Duration
	minDelay := time.Duration(a.channel.IntConfigForKey(configMinDelay, defaultMinDelay)) * time.Second
	if !a.lastSend.IsZero() {
		if next := a.lastSend.Add(minDelay); now.Before(next) {
			wait = next.Sub(now)
		}
	}
	a.lastSend = now.Add(wait)
	return wait, nil
}

// release gives back a slot reserved by admit, for sends cancelled while waiting
func (a *adapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent > 0 {
		a.sent--
	}
}

func (a *adapter) TestConnection(ctx context.Context, clog *herald.ChannelLog) error {
	if err := a.launcher.Available(); err != nil {
		return herald.ErrConnectionFailed
	}
	return nil
}

func (a *adapter) ValidateRecipient(r *herald.Recipient) error {
	digits := strings.TrimPrefix(r.PhoneDigits(), "+")
	if len(digits) < 8 || len(digits) > 15 {
		return herald.ErrRecipientInvalid
	}
	return nil
}
