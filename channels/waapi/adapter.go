package waapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/heraldhq/herald"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
)

const (
	// channel config key for the business account id, needed for template management
	configWABAID = "waba_id"

	maxMsgLength = 4096
)

var (
	apiBaseURL = "https://graph.facebook.com/v20.0"

	// how long we're willing to sleep in-line when the provider asks us to slow down,
	// anything longer is returned as throttled so the message gets requeued
	retryAfterCap = 15 * time.Second

	// how many throttled responses we wait out in-line before giving up on the attempt
	maxThrottleWaits = 2

	requestRetries = httpx.NewExponentialRetries(time.Second, 2, 0.2)
)

func init() {
	herald.RegisterAdapter(herald.ChannelTypeWhatsAppAPI, NewAdapter)

	requestRetries.ShouldRetry = shouldRetry
}

// sends aren't idempotent so we only auto retry requests that never reached the
// service or died at its edge
func shouldRetry(req *http.Request, resp *http.Response, delay time.Duration) bool {
	return resp == nil || resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout
}

type adapter struct {
	channel *herald.Channel
}

// NewAdapter creates a WhatsApp provider API adapter for the given channel. The
// channel's address is its provider phone number id.
func NewAdapter(ch *herald.Channel) herald.ChannelAdapter {
	return &adapter{channel: ch}
}

func (a *adapter) Channel() *herald.Channel { return a.channel }

func (a *adapter) RedactValues() []string {
	return []string{a.channel.StringConfigForKey(herald.ConfigAuthToken, "")}
}

// Send sends the message as one or more API calls, one per part. Template sends go out
// as a single templated message instead of free-form text.
func (a *adapter) Send(ctx context.Context, msg *herald.Msg, res *herald.SendResult, clog *herald.ChannelLog) error {
	token := a.channel.StringConfigForKey(herald.ConfigAuthToken, "")
	if token == "" || a.channel.Address() == "" {
		return herald.ErrChannelConfig
	}

	to := strings.TrimPrefix(msg.Recipient.PhoneDigits(), "+")
	if to == "" {
		return herald.ErrRecipientInvalid
	}

	sendURL := fmt.Sprintf("%s/%s/messages", a.baseURL(), a.channel.Address())

	for i, payload := range a.msgPayloads(msg, to) {
		if i > 0 && msg.PartDelay > 0 {
			select {
			case <-time.After(msg.PartDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := a.request(ctx, sendURL, token, payload, res, clog); err != nil {
			return err
		}
	}
	return nil
}

// msgPayloads builds the ordered request payloads for the message
func (a *adapter) msgPayloads(msg *herald.Msg, to string) []*SendRequest {
	if msg.IsTemplateSend() {
		tpl := &Template{Name: msg.WATemplateName, Language: &Language{Policy: "deterministic", Code: msg.WATemplateLang}}
		if len(msg.WAParams) > 0 {
			comp := &Component{Type: "body", Params: make([]*Param, len(msg.WAParams))}
			for i, p := range msg.WAParams {
				comp.Params[i] = &Param{Type: "text", Text: p}
			}
			tpl.Components = []*Component{comp}
		}
		return []*SendRequest{{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "template", Template: tpl}}
	}

	parts := msg.Parts
	if len(parts) == 0 {
		parts = []string{msg.Body}
	}

	payloads := make([]*SendRequest, len(parts))
	for i, part := range parts {
		if runes := []rune(part); len(runes) > maxMsgLength {
			part = string(runes[:maxMsgLength])
		}
		payloads[i] = &SendRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text", Text: &Text{Body: part}}
	}
	return payloads
}

// request makes a single send call, waiting out short throttles in-line
func (a *adapter) request(ctx context.Context, url, token string, payload *SendRequest, res *herald.SendResult, clog *herald.ChannelLog) error {
	jsonBody := jsonx.MustMarshal(payload)

	for waits := 0; ; waits++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, respBody, err := herald.RequestHTTPWithRetries(req, requestRetries, clog)
		if err != nil || resp.StatusCode/100 == 5 {
			return herald.ErrConnectionFailed
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return herald.ErrAuthFailed
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := httpx.ParseRetryAfter(resp.Header.Get("Retry-After"))
			if wait <= 0 || wait > retryAfterCap || waits >= maxThrottleWaits {
				return herald.ErrConnectionThrottled
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		respPayload := &SendResponse{}
		if err := json.Unmarshal(respBody, respPayload); err != nil {
			return herald.ErrResponseUnparseable
		}
		if respPayload.Error.Code != 0 {
			return herald.ErrFailedWithReason(strconv.Itoa(respPayload.Error.Code), respPayload.Error.Message)
		}
		if len(respPayload.Messages) == 0 || respPayload.Messages[0].ID == "" {
			clog.Error(herald.ErrorResponseValueMissing("messages.0.id"))
			return herald.ErrResponseUnparseable
		}

		// the first part's id identifies a multi part sequence
		if res.ExternalID() == "" {
			res.SetExternalID(respPayload.Messages[0].ID)
		}
		return nil
	}
}

// TestConnection reads the channel's phone number object to prove our credentials work
func (a *adapter) TestConnection(ctx context.Context, clog *herald.ChannelLog) error {
	token := a.channel.StringConfigForKey(herald.ConfigAuthToken, "")
	if token == "" || a.channel.Address() == "" {
		return herald.ErrChannelConfig
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s?fields=id", a.baseURL(), a.channel.Address()), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, _, err := herald.RequestHTTP(req, clog)
	if err != nil {
		return herald.ErrConnectionFailed
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return herald.ErrAuthFailed
	}
	if resp.StatusCode/100 != 2 {
		return herald.ErrConnectionFailed
	}
	return nil
}

// ValidateRecipient checks the recipient has a phone number that can hold a WhatsApp
// account, 8 to 15 digits.
func (a *adapter) ValidateRecipient(r *herald.Recipient) error {
	digits := strings.TrimPrefix(r.PhoneDigits(), "+")
	if len(digits) < 8 || len(digits) > 15 {
		return herald.ErrRecipientInvalid
	}
	return nil
}

func (a *adapter) baseURL() string {
	return strings.TrimSuffix(a.channel.StringConfigForKey(herald.ConfigBaseURL, apiBaseURL), "/")
}
