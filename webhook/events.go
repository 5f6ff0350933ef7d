package webhook

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/heraldhq/herald"
)

// see https://developers.facebook.com/docs/whatsapp/cloud-api/webhooks/payload-examples#message-status-updates
var StatusMapping = map[string]herald.DeliveryStatus{
	"sent":      herald.StatusSent,
	"delivered": herald.StatusDelivered,
	"read":      herald.StatusRead,
	"failed":    herald.StatusFailed,
}

var IgnoreStatuses = map[string]bool{
	"deleted": true,
}

// Notifications is the provider's webhook envelope, entries of changes with a field
// discriminator saying what each change carries.
type Notifications struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string   `json:"id"`
		Time    int64    `json:"time"`
		Changes []Change `json:"changes"`
	} `json:"entry"`
}

type Change struct {
	Field string `json:"field"`
	Value struct {
		MessagingProduct string `json:"messaging_product"`
		Metadata         *struct {
			DisplayPhoneNumber string `json:"display_phone_number"`
			PhoneNumberID      string `json:"phone_number_id"`
		} `json:"metadata"`
		Contacts []Contact        `json:"contacts"`
		Messages []InboundMessage `json:"messages"`
		Statuses []Status         `json:"statuses"`
		Errors   []EventError     `json:"errors"`

		// set when field is message_template_status_update
		Event                   string `json:"event"`
		MessageTemplateID       int64  `json:"message_template_id"`
		MessageTemplateName     string `json:"message_template_name"`
		MessageTemplateLanguage string `json:"message_template_language"`
		Reason                  string `json:"reason"`
	} `json:"value"`
}

type EventError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// Status is one asynchronous delivery state change for a previously sent message
type Status struct {
	ID           string `json:"id"`
	RecipientID  string `json:"recipient_id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Conversation *struct {
		ID     string `json:"id"`
		Origin *struct {
			Type string `json:"type"`
		} `json:"origin"`
	} `json:"conversation"`
	Pricing *struct {
		PricingModel string `json:"pricing_model"`
		Billable     bool   `json:"billable"`
		Category     string `json:"category"`
	} `json:"pricing"`
	Errors []EventError `json:"errors"`
}

// InboundMessage is a message a recipient sent back to us. Herald is an outbound
// engine so these aren't tracked, they're handed to whatever callback is registered.
type InboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Errors []EventError `json:"errors"`

	// filled in from the change's contacts block
	ProfileName string `json:"-"`
}

// TemplateEvent is a template lifecycle change pushed by the provider, forwarded to
// the template manager.
type TemplateEvent struct {
	Name     string
	Language string
	Event    string
	Reason   string
}

// epochTime turns a webhook timestamp into a time, handling the provider occasionally
// sending milliseconds instead of seconds. Unparseable timestamps fall back to now.
func epochTime(value string, now time.Time) time.Time {
	if value == "" {
		return now
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return now
	}
	if ts >= 1_000_000_000_000 {
		slog.Warn("webhook timestamp is in milliseconds instead of seconds", "comp", "webhook", "timestamp", ts)
		return time.Unix(0, ts*1000000).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
