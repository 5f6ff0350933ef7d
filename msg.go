package herald

import (
	"time"

	"github.com/nyaruka/gocommon/uuids"
)

// MsgUUID is the UUID of a message which has been rendered for a single recipient
type MsgUUID string

// NilMsgUUID is our nil value for MsgUUID
var NilMsgUUID = MsgUUID("")

// NewMsgUUID creates a new unique message UUID
func NewMsgUUID() MsgUUID {
	return MsgUUID(uuids.NewV7())
}

// SessionID is the database id of a send session (one batch run on one channel)
type SessionID int64

// NilSessionID is our nil value for SessionID
var NilSessionID = SessionID(0)

// Msg is a message rendered for one recipient, ready to hand to a channel adapter. Parts
// holds the ordered multi-message sequence when splitting is enabled, otherwise just the
// body.
type Msg struct {
	UUID         MsgUUID       `json:"uuid"`
	SessionID    SessionID     `json:"session_id,omitempty"`
	Channel      *Channel      `json:"-"`
	Recipient    *Recipient    `json:"recipient"`
	Subject      string        `json:"subject,omitempty"`
	Body         string        `json:"body"`
	Parts        []string      `json:"parts,omitempty"`
	PartDelay    time.Duration `json:"part_delay,omitempty"`
	TemplateName string        `json:"template_name,omitempty"`

	// provider template send, set when the WhatsApp API channel sends an approved
	// template instead of free-form text
	WATemplateName string   `json:"wa_template_name,omitempty"`
	WATemplateLang string   `json:"wa_template_lang,omitempty"`
	WAParams       []string `json:"wa_params,omitempty"`

	CreatedOn time.Time `json:"created_on"`
}

// NewMsg creates a message for the given channel and recipient. Parts defaults to the
// whole body as a single element.
func NewMsg(channel *Channel, recipient *Recipient, subject, body string) *Msg {
	return &Msg{
		UUID:      NewMsgUUID(),
		Channel:   channel,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Parts:     []string{body},
		CreatedOn: time.Now(),
	}
}

// Address returns the recipient address this message will be sent to
func (m *Msg) Address() string {
	return m.Recipient.AddressForChannel(m.Channel.ChannelType())
}

// IsTemplateSend returns whether this message goes out as a provider template rather
// than free-form text
func (m *Msg) IsTemplateSend() bool {
	return m.WATemplateName != ""
}
