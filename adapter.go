package herald

import (
	"context"
	"fmt"
)

// SendResult is the outcome of a single send attempt, filled in by the adapter
type SendResult struct {
	externalID string
	draft      bool
}

// SetExternalID sets the message id the channel's service assigned
func (r *SendResult) SetExternalID(id string) { r.externalID = id }

// ExternalID returns the message id the channel's service assigned, which may be
// synthetic for channels without real ids
func (r *SendResult) ExternalID() string { return r.externalID }

// SetDraft marks that the message was left as a draft rather than submitted
func (r *SendResult) SetDraft(draft bool) { r.draft = draft }

// Draft returns whether the message was left as a draft
func (r *SendResult) Draft() bool { return r.draft }

// ChannelAdapter is the interface all channel implementations must satisfy. One adapter
// instance serves one configured channel.
type ChannelAdapter interface {
	// Channel returns the channel this adapter sends on
	Channel() *Channel

	// Send sends a single rendered message body, filling in res. Failures are returned
	// as SendErrors so the dispatcher knows whether to retry, fail or stop the channel.
	Send(ctx context.Context, msg *Msg, res *SendResult, clog *ChannelLog) error

	// TestConnection verifies the channel is usable without sending anything
	TestConnection(ctx context.Context, clog *ChannelLog) error

	// ValidateRecipient checks the recipient has a usable address for this channel
	ValidateRecipient(r *Recipient) error

	// RedactValues returns the secret values that should be redacted in channel logs
	RedactValues() []string
}

// AdapterConstructor creates an adapter for the given channel
type AdapterConstructor func(*Channel) ChannelAdapter

var registeredAdapters = make(map[ChannelType]AdapterConstructor)

// RegisterAdapter adds a new adapter type, called by adapter packages in their init
func RegisterAdapter(channelType ChannelType, fn AdapterConstructor) {
	registeredAdapters[channelType] = fn
}

// NewAdapter creates an adapter for the passed in channel
func NewAdapter(ch *Channel) (ChannelAdapter, error) {
	fn, found := registeredAdapters[ch.ChannelType()]
	if !found {
		return nil, fmt.Errorf("no adapter registered for channel type '%s'", ch.ChannelType())
	}
	return fn(ch), nil
}
