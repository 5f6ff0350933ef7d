package herald

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/nyaruka/gocommon/uuids"
)

const (
	// ConfigBaseURL is a constant key for channel configs
	ConfigBaseURL = "base_url"

	// ConfigAuthToken is a constant key for channel configs
	ConfigAuthToken = "auth_token"

	// ConfigSecret is a constant key for channel configs
	ConfigSecret = "secret"

	// ConfigUsername is a constant key for channel configs
	ConfigUsername = "username"

	// ConfigPassword is a constant key for channel configs
	ConfigPassword = "password"
)

// ChannelType is our typing of the kinds of channels available
type ChannelType string

const (
	// ChannelTypeMailSink is the local mail client channel
	ChannelTypeMailSink ChannelType = "mailsink"

	// ChannelTypeWhatsAppAPI is the WhatsApp provider HTTP API channel
	ChannelTypeWhatsAppAPI ChannelType = "waapi"

	// ChannelTypeWhatsAppWeb is the WhatsApp Web browser fallback channel
	ChannelTypeWhatsAppWeb ChannelType = "waweb"
)

// AnyChannelType is our empty channel type used when doing lookups without channel type assertions
var AnyChannelType = ChannelType("")

// Tracked returns whether sends on this channel type get delivery confirmations from the
// service. Untracked channels never move past sent, so their delivery rates mean nothing.
func (t ChannelType) Tracked() bool {
	return t == ChannelTypeWhatsAppAPI
}

// ChannelUUID is our typing of a channel's UUID
type ChannelUUID string

// NilChannelUUID is our nil value for channel UUIDs
var NilChannelUUID = ChannelUUID("")

// NewChannelUUID creates a new channel UUID
func NewChannelUUID() ChannelUUID {
	return ChannelUUID(uuids.NewV4())
}

func (u ChannelUUID) Value() (driver.Value, error) { return string(u), nil }

func (u *ChannelUUID) Scan(value any) error {
	s, ok := value.(string)
	if !ok {
		b, ok := value.([]byte)
		if !ok {
			return errors.New("channel uuid not text")
		}
		s = string(b)
	}
	*u = ChannelUUID(s)
	return nil
}

// Channel is a configured way of getting messages out, e.g. a WhatsApp number on the
// provider API, or the local mail client. Channels are loaded from the channel config
// file at startup.
type Channel struct {
	uuid        ChannelUUID
	channelType ChannelType
	name        string
	address     string
	config      map[string]any
}

// NewChannel creates a new channel with the passed in type, address and config
func NewChannel(channelType ChannelType, name, address string, config map[string]any) *Channel {
	if config == nil {
		config = map[string]any{}
	}
	return &Channel{
		uuid:        NewChannelUUID(),
		channelType: channelType,
		name:        name,
		address:     address,
		config:      config,
	}
}

// UUID returns the UUID of this channel
func (c *Channel) UUID() ChannelUUID { return c.uuid }

// ChannelType returns the type of this channel
func (c *Channel) ChannelType() ChannelType { return c.channelType }

// Name returns the human readable name of this channel
func (c *Channel) Name() string { return c.name }

// Address returns the address of this channel, e.g. a from address or a phone number ID
func (c *Channel) Address() string { return c.address }

// SetUUID overrides the generated UUID, used when restoring channels from config
func (c *Channel) SetUUID(uuid ChannelUUID) { c.uuid = uuid }

// ConfigForKey returns the config value for the passed in key, or defaultValue if it isn't set
func (c *Channel) ConfigForKey(key string, defaultValue any) any {
	value, found := c.config[key]
	if !found {
		return defaultValue
	}
	return value
}

// StringConfigForKey returns the config value for the key as a string
func (c *Channel) StringConfigForKey(key string, defaultValue string) string {
	val := c.ConfigForKey(key, defaultValue)
	str, isStr := val.(string)
	if !isStr {
		return defaultValue
	}
	return str
}

// BoolConfigForKey returns the config value for the key as a bool
func (c *Channel) BoolConfigForKey(key string, defaultValue bool) bool {
	val := c.ConfigForKey(key, defaultValue)
	b, isBool := val.(bool)
	if !isBool {
		return defaultValue
	}
	return b
}

// IntConfigForKey returns the config value for the key as an int, handling the float64
// values JSON unmarshalling gives us
func (c *Channel) IntConfigForKey(key string, defaultValue int) int {
	val := c.ConfigForKey(key, defaultValue)
	switch i := val.(type) {
	case int:
		return i
	case float64:
		return int(i)
	case string:
		parsed, err := strconv.Atoi(i)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// channelDefinition is one channel entry in the channels file
type channelDefinition struct {
	UUID    ChannelUUID    `json:"uuid,omitempty"`
	Type    ChannelType    `json:"type"`
	Name    string         `json:"name"`
	Address string         `json:"address,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

type channelsFile struct {
	Channels []*channelDefinition `json:"channels"`
}

// ReadChannels reads the configured channels from the JSON file at path. Entries
// without a UUID get one generated, which changes across restarts, so entries that
// channel logs should be traceable to ought to pin one.
func ReadChannels(path string) ([]*Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading channels file: %w", err)
	}

	file := &channelsFile{}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("error parsing channels in %s: %w", path, err)
	}

	channels := make([]*Channel, len(file.Channels))
	for i, def := range file.Channels {
		if def.Type == "" {
			return nil, fmt.Errorf("channel %d in %s is missing a type", i+1, path)
		}
		ch := NewChannel(def.Type, def.Name, def.Address, def.Config)
		if def.UUID != "" {
			ch.SetUUID(def.UUID)
		}
		channels[i] = ch
	}
	return channels, nil
}
