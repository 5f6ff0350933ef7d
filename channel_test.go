package herald_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/heraldhq/herald"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelConfig(t *testing.T) {
	ch := herald.NewChannel(herald.ChannelTypeWhatsAppAPI, "WhatsApp Main", "226098090559999", map[string]any{
		"auth_token": "abc123",
		"max_tps":    float64(10), // JSON numbers decode as float64
		"port":       "8080",
		"insecure":   true,
	})

	assert.Equal(t, herald.ChannelTypeWhatsAppAPI, ch.ChannelType())
	assert.Equal(t, "WhatsApp Main", ch.Name())
	assert.Equal(t, "226098090559999", ch.Address())

	assert.Equal(t, "abc123", ch.StringConfigForKey("auth_token", ""))
	assert.Equal(t, "missing", ch.StringConfigForKey("nope", "missing"))
	assert.Equal(t, "", ch.StringConfigForKey("insecure", ""))

	assert.Equal(t, 10, ch.IntConfigForKey("max_tps", -1))
	assert.Equal(t, 8080, ch.IntConfigForKey("port", -1))
	assert.Equal(t, -1, ch.IntConfigForKey("auth_token", -1))
	assert.Equal(t, -1, ch.IntConfigForKey("nope", -1))

	assert.True(t, ch.BoolConfigForKey("insecure", false))
	assert.False(t, ch.BoolConfigForKey("nope", false))

	assert.Equal(t, "abc123", ch.ConfigForKey("auth_token", nil))
	assert.Nil(t, ch.ConfigForKey("nope", nil))

	// nil config just means everything defaults
	bare := herald.NewChannel(herald.ChannelTypeMailSink, "Mail", "noreply@acme.com", nil)
	assert.Equal(t, "missing", bare.StringConfigForKey("nope", "missing"))
}

func TestChannelUUID(t *testing.T) {
	uuid := herald.NewChannelUUID()
	assert.NotEqual(t, herald.NilChannelUUID, uuid)

	val, err := uuid.Value()
	require.NoError(t, err)
	assert.Equal(t, string(uuid), val)

	var scanned herald.ChannelUUID
	require.NoError(t, scanned.Scan("8eb23e93-5ecb-45ba-b726-3b064e0c568c"))
	assert.Equal(t, herald.ChannelUUID("8eb23e93-5ecb-45ba-b726-3b064e0c568c"), scanned)

	require.NoError(t, scanned.Scan([]byte("8eb23e93-5ecb-45ba-b726-3b064e0c568c")))
	assert.Equal(t, herald.ChannelUUID("8eb23e93-5ecb-45ba-b726-3b064e0c568c"), scanned)

	assert.Error(t, scanned.Scan(42))
}

func TestChannelTypeTracked(t *testing.T) {
	assert.True(t, herald.ChannelTypeWhatsAppAPI.Tracked())
	assert.False(t, herald.ChannelTypeMailSink.Tracked())
	assert.False(t, herald.ChannelTypeWhatsAppWeb.Tracked())
}

func TestReadChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"channels": [
			{"uuid": "8eb23e93-5ecb-45ba-b726-3b064e0c568c", "type": "waapi", "name": "WhatsApp Main", "address": "226098090559999", "config": {"auth_token": "abc123"}},
			{"type": "mailsink", "name": "Mail", "address": "noreply@acme.com"}
		]
	}`), 0600))

	channels, err := herald.ReadChannels(path)
	require.NoError(t, err)
	require.Len(t, channels, 2)

	assert.Equal(t, herald.ChannelUUID("8eb23e93-5ecb-45ba-b726-3b064e0c568c"), channels[0].UUID())
	assert.Equal(t, herald.ChannelTypeWhatsAppAPI, channels[0].ChannelType())
	assert.Equal(t, "WhatsApp Main", channels[0].Name())
	assert.Equal(t, "abc123", channels[0].StringConfigForKey(herald.ConfigAuthToken, ""))

	// entries without a uuid get a generated one
	assert.NotEqual(t, herald.NilChannelUUID, channels[1].UUID())
	assert.Equal(t, herald.ChannelTypeMailSink, channels[1].ChannelType())

	// entries without a type are an error
	require.NoError(t, os.WriteFile(path, []byte(`{"channels": [{"name": "No Type"}]}`), 0600))
	_, err = herald.ReadChannels(path)
	assert.ErrorContains(t, err, "missing a type")

	// as are files that don't exist or don't parse
	_, err = herald.ReadChannels(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "error reading channels file")

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0600))
	_, err = herald.ReadChannels(path)
	assert.ErrorContains(t, err, "error parsing channels")
}
