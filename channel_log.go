package herald

import (
	"fmt"

	"github.com/heraldhq/herald/utils/clogs"
	"github.com/nyaruka/gocommon/httpx"
)

const (
	ChannelLogTypeUnknown        clogs.LogType = "unknown"
	ChannelLogTypeMsgSend        clogs.LogType = "msg_send"
	ChannelLogTypeWebhookVerify  clogs.LogType = "webhook_verify"
	ChannelLogTypeWebhookReceive clogs.LogType = "webhook_receive"
	ChannelLogTypeConnectionTest clogs.LogType = "connection_test"
	ChannelLogTypeTemplateSync   clogs.LogType = "template_sync"
	ChannelLogTypeSessionStart   clogs.LogType = "session_start"
)

// ErrorResponseStatusCode is an error for an unexpected response status
func ErrorResponseStatusCode() *clogs.LogError {
	return clogs.NewLogError("response_status_code", "", "Unexpected response status code.")
}

// ErrorResponseUnparseable is an error for an unparseable response
func ErrorResponseUnparseable(format string) *clogs.LogError {
	return clogs.NewLogError("response_unparseable", "", "Unable to parse response as %s.", format)
}

// ErrorResponseValueMissing is an error for a missing value in a response
func ErrorResponseValueMissing(key string) *clogs.LogError {
	return clogs.NewLogError("response_value_missing", "", "Unable to find '%s' response.", key)
}

// ErrorExternal is an error reported by the channel's service with its own code
func ErrorExternal(code, message string) *clogs.LogError {
	if message == "" {
		message = fmt.Sprintf("Service specific error: %s.", code)
	}
	return clogs.NewLogError("external", code, message)
}

// ChannelLog is the log of a single interaction with a channel's service, e.g. one
// message send or one webhook receive, including any HTTP traffic it generated.
type ChannelLog struct {
	*clogs.Log

	channel  *Channel
	attached bool
}

// NewChannelLogForIncoming creates a new channel log for an incoming request, the type
// of which won't be known until the request is parsed.
func NewChannelLogForIncoming(logType clogs.LogType, ch *Channel, r *httpx.Recorder, redactVals []string) *ChannelLog {
	return newChannelLog(logType, ch, r, false, redactVals)
}

// NewChannelLogForSend creates a new channel log for a message send
func NewChannelLogForSend(msg *Msg, redactVals []string) *ChannelLog {
	return newChannelLog(ChannelLogTypeMsgSend, msg.Channel, nil, true, redactVals)
}

// NewChannelLog creates a new channel log with the given type
func NewChannelLog(logType clogs.LogType, ch *Channel, redactVals []string) *ChannelLog {
	return newChannelLog(logType, ch, nil, false, redactVals)
}

func newChannelLog(logType clogs.LogType, ch *Channel, r *httpx.Recorder, attached bool, redactVals []string) *ChannelLog {
	return &ChannelLog{
		Log:      clogs.NewLog(logType, r, redactVals),
		channel:  ch,
		attached: attached,
	}
}

// RawError adds the given error to this log, without a code
func (l *ChannelLog) RawError(err error) {
	l.Error(clogs.NewLogError("", "", err.Error()))
}

// Channel returns the channel this log is for
func (l *ChannelLog) Channel() *Channel { return l.channel }

// Attached returns whether this log is attached to a message record
func (l *ChannelLog) Attached() bool { return l.attached }

// SetAttached marks whether this log is attached to a message record
func (l *ChannelLog) SetAttached(attached bool) { l.attached = attached }

// IsError returns whether this log contains errors
func (l *ChannelLog) IsError() bool {
	return len(l.Errors) > 0
}
