package herald

import (
	"errors"
	"fmt"
)

// ErrWebhookSignature is returned when a webhook payload fails signature verification
var ErrWebhookSignature = errors.New("webhook signature invalid")

// ErrBatchNotFound is returned when looking up a batch the engine doesn't know
var ErrBatchNotFound = errors.New("batch not found")

// ErrorClass is the broad classification of a send failure, used by the dispatcher to
// decide what happens to the message and its channel next.
type ErrorClass string

const (
	// ErrorClassAuth means our credentials were rejected, sending on this channel should stop
	ErrorClassAuth ErrorClass = "auth_fatal"

	// ErrorClassValidation means the service rejected this specific message, no point retrying
	ErrorClassValidation ErrorClass = "validation_non_retriable"

	// ErrorClassRateLimited means we're sending too fast, retry after backing off
	ErrorClassRateLimited ErrorClass = "rate_limited_retriable"

	// ErrorClassTransient means an intermittent failure, retry with backoff
	ErrorClassTransient ErrorClass = "transient_retriable"

	// ErrorClassUnknown means we don't know what went wrong, fail the message
	ErrorClassUnknown ErrorClass = "unknown_fatal"
)

// SendError is an error which occurred trying to send a message. Adapters return these
// instead of logging and swallowing, so that the dispatcher can act on the class.
type SendError struct {
	msg      string
	class    ErrorClass
	clogCode string
	clogMsg  string
}

func (e *SendError) Error() string { return e.msg }

// Class returns the failure classification
func (e *SendError) Class() ErrorClass { return e.class }

// Retryable returns whether a later attempt might succeed
func (e *SendError) Retryable() bool {
	return e.class == ErrorClassRateLimited || e.class == ErrorClassTransient
}

// Fatal returns whether the channel itself is unusable and sending on it should stop
func (e *SendError) Fatal() bool { return e.class == ErrorClassAuth }

// ClogCode returns the code to record on the channel log, empty if nothing to record
func (e *SendError) ClogCode() string { return e.clogCode }

// ClogMsg returns the message to record on the channel log
func (e *SendError) ClogMsg() string { return e.clogMsg }

var (
	// ErrChannelConfig should be returned by adapters when the channel config is missing required values
	ErrChannelConfig = &SendError{
		msg:      "channel config invalid",
		class:    ErrorClassUnknown,
		clogCode: "channel_config",
		clogMsg:  "Channel configuration is missing required values.",
	}

	// ErrAuthFailed should be returned when the service rejects our credentials
	ErrAuthFailed = &SendError{
		msg:      "authentication with server failed",
		class:    ErrorClassAuth,
		clogCode: "auth_failed",
		clogMsg:  "Authentication with the server failed, check the channel credentials.",
	}

	// ErrConnectionFailed should be returned when connection to the service failed or it
	// responded with a 5XX status
	ErrConnectionFailed = &SendError{
		msg:      "connection to server failed",
		class:    ErrorClassTransient,
		clogCode: "connection_error",
		clogMsg:  "Connection to server failed.",
	}

	// ErrConnectionThrottled should be returned when the service tells us to slow down
	ErrConnectionThrottled = &SendError{
		msg:      "connection to server throttled",
		class:    ErrorClassRateLimited,
		clogCode: "connection_throttled",
		clogMsg:  "Connection to server was throttled, message will be retried.",
	}

	// ErrResponseUnparseable should be returned when the service response couldn't be parsed
	ErrResponseUnparseable = &SendError{
		msg:      "response couldn't be parsed",
		class:    ErrorClassTransient,
		clogCode: "response_unparseable",
		clogMsg:  "Response from server couldn't be parsed.",
	}

	// ErrRecipientInvalid should be returned when the recipient address can't be sent to
	// on this channel
	ErrRecipientInvalid = &SendError{
		msg:      "recipient not valid for channel",
		class:    ErrorClassValidation,
		clogCode: "recipient_invalid",
		clogMsg:  "Recipient address is not valid for this channel.",
	}

	// ErrSessionExpired should be returned by the browser fallback when its session is gone
	// and a human needs to scan the QR code again
	ErrSessionExpired = &SendError{
		msg:      "browser session expired",
		class:    ErrorClassAuth,
		clogCode: "session_expired",
		clogMsg:  "Browser session has expired and needs to be re-linked.",
	}
)

// ErrFailedWithReason creates an error for a message which the service rejected with a
// specific code and description.
func ErrFailedWithReason(code, description string) *SendError {
	return &SendError{
		msg:      fmt.Sprintf("send rejected by server: %s", description),
		class:    ErrorClassValidation,
		clogCode: "service:" + code,
		clogMsg:  description,
	}
}

// ErrRateLimitedWithReason is like ErrFailedWithReason but for rejections which a later
// attempt could clear, e.g. a per-recipient frequency cap.
func ErrRateLimitedWithReason(code, description string) *SendError {
	return &SendError{
		msg:      fmt.Sprintf("send throttled by server: %s", description),
		class:    ErrorClassRateLimited,
		clogCode: "service:" + code,
		clogMsg:  description,
	}
}
