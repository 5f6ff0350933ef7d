package models

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/heraldhq/herald"
	"github.com/lib/pq"
	"github.com/nyaruka/gocommon/uuids"
	"github.com/nyaruka/null/v3"
)

// ErrIllegalTransition is returned when a status change isn't allowed by the machine
var ErrIllegalTransition = errors.New("illegal status transition")

// RecordID is our SQL type for a delivery record's id
type RecordID null.Int

// NilRecordID represents a nil record id
const NilRecordID = RecordID(0)

func (i *RecordID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i RecordID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *RecordID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i RecordID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// SessionID is our SQL type for a send session's id
type SessionID null.Int

// NilSessionID represents a nil session id
const NilSessionID = SessionID(0)

func (i *SessionID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i SessionID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *SessionID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i SessionID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// DeliveryRecord is the durable trace of one message to one recipient, written when the
// dispatcher hands the message to a worker and updated as the channel and its webhooks
// report progress. Can be written to the database or marshaled to a spool file.
type DeliveryRecord struct {
	ID_             RecordID              `db:"id"                       json:"id"`
	UUID_           string                `db:"uuid"                     json:"uuid"`
	SessionID_      SessionID             `db:"session_id"               json:"session_id"`
	MessageID_      null.String           `db:"message_id"               json:"message_id"`
	Recipient_      string                `db:"recipient_phone_or_email" json:"recipient_phone_or_email"`
	Channel_        herald.ChannelType    `db:"channel"                  json:"channel"`
	Tracking_       string                `db:"channel_tracking"         json:"channel_tracking"`
	Status_         herald.DeliveryStatus `db:"status"                   json:"status"`
	TemplateName_   null.String           `db:"template_name"            json:"template_name"`
	ConversationID_ null.String           `db:"conversation_id"          json:"conversation_id"`
	PricingModel_   null.String           `db:"pricing_model"            json:"pricing_model"`
	ErrorCode_      null.String           `db:"error_code"               json:"error_code"`
	ErrorMessage_   null.String           `db:"error_message"            json:"error_message"`
	RetryCount_     int                   `db:"retry_count"              json:"retry_count"`
	MaxRetries_     int                   `db:"max_retries"              json:"max_retries"`
	Draft_          bool                  `db:"draft"                    json:"draft"`
	SentAt_         *time.Time            `db:"sent_at"                  json:"sent_at"`
	DeliveredAt_    *time.Time            `db:"delivered_at"             json:"delivered_at"`
	ReadAt_         *time.Time            `db:"read_at"                  json:"read_at"`
	FailedAt_       *time.Time            `db:"failed_at"                json:"failed_at"`
	CreatedAt_      time.Time             `db:"created_at"               json:"created_at"`
	UpdatedAt_      time.Time             `db:"updated_at"               json:"updated_at"`
	LogUUIDs_       pq.StringArray        `db:"log_uuids"                json:"log_uuids"`
}

const (
	// TrackingProvider means the channel's service confirms delivery asynchronously
	TrackingProvider = "provider"

	// TrackingNone means sent is as far as we'll ever know
	TrackingNone = "none"
)

// NewDeliveryRecord creates a new queued record for the given message
func NewDeliveryRecord(msg *herald.Msg, maxRetries int) *DeliveryRecord {
	now := time.Now()

	uuid := string(msg.UUID)
	if uuid == "" {
		uuid = string(uuids.NewV7())
	}

	tracking := TrackingNone
	if msg.Channel.ChannelType().Tracked() {
		tracking = TrackingProvider
	}

	return &DeliveryRecord{
		UUID_:         uuid,
		SessionID_:    SessionID(msg.SessionID),
		Recipient_:    msg.Address(),
		Channel_:      msg.Channel.ChannelType(),
		Tracking_:     tracking,
		Status_:       herald.StatusQueued,
		TemplateName_: null.String(msg.TemplateName),
		MaxRetries_:   maxRetries,
		CreatedAt_:    now,
		UpdatedAt_:    now,
		LogUUIDs_:     pq.StringArray{},
	}
}

func (r *DeliveryRecord) ID() RecordID                  { return r.ID_ }
func (r *DeliveryRecord) UUID() string                  { return r.UUID_ }
func (r *DeliveryRecord) ExternalID() string            { return string(r.MessageID_) }
func (r *DeliveryRecord) Recipient() string             { return r.Recipient_ }
func (r *DeliveryRecord) Channel() herald.ChannelType   { return r.Channel_ }
func (r *DeliveryRecord) Tracking() string              { return r.Tracking_ }
func (r *DeliveryRecord) Status() herald.DeliveryStatus { return r.Status_ }
func (r *DeliveryRecord) RetryCount() int               { return r.RetryCount_ }
func (r *DeliveryRecord) MaxRetries() int               { return r.MaxRetries_ }

// SetExternalID records the message id the channel's service assigned
func (r *DeliveryRecord) SetExternalID(id string) {
	r.MessageID_ = null.String(id)
	r.UpdatedAt_ = time.Now()
}

// AddLogUUID attaches a channel log to this record
func (r *DeliveryRecord) AddLogUUID(uuid string) {
	r.LogUUIDs_ = append(r.LogUUIDs_, uuid)
	r.UpdatedAt_ = time.Now()
}

// CanRetry returns whether this record has retry budget left
func (r *DeliveryRecord) CanRetry() bool {
	return r.RetryCount_ < r.MaxRetries_
}

// Requeue moves a failed record back to queued for another attempt, consuming retry
// budget. Only failed records can be requeued.
func (r *DeliveryRecord) Requeue() error {
	if r.Status_ != herald.StatusFailed {
		return ErrIllegalTransition
	}
	if !r.CanRetry() {
		return errors.New("no retries left")
	}
	r.Status_ = herald.StatusQueued
	r.RetryCount_++
	r.UpdatedAt_ = time.Now()
	return nil
}

// statuses failed can be entered from
var failableFrom = map[herald.DeliveryStatus]bool{
	herald.StatusQueued:  true,
	herald.StatusSending: true,
	herald.StatusSent:    true,
}

// ApplyStatus applies a status change to this record following the transition rules.
// Forward moves on the happy path advance the status and stamp its timestamp. A late
// lower-ranked update only fills a missing timestamp and keeps the current status.
// Anything else returns ErrIllegalTransition and leaves the record untouched.
func (r *DeliveryRecord) ApplyStatus(s herald.DeliveryStatus, on time.Time, errorCode, errorMessage string) error {
	if on.IsZero() {
		on = time.Now()
	}

	switch {
	case s == r.Status_:
		// idempotent, at most fills the timestamp
		r.fillTimestamp(s, on)

	case s == herald.StatusDeleted:
		r.Status_ = herald.StatusDeleted

	case s == herald.StatusFailed:
		if !failableFrom[r.Status_] {
			return ErrIllegalTransition
		}
		r.Status_ = herald.StatusFailed
		r.fillTimestamp(s, on)
		r.ErrorCode_ = null.String(errorCode)
		r.ErrorMessage_ = null.String(errorMessage)

	case s.Rank() > 0 && r.Status_.Rank() > 0 && s.Rank() > r.Status_.Rank():
		r.Status_ = s
		r.fillTimestamp(s, on)

	case s.Rank() > 0 && r.Status_.Rank() > s.Rank():
		// late in-order update, e.g. delivered arriving after read
		r.fillTimestamp(s, on)

	default:
		return ErrIllegalTransition
	}

	r.UpdatedAt_ = time.Now()
	return nil
}

func (r *DeliveryRecord) fillTimestamp(s herald.DeliveryStatus, on time.Time) {
	switch s {
	case herald.StatusSent:
		if r.SentAt_ == nil {
			r.SentAt_ = &on
		}
	case herald.StatusDelivered:
		if r.DeliveredAt_ == nil {
			r.DeliveredAt_ = &on
		}
	case herald.StatusRead:
		if r.ReadAt_ == nil {
			r.ReadAt_ = &on
		}
	case herald.StatusFailed:
		if r.FailedAt_ == nil {
			r.FailedAt_ = &on
		}
	}
}
