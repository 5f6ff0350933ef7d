package herald

import "time"

// DeliveryStatus is the state of a message in its delivery lifecycle
type DeliveryStatus string

const (
	// StatusQueued means the message is accepted and waiting to be sent
	StatusQueued DeliveryStatus = "queued"

	// StatusSending means a worker has picked the message up
	StatusSending DeliveryStatus = "sending"

	// StatusSent means the channel accepted the message
	StatusSent DeliveryStatus = "sent"

	// StatusDelivered means the provider confirmed delivery to the recipient
	StatusDelivered DeliveryStatus = "delivered"

	// StatusRead means the recipient read the message
	StatusRead DeliveryStatus = "read"

	// StatusFailed means the send failed, possibly pending a retry
	StatusFailed DeliveryStatus = "failed"

	// StatusDeleted is a tombstone, the record is retained but excluded from analytics
	StatusDeleted DeliveryStatus = "deleted"

	// StatusUnknown is what we record for provider callbacks we can't interpret
	StatusUnknown DeliveryStatus = "unknown"

	// NilDeliveryStatus is our nil value for delivery statuses
	NilDeliveryStatus DeliveryStatus = ""
)

// progression order of the happy path, used to refuse regressions when provider
// callbacks arrive late or out of order
var statusRank = map[DeliveryStatus]int{
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

// Rank returns the position of this status on the happy path, zero for statuses outside it
func (s DeliveryStatus) Rank() int {
	return statusRank[s]
}

// IsFinal returns whether no further transitions are expected from this status. Failed
// is not final while retries remain, that decision belongs to the store.
func (s DeliveryStatus) IsFinal() bool {
	return s == StatusRead || s == StatusDeleted
}

// StatusUpdate is an asynchronous delivery state change reported by a provider, matched
// to a record by the external message id.
type StatusUpdate struct {
	ExternalID     string         `json:"external_id"`
	Status         DeliveryStatus `json:"status"`
	OccurredOn     time.Time      `json:"occurred_on"`
	ConversationID string         `json:"conversation_id,omitempty"`
	PricingModel   string         `json:"pricing_model,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}
