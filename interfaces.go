package herald

import (
	"context"
	"time"
)

// BatchState is the lifecycle state of a batch run
type BatchState string

const (
	BatchStatePending   BatchState = "pending"
	BatchStateRunning   BatchState = "running"
	BatchStateCompleted BatchState = "completed"
	BatchStateFailed    BatchState = "failed"
	BatchStateCancelled BatchState = "cancelled"
)

// SplitOptions control optional multi-message splitting of WhatsApp bodies
type SplitOptions struct {
	Strategy  string  `json:"strategy"            validate:"eq=paragraph|eq=sentence|eq=custom_delimiter|eq=character_limit"`
	Delimiter string  `json:"delimiter,omitempty"`
	CharLimit int     `json:"char_limit,omitempty"`
	Delay     float64 `json:"delay"`
}

// BatchOptions control how a batch is sent
type BatchOptions struct {
	BatchSize       int           `json:"batch_size,omitempty"`
	PerMessageDelay float64       `json:"per_message_delay,omitempty"`
	DryRun          bool          `json:"dry_run,omitempty"`
	AllowBurst      bool          `json:"allow_burst,omitempty"`
	Split           *SplitOptions `json:"split,omitempty"`
}

// BatchRequest asks the engine to ingest a recipient file and send a template to
// everyone in it over the given channels.
type BatchRequest struct {
	FilePath     string        `json:"file_path"     validate:"required"`
	TemplateName string        `json:"template_name" validate:"required"`
	Channels     []ChannelType `json:"channels"      validate:"required,min=1"`
	Options      *BatchOptions `json:"options,omitempty"`
}

// BatchProgress is a point-in-time view of a batch run
type BatchProgress struct {
	UUID      string     `json:"uuid"`
	State     BatchState `json:"state"`
	Total     int        `json:"total"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Invalid   int        `json:"invalid"`
	Quality   int        `json:"quality_score"`
	Sessions  []int64    `json:"sessions,omitempty"`
	StartedOn time.Time  `json:"started_on"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
}

// Engine is the interface the server runs against, implemented by the dispatcher which
// owns the full ingest, validate, render, send pipeline.
type Engine interface {
	Start() error
	Stop() error

	// StartBatch ingests the request's file and begins sending asynchronously
	StartBatch(ctx context.Context, req *BatchRequest) (*BatchProgress, error)

	// BatchProgress returns the current state of a batch, or ErrBatchNotFound
	BatchProgress(uuid string) (*BatchProgress, error)

	// CancelBatch aborts queued sends of a batch, in-flight ones finish and record
	CancelBatch(uuid string) error

	// ProcessWebhook verifies and applies a provider status callback, returning how
	// many updates it handled
	ProcessWebhook(ctx context.Context, payload []byte, signature string) (int, error)

	// VerifyWebhook answers the provider's webhook subscription handshake, returning
	// the challenge to echo back
	VerifyWebhook(mode, verifyToken, challenge string) (string, error)

	// QuotaState returns the marshalled snapshot of all quota windows
	QuotaState(ctx context.Context) ([]byte, error)

	// Health returns a string describing any health problems, empty when all good
	Health() string
}
