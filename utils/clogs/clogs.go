package clogs

import (
	"fmt"
	"time"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/gocommon/uuids"
)

// LogUUID is the type of a log UUID (should be v7)
type LogUUID uuids.UUID

// NewLogUUID creates a new log UUID
func NewLogUUID() LogUUID {
	return LogUUID(uuids.NewV7())
}

// LogType is the type of interaction being logged
type LogType string

// LogError is an error that occurred during a channel interaction
type LogError struct {
	Code    string `json:"code"`
	ExtCode string `json:"ext_code,omitempty"`
	Message string `json:"message"`
}

// NewLogError creates a new log error
func NewLogError(code, extCode, message string, args ...any) *LogError {
	return &LogError{Code: code, ExtCode: extCode, Message: fmt.Sprintf(message, args...)}
}

// Redact applies the given redactor to this error
func (e *LogError) Redact(r stringsx.Redactor) *LogError {
	return &LogError{Code: e.Code, ExtCode: e.ExtCode, Message: r(e.Message)}
}

// Log is the log of a single interaction with an external service, including all the
// HTTP traffic it generated. Request and response traces are redacted before they are
// stored so channel secrets never end up in storage.
type Log struct {
	UUID      LogUUID
	Type      LogType
	HttpLogs  []*httpx.Log
	Errors    []*LogError
	CreatedOn time.Time
	Elapsed   time.Duration

	recorder *httpx.Recorder
	redactor stringsx.Redactor
}

// NewLog creates a new log with the given type. If a recorder is passed, its trace is
// prepended to the HTTP logs when the log is ended.
func NewLog(t LogType, r *httpx.Recorder, redactVals []string) *Log {
	return &Log{
		UUID:      NewLogUUID(),
		Type:      t,
		HttpLogs:  []*httpx.Log{},
		Errors:    []*LogError{},
		CreatedOn: time.Now(),

		recorder: r,
		redactor: stringsx.NewRedactor("**********", redactVals...),
	}
}

// HTTP adds the given HTTP trace to this log
func (l *Log) HTTP(t *httpx.Trace) {
	l.HttpLogs = append(l.HttpLogs, l.traceToLog(t))
}

// Error adds the given error to this log
func (l *Log) Error(e *LogError) {
	l.Errors = append(l.Errors, e.Redact(l.redactor))
}

// End finalizes this log
func (l *Log) End() {
	if l.recorder != nil {
		// prepend so it's the first HTTP request in the log
		l.HttpLogs = append([]*httpx.Log{l.traceToLog(l.recorder.Trace)}, l.HttpLogs...)
	}

	l.Elapsed = time.Since(l.CreatedOn)
}

func (l *Log) traceToLog(t *httpx.Trace) *httpx.Log {
	return httpx.NewLog(t, 2048, 50000, l.redactor)
}

// archived is the JSON layout written for a log when it is archived
type archived struct {
	UUID      LogUUID      `json:"uuid"`
	Type      LogType      `json:"type"`
	HttpLogs  []*httpx.Log `json:"http_logs"`
	Errors    []*LogError  `json:"errors"`
	ElapsedMS int          `json:"elapsed_ms"`
	CreatedOn time.Time    `json:"created_on"`
}

// MarshalJSON marshals this log for archival
func (l *Log) MarshalJSON() ([]byte, error) {
	return jsonx.Marshal(&archived{
		UUID:      l.UUID,
		Type:      l.Type,
		HttpLogs:  l.HttpLogs,
		Errors:    l.Errors,
		ElapsedMS: int(l.Elapsed / time.Millisecond),
		CreatedOn: l.CreatedOn,
	})
}
