package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/utils/clogs"
	"github.com/nyaruka/gocommon/aws/s3x"
	"github.com/nyaruka/gocommon/dbutil"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/nyaruka/gocommon/syncx"
)

const sqlInsertChannelLog = `
INSERT INTO channel_logs( uuid,  log_type,  channel_uuid,  http_logs,  errors,  is_error,  created_at,  elapsed_ms)
                  VALUES(:uuid, :log_type, :channel_uuid, :http_logs, :errors, :is_error, :created_at, :elapsed_ms)`

// channel log to be inserted into the database
type dbChannelLog struct {
	UUID        clogs.LogUUID      `db:"uuid"`
	Type        clogs.LogType      `db:"log_type"`
	ChannelUUID herald.ChannelUUID `db:"channel_uuid"`
	HTTPLogs    json.RawMessage    `db:"http_logs"`
	Errors      json.RawMessage    `db:"errors"`
	IsError     bool               `db:"is_error"`
	CreatedAt   time.Time          `db:"created_at"`
	ElapsedMS   int                `db:"elapsed_ms"`
}

// channel log to be written to storage
type stChannelLog struct {
	UUID        clogs.LogUUID      `json:"uuid"`
	Type        clogs.LogType      `json:"type"`
	HTTPLogs    []*httpx.Log       `json:"http_logs"`
	Errors      []*clogs.LogError  `json:"errors"`
	ElapsedMS   int                `json:"elapsed_ms"`
	CreatedAt   time.Time          `json:"created_at"`
	ChannelUUID herald.ChannelUUID `json:"-"`
}

func (l *stChannelLog) path() string {
	return path.Join("channels", string(l.ChannelUUID), string(l.UUID[:4]), fmt.Sprintf("%s.json", l.UUID))
}

// QueueLog queues the passed in channel log to be written to the database, and to
// storage if archival is configured
func (s *Store) QueueLog(clog *herald.ChannelLog) {
	log := slog.With("comp", "store", "log_uuid", clog.UUID, "log_type", clog.Type, "channel_uuid", clog.Channel().UUID())

	// so that we don't save null
	httpLogs := clog.HttpLogs
	if httpLogs == nil {
		httpLogs = []*httpx.Log{}
	}
	errors := clog.Errors
	if errors == nil {
		errors = []*clogs.LogError{}
	}

	v := &dbChannelLog{
		UUID:        clog.UUID,
		Type:        clog.Type,
		ChannelUUID: clog.Channel().UUID(),
		HTTPLogs:    jsonx.MustMarshal(httpLogs),
		Errors:      jsonx.MustMarshal(errors),
		IsError:     clog.IsError(),
		CreatedAt:   clog.CreatedOn,
		ElapsedMS:   int(clog.Elapsed / time.Millisecond),
	}
	if s.logWriter.Queue(v) <= 0 {
		log.With("storage", "db").Error("channel log writer buffer full")
	}

	if s.stLogWriter != nil {
		st := &stChannelLog{
			UUID:        clog.UUID,
			Type:        clog.Type,
			HTTPLogs:    httpLogs,
			Errors:      errors,
			ElapsedMS:   int(clog.Elapsed / time.Millisecond),
			CreatedAt:   clog.CreatedOn,
			ChannelUUID: clog.Channel().UUID(),
		}
		if s.stLogWriter.Queue(st) <= 0 {
			log.With("storage", "s3").Error("channel log writer buffer full")
		}
	}
}

type logWriter struct {
	*syncx.Batcher[*dbChannelLog]
}

func newLogWriter(rt *runtime.Runtime, wg *sync.WaitGroup) *logWriter {
	return &logWriter{
		Batcher: syncx.NewBatcher(func(batch []*dbChannelLog) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			writeDBChannelLogs(ctx, rt, batch)
		}, 1000, time.Millisecond*500, 1000, wg),
	}
}

func writeDBChannelLogs(ctx context.Context, rt *runtime.Runtime, batch []*dbChannelLog) {
	err := dbutil.BulkQuery(ctx, rt.DB, sqlInsertChannelLog, batch)

	// if we received an error, try again one at a time (in case it is one value hanging us up)
	if err != nil {
		for _, v := range batch {
			err = dbutil.BulkQuery(ctx, rt.DB, sqlInsertChannelLog, []*dbChannelLog{v})
			if err != nil {
				log := slog.With("comp", "store", "log_uuid", v.UUID)

				if qerr := dbutil.AsQueryError(err); qerr != nil {
					query, params := qerr.Query()
					log = log.With("sql", query, "sql_params", params)
				}

				log.Error("error writing channel log", "error", err)
			}
		}
	}
}

type storageLogWriter struct {
	*syncx.Batcher[*stChannelLog]
}

func newStorageLogWriter(s3s *s3x.Service, bucket string, wg *sync.WaitGroup) *storageLogWriter {
	return &storageLogWriter{
		Batcher: syncx.NewBatcher(func(batch []*stChannelLog) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			writeStorageChannelLogs(ctx, s3s, bucket, batch)
		}, 1000, time.Millisecond*500, 1000, wg),
	}
}

func writeStorageChannelLogs(ctx context.Context, s3s *s3x.Service, bucket string, batch []*stChannelLog) {
	uploads := make([]*s3x.Upload, len(batch))
	for i, l := range batch {
		uploads[i] = &s3x.Upload{
			Bucket:      bucket,
			Key:         l.path(),
			ContentType: "application/json",
			Body:        jsonx.MustMarshal(l),
			ACL:         types.ObjectCannedACLPrivate,
		}
	}
	if err := s3s.BatchPut(ctx, uploads, 32); err != nil {
		slog.Error("error writing channel logs to storage", "comp", "store", "error", err)
	}
}
