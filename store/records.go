package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
	"github.com/nyaruka/null/v3"
)

const sqlInsertRecord = `
INSERT INTO delivery_records( uuid,  session_id,  message_id,  recipient_phone_or_email,  channel,  channel_tracking,  status,  template_name,  conversation_id,  pricing_model,
                              error_code,  error_message,  retry_count,  max_retries,  draft,  sent_at,  delivered_at,  read_at,  failed_at,  created_at,  updated_at,  log_uuids)
                      VALUES(:uuid, :session_id, :message_id, :recipient_phone_or_email, :channel, :channel_tracking, :status, :template_name, :conversation_id, :pricing_model,
                             :error_code, :error_message, :retry_count, :max_retries, :draft, :sent_at, :delivered_at, :read_at, :failed_at, :created_at, :updated_at, :log_uuids)
ON CONFLICT (uuid) DO NOTHING
RETURNING id`

const sqlUpdateRecord = `
UPDATE delivery_records
   SET message_id = :message_id, status = :status, template_name = :template_name, conversation_id = :conversation_id, pricing_model = :pricing_model,
       error_code = :error_code, error_message = :error_message, retry_count = :retry_count, draft = :draft,
       sent_at = :sent_at, delivered_at = :delivered_at, read_at = :read_at, failed_at = :failed_at, updated_at = :updated_at, log_uuids = :log_uuids
 WHERE uuid = :uuid`

const sqlSelectRecordByUUID = `
SELECT id, uuid, session_id, message_id, recipient_phone_or_email, channel, channel_tracking, status, template_name, conversation_id, pricing_model,
       error_code, error_message, retry_count, max_retries, draft, sent_at, delivered_at, read_at, failed_at, created_at, updated_at, log_uuids
  FROM delivery_records
 WHERE uuid = $1`

const sqlSelectRecordByExternalID = `
SELECT id, uuid, session_id, message_id, recipient_phone_or_email, channel, channel_tracking, status, template_name, conversation_id, pricing_model,
       error_code, error_message, retry_count, max_retries, draft, sent_at, delivered_at, read_at, failed_at, created_at, updated_at, log_uuids
  FROM delivery_records
 WHERE message_id = $1
 ORDER BY id DESC
 LIMIT 1`

const sqlSweepRetention = `DELETE FROM delivery_records WHERE created_at < $1`

// InsertRecord writes a new delivery record. If the database is down the record is
// spooled to disk instead and kept in the cache so the send outcome isn't lost.
func (s *Store) InsertRecord(ctx context.Context, r *models.DeliveryRecord) error {
	err := s.insertRecordToDB(ctx, r)
	if err != nil {
		slog.Error("error writing record to db, spooling", "comp", "store", "record_uuid", r.UUID(), "error", err)
		err = s.spool.write("records", r)
	}

	s.cache(r)
	return err
}

func (s *Store) insertRecordToDB(ctx context.Context, r *models.DeliveryRecord) error {
	rows, err := s.rt.DB.NamedQueryContext(ctx, sqlInsertRecord, r)
	if err != nil {
		return err
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&r.ID_); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRecord writes the current state of a record, spooling on database errors
func (s *Store) UpdateRecord(ctx context.Context, r *models.DeliveryRecord) error {
	_, err := s.rt.DB.NamedExecContext(ctx, sqlUpdateRecord, r)
	if err != nil {
		slog.Error("error updating record in db, spooling", "comp", "store", "record_uuid", r.UUID(), "error", err)
		err = s.spool.write("records", r)
	}

	s.cache(r)
	return err
}

// GetRecord returns the record with the given UUID, from cache when it's hot
func (s *Store) GetRecord(ctx context.Context, uuid string) (*models.DeliveryRecord, error) {
	if r, found := s.records.Get(uuid); found {
		return r, nil
	}

	r := &models.DeliveryRecord{}
	err := s.rt.DB.GetContext(ctx, r, sqlSelectRecordByUUID, uuid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.cache(r)
	return r, nil
}

// GetRecordByExternalID returns the record the channel's service assigned the given
// message id, nil if we don't know it.
func (s *Store) GetRecordByExternalID(ctx context.Context, externalID string) (*models.DeliveryRecord, error) {
	if uuid, found := s.extIDs.Get(externalID); found {
		return s.GetRecord(ctx, uuid)
	}

	r := &models.DeliveryRecord{}
	err := s.rt.DB.GetContext(ctx, r, sqlSelectRecordByExternalID, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.cache(r)
	return r, nil
}

// ApplyStatusUpdate applies an asynchronous provider status update, returning whether
// we knew the message it refers to. Unknown transitions are logged and swallowed, late
// updates fill timestamps without regressing status.
func (s *Store) ApplyStatusUpdate(ctx context.Context, update *herald.StatusUpdate) (bool, error) {
	r, err := s.GetRecordByExternalID(ctx, update.ExternalID)
	if err != nil {
		return false, fmt.Errorf("error looking up record %s: %w", update.ExternalID, err)
	}
	if r == nil {
		return false, nil
	}

	unlock := s.locks.lock(r.UUID())
	defer unlock.Unlock()

	if err := r.ApplyStatus(update.Status, update.OccurredOn, update.ErrorCode, update.ErrorMessage); err != nil {
		if errors.Is(err, models.ErrIllegalTransition) {
			slog.Warn("rejected status transition", "comp", "store", "record_uuid", r.UUID(), "from", r.Status(), "to", update.Status)
			return true, nil
		}
		return true, err
	}

	if update.ConversationID != "" {
		r.ConversationID_ = null.String(update.ConversationID)
	}
	if update.PricingModel != "" {
		r.PricingModel_ = null.String(update.PricingModel)
	}

	return true, s.UpdateRecord(ctx, r)
}

// MarkDeleted tombstones a record, it stays queryable but drops out of analytics
func (s *Store) MarkDeleted(ctx context.Context, uuid string) error {
	r, err := s.GetRecord(ctx, uuid)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("no record with uuid %s", uuid)
	}

	unlock := s.locks.lock(uuid)
	defer unlock.Unlock()

	if err := r.ApplyStatus(herald.StatusDeleted, time.Now(), "", ""); err != nil {
		return err
	}
	return s.UpdateRecord(ctx, r)
}

// SweepRetention removes records older than the configured retention window, returning
// how many were removed. Safe to run repeatedly.
func (s *Store) SweepRetention(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -s.rt.Config.RetentionDays)

	res, err := s.rt.DB.ExecContext(ctx, sqlSweepRetention, cutoff)
	if err != nil {
		return 0, err
	}

	count, _ := res.RowsAffected()
	return int(count), nil
}

// reindexes the record in our caches
func (s *Store) cache(r *models.DeliveryRecord) {
	s.records.Add(r.UUID(), r)
	if r.ExternalID() != "" {
		s.extIDs.Add(r.ExternalID(), r.UUID())
	}
}

// flushSpooledRecord tries to write a spooled record back to the database
func (s *Store) flushSpooledRecord(filename string, contents []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	r := &models.DeliveryRecord{}
	if err := json.Unmarshal(contents, r); err != nil {
		slog.Error("error reading spooled record, skipping", "comp", "store", "file", filename, "error", err)
		return nil
	}

	if r.ID() != models.NilRecordID {
		_, err := s.rt.DB.NamedExecContext(ctx, sqlUpdateRecord, r)
		return err
	}
	return s.insertRecordToDB(ctx, r)
}
