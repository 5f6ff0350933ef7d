package store

import (
	"context"

	"github.com/heraldhq/herald/core/models"
)

const sqlInsertSession = `
INSERT INTO sessions( batch_uuid,  channel,  template_name,  started_at,  attempted,  sent,  failed)
              VALUES(:batch_uuid, :channel, :template_name, :started_at, :attempted, :sent, :failed)
RETURNING id`

const sqlUpdateSession = `
UPDATE sessions
   SET ended_at = :ended_at, attempted = :attempted, sent = :sent, failed = :failed
 WHERE id = :id`

const sqlSelectSessionsForBatch = `
SELECT id, batch_uuid, channel, template_name, started_at, ended_at, attempted, sent, failed
  FROM sessions
 WHERE batch_uuid = $1
 ORDER BY id`

// InsertSession writes a new open session, setting its id
func (s *Store) InsertSession(ctx context.Context, session *models.Session) error {
	rows, err := s.rt.DB.NamedQueryContext(ctx, sqlInsertSession, session)
	if err != nil {
		return err
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&session.ID_); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSession writes the session's tallies, and its end time once closed
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	_, err := s.rt.DB.NamedExecContext(ctx, sqlUpdateSession, session)
	return err
}

// GetSessionsForBatch returns the sessions created for the given batch
func (s *Store) GetSessionsForBatch(ctx context.Context, batchUUID string) ([]*models.Session, error) {
	sessions := []*models.Session{}
	err := s.rt.DB.SelectContext(ctx, &sessions, sqlSelectSessionsForBatch, batchUUID)
	return sessions, err
}
