package models

import (
	"time"

	"github.com/heraldhq/herald"
	"github.com/nyaruka/null/v3"
)

// Session is one batch run on one channel, the coarse grouping unit analytics rolls up
// to. Created when the dispatcher starts sending, closed when the last record settles.
type Session struct {
	ID_           SessionID          `db:"id"            json:"id"`
	BatchUUID_    string             `db:"batch_uuid"    json:"batch_uuid"`
	Channel_      herald.ChannelType `db:"channel"       json:"channel"`
	TemplateName_ null.String        `db:"template_name" json:"template_name"`
	StartedAt_    time.Time          `db:"started_at"    json:"started_at"`
	EndedAt_      *time.Time         `db:"ended_at"      json:"ended_at"`
	Attempted_    int                `db:"attempted"     json:"attempted"`
	Sent_         int                `db:"sent"          json:"sent"`
	Failed_       int                `db:"failed"        json:"failed"`
}

// NewSession creates a new open session
func NewSession(batchUUID string, channel herald.ChannelType, templateName string) *Session {
	return &Session{
		BatchUUID_:    batchUUID,
		Channel_:      channel,
		TemplateName_: null.String(templateName),
		StartedAt_:    time.Now(),
	}
}

func (s *Session) ID() SessionID               { return s.ID_ }
func (s *Session) BatchUUID() string           { return s.BatchUUID_ }
func (s *Session) Channel() herald.ChannelType { return s.Channel_ }
func (s *Session) Attempted() int              { return s.Attempted_ }
func (s *Session) Sent() int                   { return s.Sent_ }
func (s *Session) Failed() int                 { return s.Failed_ }

// RecordAttempt tallies one send outcome into this session
func (s *Session) RecordAttempt(sent bool) {
	s.Attempted_++
	if sent {
		s.Sent_++
	} else {
		s.Failed_++
	}
}

// End closes this session
func (s *Session) End() {
	now := time.Now()
	s.EndedAt_ = &now
}
