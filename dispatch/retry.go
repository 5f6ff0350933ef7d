package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/nyaruka/gocommon/jsonx"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
)

// the valkey sorted set holding failed sends awaiting another attempt, scored by due
// time so retries survive restarts
const retryKey = "dispatch:retries"

// how often the retry loop wakes to look for due retries
const retryPollInterval = time.Second

// retryItem is what we park in valkey between attempts, everything needed to rebuild
// the send
type retryItem struct {
	RecordUUID string             `json:"record_uuid"`
	BatchUUID  string             `json:"batch_uuid,omitempty"`
	Channel    herald.ChannelType `json:"channel"`
	AllowBurst bool               `json:"allow_burst,omitempty"`
	Msg        *herald.Msg        `json:"msg"`
}

// scheduleRetry parks a failed send on the retry queue, due after the given backoff
func (d *Dispatcher) scheduleRetry(b *batch, record *models.DeliveryRecord, msg *herald.Msg, allowBurst bool, backoff time.Duration) error {
	item := &retryItem{
		RecordUUID: record.UUID(),
		Channel:    msg.Channel.ChannelType(),
		AllowBurst: allowBurst,
		Msg:        msg,
	}
	if b != nil {
		item.BatchUUID = b.uuid
	}

	rc := d.rt.VK.Get()
	defer rc.Close()

	due := float64(time.Now().Add(backoff).UnixNano()) / float64(time.Second)
	_, err := rc.Do("ZADD", retryKey, due, jsonx.MustMarshal(item))
	return err
}

// popDueRetry pops the next due retry off the queue, nil when there are none. A single
// dispatcher owns the queue so a plain remove is our claim.
func (d *Dispatcher) popDueRetry(now time.Time) (*retryItem, error) {
	rc := d.rt.VK.Get()
	defer rc.Close()

	score := float64(now.UnixNano()) / float64(time.Second)
	members, err := redis.ByteSlices(rc.Do("ZRANGEBYSCORE", retryKey, "-inf", score, "LIMIT", 0, 1))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	removed, err := redis.Int(rc.Do("ZREM", retryKey, members[0]))
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, nil
	}

	item := &retryItem{}
	if err := json.Unmarshal(members[0], item); err != nil {
		return nil, fmt.Errorf("error parsing retry item: %w", err)
	}
	return item, nil
}

// retryLoop wakes every second and feeds due retries back into the channel foremen
func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()

	log := slog.With("comp", "dispatcher")

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(retryPollInterval):
		}

		for {
			item, err := d.popDueRetry(time.Now())
			if err != nil {
				log.Error("error popping due retry", "error", err)
				break
			}
			if item == nil {
				break
			}
			d.resendRetry(item, log)
		}
	}
}

// resendRetry moves a due record back to queued and hands it to its channel's foreman.
// Records that settled some other way in the meantime are left alone.
func (d *Dispatcher) resendRetry(item *retryItem, log *slog.Logger) {
	ch := d.channels[item.Channel]
	foreman := d.foremen[item.Channel]
	if ch == nil || foreman == nil || item.Msg == nil {
		log.Warn("retry dropped, channel no longer configured", "record", item.RecordUUID, "channel", item.Channel)
		return
	}

	// the channel doesn't survive the round trip through valkey
	item.Msg.Channel = ch

	b := d.batch(item.BatchUUID)
	if b != nil && b.cancelled() {
		b.noteRetryResolved()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	record, err := d.store.GetRecord(ctx, item.RecordUUID)
	cancel()
	if err != nil {
		log.Error("error loading record for retry", "record", item.RecordUUID, "error", err)
		if b != nil {
			b.noteRetryResolved()
		}
		return
	}
	if record == nil || record.Status() != herald.StatusFailed || !record.CanRetry() {
		if b != nil {
			b.noteRetryResolved()
		}
		return
	}

	if err := record.Requeue(); err != nil {
		if b != nil {
			b.noteRetryResolved()
		}
		return
	}
	d.updateRecord(record)

	var session *models.Session
	if b != nil {
		session = b.sessions[item.Channel]
	}

	j := &job{batch: b, session: session, msgs: []*herald.Msg{item.Msg}, record: record, allowBurst: item.AllowBurst}

	select {
	case foreman.jobs <- j:
		log.Info("retry queued", "record", record.UUID(), "channel", item.Channel, "retry_count", record.RetryCount())
	case <-d.ctx.Done():
		// shutting down, settle the record so it isn't left queued forever
		record.ApplyStatus(herald.StatusFailed, time.Now(), "send_abandoned", "Send was abandoned before it started.")
		d.updateRecord(record)
		if b != nil {
			b.noteRetryResolved()
		}
	}
}
