package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
	"github.com/heraldhq/herald/quota"
	"github.com/heraldhq/herald/runtime"
)

// job is one recipient's sends on one channel, the unit of work handed to a sender.
// Multi-message sequences stay inside one job so their order holds.
type job struct {
	batch   *batch
	session *models.Session
	msgs    []*herald.Msg

	// set on retry jobs, which resend one previously failed record
	record     *models.DeliveryRecord
	allowBurst bool
}

// splitMessages breaks a rendered multi-part message into one message per part, so
// every part is sent and recorded separately. Single part messages come back as is.
func splitMessages(msg *herald.Msg) []*herald.Msg {
	if len(msg.Parts) <= 1 {
		return []*herald.Msg{msg}
	}

	msgs := make([]*herald.Msg, len(msg.Parts))
	for i, part := range msg.Parts {
		m := *msg
		if i > 0 {
			m.UUID = herald.NewMsgUUID()
		}
		m.Body = part
		m.Parts = []string{part}
		msgs[i] = &m
	}
	return msgs
}

// kindsFor returns the quota windows one send on the given channel type counts
// against. API sends also consume the provider call allowance.
func kindsFor(ct herald.ChannelType) []quota.Kind {
	if ct == herald.ChannelTypeWhatsAppAPI {
		kinds := make([]quota.Kind, 0, len(quota.MsgKinds)+len(quota.CallKinds))
		kinds = append(kinds, quota.MsgKinds...)
		kinds = append(kinds, quota.CallKinds...)
		return kinds
	}
	return quota.MsgKinds
}

// sendJob sends one recipient's messages on one channel in order. Retry jobs resend a
// single previously failed record.
func (d *Dispatcher) sendJob(j *job) {
	if j.record != nil {
		d.sendRetry(j)
		return
	}
	defer j.batch.jobs.Done()

	for i, msg := range j.msgs {
		if j.batch.cancelled() {
			return
		}

		if i > 0 && msg.PartDelay > 0 {
			select {
			case <-time.After(msg.PartDelay):
			case <-j.batch.ctx.Done():
				return
			}
		}

		if j.batch.opts.DryRun {
			slog.Debug("dry run, send skipped", "comp", "sender", "msg", msg.UUID, "channel", msg.Channel.ChannelType(), "to", msg.Address())
			j.batch.noteOutcome(j.session, true)
			d.emit(progressFor(j.batch, msg, herald.StatusSent, ""))
			continue
		}

		d.sendMsg(j.batch, j.session, msg, nil, j.batch.opts.AllowBurst)
	}
}

// sendRetry resends a record that failed earlier, the retry loop already moved it back
// to queued
func (d *Dispatcher) sendRetry(j *job) {
	defer func() {
		if j.batch != nil {
			j.batch.noteRetryResolved()
		}
	}()

	if cancelled(j.batch) || d.isStopped() {
		j.record.ApplyStatus(herald.StatusFailed, time.Now(), "send_abandoned", "Send was abandoned before it started.")
		d.updateRecord(j.record)
		return
	}

	d.sendMsg(j.batch, j.session, j.msgs[0], j.record, j.allowBurst)
}

// sendMsg performs one send: quota admission, a queued record, the adapter call, then
// the settled record. A retriable failure is parked on the retry queue instead of
// counting as failed.
func (d *Dispatcher) sendMsg(b *batch, session *models.Session, msg *herald.Msg, record *models.DeliveryRecord, allowBurst bool) {
	cfg := d.rt.Config
	ct := msg.Channel.ChannelType()
	adapter := d.adapters[ct]
	log := slog.With("comp", "sender", "channel", ct, "msg", msg.UUID, "to", msg.Address())

	quotaCtx := d.ctx
	if b != nil {
		quotaCtx = b.ctx
	}

	decision := d.awaitQuota(quotaCtx, kindsFor(ct), allowBurst)
	if decision == nil {
		// cancelled while waiting. a fresh send just never starts, a retry already
		// has a queued record which needs to settle
		if record != nil {
			record.ApplyStatus(herald.StatusFailed, time.Now(), "send_abandoned", "Send was abandoned before it started.")
			d.updateRecord(record)
			noteOutcome(b, session, false)
		}
		return
	}
	if decision.Burst {
		log.Debug("send admitted on burst allowance", "kind", decision.Kind)
	}

	if record == nil {
		record = models.NewDeliveryRecord(msg, cfg.MaxRetries)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := d.store.InsertRecord(ctx, record); err != nil {
			log.Error("error inserting delivery record", "error", err)
		}
		cancel()
	}

	// in-flight sends run to completion even when their batch is cancelled
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.SendTimeout)*time.Second)
	defer cancel()

	res := &herald.SendResult{}
	clog := herald.NewChannelLogForSend(msg, adapter.RedactValues())

	err := adapter.Send(ctx, msg, res, clog)

	clog.End()
	record.AddLogUUID(string(clog.UUID))
	d.store.QueueLog(clog)

	now := time.Now()

	if err == nil {
		if res.ExternalID() != "" {
			record.SetExternalID(res.ExternalID())
		}
		record.Draft_ = res.Draft()
		if aerr := record.ApplyStatus(herald.StatusSent, now, "", ""); aerr != nil {
			log.Error("error applying sent status", "error", aerr)
		}
		d.updateRecord(record)
		noteOutcome(b, session, true)
		d.recordTemplateUsage(msg, true)
		d.emit(progressFor(b, msg, herald.StatusSent, ""))
		log.Debug("sent", "external_id", res.ExternalID())
		return
	}

	code, message, retryable := classifySendError(err)
	if aerr := record.ApplyStatus(herald.StatusFailed, now, code, message); aerr != nil {
		log.Error("error applying failed status", "error", aerr)
	}
	d.updateRecord(record)
	d.recordTemplateUsage(msg, false)

	if retryable && record.CanRetry() && !cancelled(b) && !d.isStopped() {
		backoff := retryBackoff(cfg, record.RetryCount()+1)
		if rerr := d.scheduleRetry(b, record, msg, allowBurst, backoff); rerr == nil {
			if b != nil {
				b.noteRetryScheduled()
			}
			log.Info("send failed, retry scheduled", "error", err, "retry_in", backoff, "retry_count", record.RetryCount())
			d.emit(progressFor(b, msg, herald.StatusFailed, message))
			return
		} else {
			log.Error("error scheduling retry", "error", rerr)
		}
	}

	noteOutcome(b, session, false)
	d.emit(progressFor(b, msg, herald.StatusFailed, message))

	var serr *herald.SendError
	if errors.As(err, &serr) && serr.Fatal() {
		log.Error("channel credentials rejected, sends on this channel will keep failing", "error", err)
	} else {
		log.Info("send failed", "error", err, "code", code)
	}
}

// awaitQuota blocks until the given windows all admit one more request, sleeping out
// denials for however long the quota says to wait, capped. Returns nil when ctx ends
// first.
func (d *Dispatcher) awaitQuota(ctx context.Context, kinds []quota.Kind, allowBurst bool) *quota.Decision {
	for {
		decision := d.quotas.AcquireAll(kinds, allowBurst)
		if decision.Allowed {
			return decision
		}

		wait := time.Duration(decision.WaitSeconds * float64(time.Second))
		if wait <= 0 {
			wait = time.Second
		}
		if limit := time.Duration(d.rt.Config.RetryBackoffCap) * time.Second; wait > limit {
			wait = limit
		}

		slog.Debug("quota exhausted, waiting", "comp", "dispatcher", "kind", decision.Kind, "reason", decision.Reason, "wait", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// updateRecord writes a record change with a bounded context, failures end up in the
// spool via the store so they're logged and dropped here
func (d *Dispatcher) updateRecord(record *models.DeliveryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := d.store.UpdateRecord(ctx, record); err != nil {
		slog.Error("error updating delivery record", "comp", "sender", "record", record.UUID(), "error", err)
	}
}

// classifySendError turns a send failure into the code and message recorded on the
// delivery record, and whether another attempt could succeed
func classifySendError(err error) (string, string, bool) {
	var serr *herald.SendError
	if errors.As(err, &serr) {
		code := serr.ClogCode()
		if code == "" {
			code = string(serr.Class())
		}
		return code, serr.ClogMsg(), serr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "send_timeout", "Send timed out.", true
	}
	return "unknown", err.Error(), false
}

// retryBackoff returns how long to wait before retry attempt n, exponential from the
// configured base up to the cap
func retryBackoff(cfg *runtime.Config, n int) time.Duration {
	backoff := time.Duration(cfg.RetryBackoffBase) * time.Second
	limit := time.Duration(cfg.RetryBackoffCap) * time.Second

	for i := 1; i < n && backoff < limit; i++ {
		backoff *= 2
	}
	if backoff > limit {
		backoff = limit
	}
	return backoff
}

func cancelled(b *batch) bool {
	return b != nil && b.cancelled()
}

func noteOutcome(b *batch, session *models.Session, sent bool) {
	if b != nil {
		b.noteOutcome(session, sent)
	}
}

func progressFor(b *batch, msg *herald.Msg, status herald.DeliveryStatus, errMsg string) *Progress {
	p := &Progress{
		Row:       msg.Recipient.RowNumber,
		Recipient: msg.Address(),
		Channel:   msg.Channel.ChannelType(),
		Status:    status,
		Error:     errMsg,
	}
	if b != nil {
		p.BatchUUID = b.uuid
	}
	return p
}
