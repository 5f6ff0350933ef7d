package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nyaruka/gocommon/uuids"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
	"github.com/heraldhq/herald/ingest"
	"github.com/heraldhq/herald/render"
	"github.com/heraldhq/herald/utils"
	"github.com/heraldhq/herald/validate"
)

// Progress is one event in a batch's life, emitted as recipients are validated and
// sends settle
type Progress struct {
	BatchUUID string                `json:"batch_uuid"`
	Row       int                   `json:"row,omitempty"`
	Recipient string                `json:"recipient,omitempty"`
	Channel   herald.ChannelType    `json:"channel,omitempty"`
	Status    herald.DeliveryStatus `json:"status,omitempty"`
	Invalid   bool                  `json:"invalid,omitempty"`
	Error     string                `json:"error,omitempty"`
	Done      bool                  `json:"done,omitempty"`
}

// batch is one run of a recipient file over a set of channels. Counters are touched by
// the runner and by senders, always under the mutex.
type batch struct {
	uuid     string
	tpl      *herald.Template
	channels []*herald.Channel
	opts     *herald.BatchOptions
	split    render.Options
	sessions map[herald.ChannelType]*models.Session

	ctx    context.Context
	cancel context.CancelFunc

	// outstanding jobs handed to foremen
	jobs sync.WaitGroup

	mu          sync.Mutex
	state       herald.BatchState
	total       int
	sent        int
	failed      int
	invalid     int
	checked     int
	qualitySum  int
	retriesOpen int
	failure     string
	startedOn   time.Time
	endedOn     *time.Time

	// poked whenever an open retry resolves
	retryCh chan struct{}
}

func (b *batch) cancelled() bool {
	return b.ctx.Err() != nil
}

func (b *batch) setState(state herald.BatchState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *batch) setTotal(total int) {
	b.mu.Lock()
	b.total = total
	b.mu.Unlock()
}

// noteChecked tallies one validated recipient into the quality average
func (b *batch) noteChecked(quality int) {
	b.mu.Lock()
	b.checked++
	b.qualitySum += quality
	b.mu.Unlock()
}

func (b *batch) noteInvalid() {
	b.mu.Lock()
	b.invalid++
	b.mu.Unlock()
}

// noteOutcome tallies one settled send into the batch and its channel's session. Only
// terminal outcomes count, a failure that will be retried isn't settled yet.
func (b *batch) noteOutcome(session *models.Session, sent bool) {
	b.mu.Lock()
	if sent {
		b.sent++
	} else {
		b.failed++
	}
	if session != nil {
		session.RecordAttempt(sent)
	}
	b.mu.Unlock()
}

func (b *batch) noteRetryScheduled() {
	b.mu.Lock()
	b.retriesOpen++
	b.mu.Unlock()
}

func (b *batch) noteRetryResolved() {
	b.mu.Lock()
	b.retriesOpen--
	b.mu.Unlock()

	select {
	case b.retryCh <- struct{}{}:
	default:
	}
}

// awaitRetries blocks until every retry this batch scheduled has settled, or the batch
// is cancelled
func (b *batch) awaitRetries() {
	for {
		b.mu.Lock()
		open := b.retriesOpen
		b.mu.Unlock()
		if open <= 0 {
			return
		}

		select {
		case <-b.retryCh:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *batch) progress() *herald.BatchProgress {
	b.mu.Lock()
	defer b.mu.Unlock()

	quality := 0
	if b.checked > 0 {
		quality = b.qualitySum / b.checked
	}

	sessions := make([]int64, 0, len(b.sessions))
	for _, ch := range b.channels {
		if s := b.sessions[ch.ChannelType()]; s != nil && s.ID() != models.NilSessionID {
			sessions = append(sessions, int64(s.ID()))
		}
	}

	return &herald.BatchProgress{
		UUID:      b.uuid,
		State:     b.state,
		Total:     b.total,
		Sent:      b.sent,
		Failed:    b.failed,
		Invalid:   b.invalid,
		Quality:   quality,
		Sessions:  sessions,
		StartedOn: b.startedOn,
		EndedOn:   b.endedOn,
	}
}

// StartBatch opens and maps the request's recipient file, checks the template is
// sendable on the requested channels, creates a session per channel and starts sending
// in the background. The returned progress is the starting snapshot.
func (d *Dispatcher) StartBatch(ctx context.Context, req *herald.BatchRequest) (*herald.BatchProgress, error) {
	if err := utils.Validate(req); err != nil {
		return nil, err
	}
	if d.isStopped() {
		return nil, errors.New("dispatcher is stopped")
	}

	tpl := d.templates[req.TemplateName]
	if tpl == nil {
		return nil, fmt.Errorf("no template named %s", req.TemplateName)
	}

	opts := req.Options
	if opts == nil {
		opts = &herald.BatchOptions{}
	}

	split := render.Options{}
	if opts.Split != nil {
		split = render.Options{
			Strategy:  render.SplitStrategy(opts.Split.Strategy),
			Delimiter: opts.Split.Delimiter,
			CharLimit: opts.Split.CharLimit,
			PartDelay: time.Duration(opts.Split.Delay * float64(time.Second)),
		}
		if split.PartDelay < render.MinPartDelay {
			split.PartDelay = render.MinPartDelay
		}
	}

	if errs := render.ValidateTemplate(tpl, split); len(errs) > 0 {
		return nil, fmt.Errorf("template %s is not sendable: %w", tpl.Name, errs[0])
	}

	channels := make([]*herald.Channel, len(req.Channels))
	for i, ct := range req.Channels {
		ch := d.channels[ct]
		if ch == nil {
			return nil, fmt.Errorf("no %s channel configured", ct)
		}
		if !tpl.ChannelEnabled(ct) {
			return nil, fmt.Errorf("template %s has no body for channel type %s", tpl.Name, ct)
		}
		channels[i] = ch
	}

	// provider template sends need the bound template approved
	if tpl.WATemplateName != "" && d.channels[herald.ChannelTypeWhatsAppAPI] != nil && tpl.ChannelEnabled(herald.ChannelTypeWhatsAppAPI) {
		if d.registry == nil || d.registry.Sendable(tpl.WATemplateName) == nil {
			return nil, fmt.Errorf("provider template %s is not approved for sending", tpl.WATemplateName)
		}
	}

	structure, reader, err := ingest.OpenFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("error opening recipient file: %w", err)
	}

	binding := ingest.MapColumns(structure.Headers, structure.Sample, requiredFields(req.Channels), d.bindings)
	if len(binding.Missing) > 0 {
		reader.Close()
		return nil, fmt.Errorf("no column in %s maps to required field %s", req.FilePath, binding.Missing[0])
	}
	if opts.BatchSize > 0 {
		reader.SetChunkSize(opts.BatchSize)
	}

	b := &batch{
		uuid:      string(uuids.NewV4()),
		tpl:       tpl,
		channels:  channels,
		opts:      opts,
		split:     split,
		sessions:  make(map[herald.ChannelType]*models.Session, len(channels)),
		state:     herald.BatchStatePending,
		total:     structure.EstimatedRows,
		startedOn: time.Now(),
		retryCh:   make(chan struct{}, 1),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	for _, ch := range channels {
		session := models.NewSession(b.uuid, ch.ChannelType(), tpl.Name)
		if !opts.DryRun {
			if err := d.store.InsertSession(ctx, session); err != nil {
				reader.Close()
				return nil, fmt.Errorf("error creating session: %w", err)
			}
		}
		b.sessions[ch.ChannelType()] = session
	}

	d.mu.Lock()
	d.batches[b.uuid] = b
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runBatch(b, reader, binding)

	slog.Info("batch started", "comp", "dispatcher", "batch", b.uuid, "file", req.FilePath,
		"template", tpl.Name, "rows", structure.EstimatedRows, "mapping_confidence", binding.Confidence, "dry_run", opts.DryRun)

	return b.progress(), nil
}

// BatchProgress returns the current state of a batch
func (d *Dispatcher) BatchProgress(uuid string) (*herald.BatchProgress, error) {
	b := d.batch(uuid)
	if b == nil {
		return nil, herald.ErrBatchNotFound
	}
	return b.progress(), nil
}

// CancelBatch aborts a batch's queued sends, in-flight ones finish and record
func (d *Dispatcher) CancelBatch(uuid string) error {
	b := d.batch(uuid)
	if b == nil {
		return herald.ErrBatchNotFound
	}
	b.cancel()
	return nil
}

// requiredFields returns the recipient fields the given channel selection can't send
// without
func requiredFields(channels []herald.ChannelType) []ingest.Field {
	needEmail, needPhone := false, false
	for _, ct := range channels {
		switch ct {
		case herald.ChannelTypeMailSink:
			needEmail = true
		case herald.ChannelTypeWhatsAppAPI, herald.ChannelTypeWhatsAppWeb:
			needPhone = true
		}
	}

	fields := make([]ingest.Field, 0, 2)
	if needEmail {
		fields = append(fields, ingest.FieldEmail)
	}
	if needPhone {
		fields = append(fields, ingest.FieldPhone)
	}
	return fields
}

// runBatch is the producer loop: it streams rows, validates them and fans jobs out to
// the channel foremen, then waits for everything to settle and closes the sessions.
func (d *Dispatcher) runBatch(b *batch, reader *ingest.RowReader, binding *ingest.FieldBinding) {
	defer d.wg.Done()
	defer reader.Close()

	log := slog.With("comp", "dispatcher", "batch", b.uuid)
	b.setState(herald.BatchStateRunning)

	checker := validate.NewChecker(d.rt.Config.DefaultCountry, d.rt.Config.ValidateMX)
	channelTypes := make([]herald.ChannelType, len(b.channels))
	for i, ch := range b.channels {
		channelTypes[i] = ch.ChannelType()
	}

	delay := time.Duration(b.opts.PerMessageDelay * float64(time.Second))
	streamed := 0

stream:
	for {
		rows, err := reader.ReadChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error("error reading recipient file", "error", err)
			b.mu.Lock()
			b.failure = err.Error()
			b.mu.Unlock()
			break
		}

		for _, row := range rows {
			if b.cancelled() {
				break stream
			}

			streamed++
			rec := binding.Apply(row)
			report := checker.Check(b.ctx, rec, channelTypes)
			b.noteChecked(report.QualityScore)

			if !report.Valid {
				b.noteInvalid()
				issue := report.Errors()[0]
				log.Info("recipient failed validation", "row", rec.RowNumber, "rule", issue.Rule)
				d.emit(&Progress{BatchUUID: b.uuid, Row: rec.RowNumber, Invalid: true, Error: issue.Message})
				continue
			}

			for _, ch := range b.channels {
				ct := ch.ChannelType()

				// cheap adapter level check so doomed sends don't burn quota
				if err := d.adapters[ct].ValidateRecipient(rec); err != nil {
					b.noteOutcome(b.sessions[ct], false)
					log.Info("recipient rejected by channel", "row", rec.RowNumber, "channel", ct, "error", err)
					d.emit(&Progress{BatchUUID: b.uuid, Row: rec.RowNumber, Recipient: rec.AddressForChannel(ct), Channel: ct, Status: herald.StatusFailed, Error: err.Error()})
					continue
				}

				msg, err := render.Message(ch, b.tpl, rec, b.split)
				if err != nil {
					b.noteOutcome(b.sessions[ct], false)
					log.Error("error rendering message", "row", rec.RowNumber, "channel", ct, "error", err)
					continue
				}
				msg.SessionID = sessionID(b.sessions[ct])

				j := &job{batch: b, session: b.sessions[ct], msgs: splitMessages(msg)}
				b.jobs.Add(1)
				select {
				case d.foremen[ct].jobs <- j:
				case <-b.ctx.Done():
					b.jobs.Done()
					break stream
				}
			}

			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-b.ctx.Done():
				}
			}
		}
	}

	// the row estimate becomes exact once the stream ends
	b.setTotal(streamed)

	// wait for handed out jobs to settle, a cancel abandons whatever hasn't started
	settled := make(chan struct{})
	go func() {
		b.jobs.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		b.awaitRetries()
	case <-b.ctx.Done():
	}

	d.closeBatch(b, log)
}

// closeBatch ends the batch's sessions and stamps its final state
func (d *Dispatcher) closeBatch(b *batch, log *slog.Logger) {
	for _, ch := range b.channels {
		session := b.sessions[ch.ChannelType()]
		session.End()
		if !b.opts.DryRun {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			if err := d.store.UpdateSession(ctx, session); err != nil {
				log.Error("error closing session", "session_id", session.ID(), "error", err)
			}
			cancel()
		}
	}

	state := herald.BatchStateCompleted
	if b.cancelled() {
		state = herald.BatchStateCancelled
	}

	b.mu.Lock()
	if b.failure != "" {
		state = herald.BatchStateFailed
	}
	b.state = state
	now := time.Now()
	b.endedOn = &now
	sent, failed, invalid := b.sent, b.failed, b.invalid
	b.mu.Unlock()

	d.emit(&Progress{BatchUUID: b.uuid, Done: true})
	log.Info("batch ended", "state", state, "sent", sent, "failed", failed, "invalid", invalid,
		"elapsed", time.Since(b.startedOn))
}
