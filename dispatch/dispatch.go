package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
	"github.com/heraldhq/herald/ingest"
	"github.com/heraldhq/herald/quota"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/store"
	"github.com/heraldhq/herald/templates"
	"github.com/heraldhq/herald/webhook"
)

// Dispatcher owns the pipeline from a recipient file to delivery records: ingest and
// column mapping, validation, rendering, quota gated sending over the channel adapters
// and recording to the store. One foreman per configured channel runs a bounded pool
// of senders, batches stream recipients into their job queues.
type Dispatcher struct {
	rt     *runtime.Runtime
	store  *store.Store
	quotas *quota.Manager

	receiver *webhook.Receiver
	registry *templates.Registry

	templates map[string]*herald.Template
	bindings  *ingest.TemplateStore

	channels map[herald.ChannelType]*herald.Channel
	adapters map[herald.ChannelType]herald.ChannelAdapter
	foremen  map[herald.ChannelType]*Foreman

	mu      sync.Mutex
	batches map[string]*batch
	stopped bool

	events chan *Progress

	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher sending over the given channels with the given
// message templates. Column bindings learned from prior imports are persisted in the
// state directory.
func NewDispatcher(rt *runtime.Runtime, st *store.Store, quotas *quota.Manager, registry *templates.Registry, channels []*herald.Channel, tpls []*herald.Template) (*Dispatcher, error) {
	d := &Dispatcher{
		rt:        rt,
		store:     st,
		quotas:    quotas,
		registry:  registry,
		templates: make(map[string]*herald.Template, len(tpls)),
		channels:  make(map[herald.ChannelType]*herald.Channel, len(channels)),
		adapters:  make(map[herald.ChannelType]herald.ChannelAdapter, len(channels)),
		foremen:   make(map[herald.ChannelType]*Foreman, len(channels)),
		batches:   make(map[string]*batch),
		events:    make(chan *Progress, 256),
	}
	d.ctx, d.shutdown = context.WithCancel(context.Background())

	for _, ch := range channels {
		ct := ch.ChannelType()
		if _, found := d.channels[ct]; found {
			return nil, fmt.Errorf("more than one %s channel configured", ct)
		}
		adapter, err := herald.NewAdapter(ch)
		if err != nil {
			return nil, err
		}
		d.channels[ct] = ch
		d.adapters[ct] = adapter
	}

	for _, tpl := range tpls {
		d.templates[tpl.Name] = tpl
	}

	bindings, err := ingest.NewTemplateStore(filepath.Join(rt.Config.StateDir, "bindings.json"))
	if err != nil {
		return nil, err
	}
	d.bindings = bindings

	d.receiver = webhook.NewReceiver(rt, st)
	if registry != nil {
		d.receiver.OnTemplateEvent(func(ctx context.Context, event *webhook.TemplateEvent) {
			if _, err := registry.ApplyProviderEvent(event.Name, event.Language, event.Event, event.Reason); err != nil {
				slog.Error("error applying template event", "comp", "dispatcher", "template", event.Name, "error", err)
			}
		})
	}

	return d, nil
}

// Start starts a foreman for each channel and the retry loop, and kicks off channel
// connection tests in the background.
func (d *Dispatcher) Start() error {
	for ct, adapter := range d.adapters {
		f := NewForeman(d, adapter, d.rt.Config.MaxWorkers)
		d.foremen[ct] = f
		f.Start()
	}

	d.wg.Add(1)
	go d.retryLoop()

	d.wg.Add(1)
	go d.testConnections()

	slog.Info("dispatcher started", "comp", "dispatcher", "channels", len(d.adapters), "senders", d.rt.Config.MaxWorkers)
	return nil
}

// Stop cancels running batches and stops the foremen. Queued sends are abandoned,
// in-flight ones finish and record.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	running := make([]*batch, 0, len(d.batches))
	for _, b := range d.batches {
		running = append(running, b)
	}
	d.mu.Unlock()

	for _, b := range running {
		b.cancel()
	}
	d.shutdown()

	for _, f := range d.foremen {
		f.Stop()
	}
	d.wg.Wait()

	slog.Info("dispatcher stopped", "comp", "dispatcher")
	return nil
}

// Events returns the channel batch progress is emitted on. Slow consumers lose events
// rather than slowing sends.
func (d *Dispatcher) Events() <-chan *Progress {
	return d.events
}

func (d *Dispatcher) emit(p *Progress) {
	select {
	case d.events <- p:
	default:
	}
}

// ProcessWebhook verifies and applies a provider callback payload
func (d *Dispatcher) ProcessWebhook(ctx context.Context, payload []byte, signature string) (int, error) {
	return d.receiver.Process(ctx, payload, signature)
}

// VerifyWebhook answers the provider's subscription handshake
func (d *Dispatcher) VerifyWebhook(mode, verifyToken, challenge string) (string, error) {
	return d.receiver.VerifySubscription(mode, verifyToken, challenge)
}

// QuotaState returns the marshalled live state of all quota windows
func (d *Dispatcher) QuotaState(ctx context.Context) ([]byte, error) {
	state := struct {
		Quotas map[quota.Kind]*quota.WindowStatus `json:"quotas"`
		Stats  *quota.Statistics                  `json:"stats"`
	}{d.quotas.Status(), d.quotas.Statistics()}

	return json.Marshal(state)
}

// Health returns a string describing any health problems, empty when all is well
func (d *Dispatcher) Health() string {
	return d.store.Health()
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// testConnections checks each channel's service is reachable, failures are operator
// warnings not startup errors
func (d *Dispatcher) testConnections() {
	defer d.wg.Done()

	for ct, adapter := range d.adapters {
		clog := herald.NewChannelLog(herald.ChannelLogTypeConnectionTest, adapter.Channel(), adapter.RedactValues())

		ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.rt.Config.RequestTimeout)*time.Second)
		err := adapter.TestConnection(ctx, clog)
		cancel()

		clog.End()
		d.store.QueueLog(clog)

		if err != nil {
			slog.Warn("channel connection test failed", "comp", "dispatcher", "channel", ct, "error", err)
		} else {
			slog.Info("channel connection ok", "comp", "dispatcher", "channel", ct)
		}
	}
}

// batch returns the batch with the given UUID or nil
func (d *Dispatcher) batch(uuid string) *batch {
	if uuid == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches[uuid]
}

// recordTemplateUsage tallies a provider template send outcome into the registry
func (d *Dispatcher) recordTemplateUsage(msg *herald.Msg, success bool) {
	if !msg.IsTemplateSend() || d.registry == nil {
		return
	}
	if err := d.registry.RecordUsage(msg.WATemplateName, success); err != nil {
		slog.Debug("error recording template usage", "comp", "dispatcher", "template", msg.WATemplateName, "error", err)
	}
}

// models.SessionID and herald.SessionID are distinct int types, keep the conversion in
// one place
func sessionID(s *models.Session) herald.SessionID {
	if s == nil {
		return herald.NilSessionID
	}
	return herald.SessionID(s.ID())
}
