package templates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/runtime"
	"github.com/nyaruka/redisx"
)

// Poller periodically asks the provider for the review status of our submitted
// templates, so approvals and rejections land even if their webhooks are missed.
type Poller struct {
	rt       *runtime.Runtime
	registry *Registry
	fetcher  StatusFetcher
	interval time.Duration

	// last status we saw per template, so unchanged listings don't rewrite the registry
	seen *redisx.IntervalHash

	stopChan  chan bool
	waitGroup *sync.WaitGroup
}

// NewPoller creates a poller syncing the given registry through the given fetcher
func NewPoller(rt *runtime.Runtime, registry *Registry, fetcher StatusFetcher) *Poller {
	return &Poller{
		rt:        rt,
		registry:  registry,
		fetcher:   fetcher,
		interval:  time.Duration(rt.Config.TemplatePollMinutes) * time.Minute,
		seen:      redisx.NewIntervalHash("wa_templates", time.Hour*24, 2),
		stopChan:  make(chan bool),
		waitGroup: &sync.WaitGroup{},
	}
}

// Start begins polling in the background
func (p *Poller) Start() {
	p.waitGroup.Add(1)
	go p.loop()

	slog.Info("template poller started", "comp", "templates", "interval", p.interval)
}

// Stop stops polling and waits for an in-flight poll to finish
func (p *Poller) Stop() {
	close(p.stopChan)
	p.waitGroup.Wait()
}

func (p *Poller) loop() {
	defer p.waitGroup.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case <-time.After(p.interval):
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			changed, err := p.Poll(ctx)
			cancel()

			if err != nil {
				slog.Error("error polling template statuses", "comp", "templates", "error", err)
			} else if changed > 0 {
				slog.Info("template statuses updated", "comp", "templates", "count", changed)
			}
		}
	}
}

// Poll makes a single pass against the provider, applying any status changes to the
// registry and returning how many templates changed.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	clog := herald.NewChannelLog(herald.ChannelLogTypeTemplateSync, p.fetcher.Channel(), p.fetcher.RedactValues())

	statuses, err := p.fetcher.FetchTemplateStatuses(ctx, clog)
	if err != nil {
		return 0, fmt.Errorf("error fetching template statuses: %w", err)
	}

	rc := p.rt.VK.Get()
	defer rc.Close()

	fresh := make([]*ProviderStatus, 0, len(statuses))
	for _, ps := range statuses {
		if p.isFresh(rc, ps) {
			fresh = append(fresh, ps)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	changed, err := p.registry.SyncFromProvider(fresh)
	if err != nil {
		return 0, err
	}

	for _, ps := range fresh {
		if err := p.seen.Set(rc, ps.Name, statusKey(ps)); err != nil {
			slog.Error("error caching template status", "comp", "templates", "error", err)
		}
	}
	return changed, nil
}

// isFresh returns whether this status differs from what we last saw for the template
func (p *Poller) isFresh(rc redis.Conn, ps *ProviderStatus) bool {
	last, err := p.seen.Get(rc, ps.Name)
	if err != nil {
		slog.Error("error reading cached template status", "comp", "templates", "error", err)
		return true
	}
	return last != statusKey(ps)
}

func statusKey(ps *ProviderStatus) string {
	return fmt.Sprintf("%s|%s", ps.Status, ps.Reason)
}
