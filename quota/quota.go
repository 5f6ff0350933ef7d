package quota

import (
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/heraldhq/herald/runtime"
)

// how many alerts we keep in memory for the status API
const alertRingSize = 1000

// AlertLevel is the severity of a quota alert
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

var alertRank = map[AlertLevel]int{AlertNone: 0, AlertWarning: 1, AlertCritical: 2}

// Alert is raised when a window crosses its warn or crit threshold. Alerts don't repeat
// at the same level until the window drains below warn again.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Kind       Kind       `json:"kind"`
	Current    int        `json:"current"`
	Limit      int        `json:"limit"`
	Usage      float64    `json:"usage"`
	OccurredOn time.Time  `json:"occurred_on"`
}

// KindStats are the lifetime counters for one window
type KindStats struct {
	Admitted int `json:"admitted"`
	Burst    int `json:"burst"`
	Denied   int `json:"denied"`
}

// Statistics are the lifetime counters across all windows
type Statistics struct {
	Since  time.Time           `json:"since"`
	Kinds  map[Kind]*KindStats `json:"kinds"`
	Alerts int                 `json:"alerts"`
}

// Manager enforces the sliding window quotas every send and provider API call is
// admitted against. All windows share one mutex, usage survives restarts through the
// snapshot file, and a valkey backed priority queue lets callers defer work until
// budget frees up.
type Manager struct {
	rt *runtime.Runtime

	mu      sync.Mutex
	windows map[Kind]*window
	kinds   []Kind

	alerts      []*Alert
	alertsTotal int
	alertFn     func(*Alert)

	queueFn func(Kind, []byte)

	path  string
	since time.Time

	stopChan  chan bool
	waitGroup *sync.WaitGroup
}

// NewManager creates a quota manager with windows built from the passed in config
func NewManager(rt *runtime.Runtime) *Manager {
	now := time.Now()
	cfg := rt.Config

	m := &Manager{
		rt:        rt,
		windows:   make(map[Kind]*window),
		path:      path.Join(cfg.StateDir, "quotas.json"),
		since:     now,
		stopChan:  make(chan bool),
		waitGroup: &sync.WaitGroup{},
	}

	add := func(kind Kind, limit int, window time.Duration, burst int) {
		m.windows[kind] = newWindow(Config{
			Kind:          kind,
			Limit:         limit,
			Window:        window,
			BurstCapacity: burst,
			WarnThreshold: cfg.QuotaWarnThreshold,
			CritThreshold: cfg.QuotaCritThreshold,
		}, now)
		m.kinds = append(m.kinds, kind)
	}

	add(KindMsgsPerMinute, cfg.QuotaMsgsPerMinute, time.Minute, cfg.QuotaMsgsPerMinuteBurst)
	add(KindMsgsPerHour, cfg.QuotaMsgsPerHour, time.Hour, cfg.QuotaMsgsPerHourBurst)
	add(KindMsgsPerDay, cfg.QuotaMsgsPerDay, 24*time.Hour, cfg.QuotaMsgsPerDayBurst)
	add(KindCallsPerMinute, cfg.QuotaCallsPerMinute, time.Minute, cfg.QuotaCallsPerMinuteBurst)
	add(KindCallsPerHour, cfg.QuotaCallsPerHour, time.Hour, cfg.QuotaCallsPerHourBurst)

	return m
}

// Start restores the last snapshot and starts the queue processor
func (m *Manager) Start() error {
	if err := m.restore(); err != nil {
		return fmt.Errorf("error restoring quota snapshot: %w", err)
	}

	m.waitGroup.Add(1)
	go m.processQueues()

	slog.Info("quota manager started", "comp", "quota", "windows", len(m.windows), "snapshot", m.path)
	return nil
}

// Stop stops the queue processor and writes a final snapshot
func (m *Manager) Stop() {
	close(m.stopChan)
	m.waitGroup.Wait()

	m.mu.Lock()
	m.snapshotLocked(time.Now())
	m.mu.Unlock()

	slog.Info("quota manager stopped", "comp", "quota")
}

// OnAlert registers the callback alerts are delivered to
func (m *Manager) OnAlert(fn func(*Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertFn = fn
}

// CanRequest checks whether one more request would be admitted against the given
// window, without recording anything
func (m *Manager) CanRequest(kind Kind, allowBurst bool) *Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[kind]
	if w == nil {
		return &Decision{Kind: kind, Reason: "no such quota"}
	}

	d := w.check(time.Now(), allowBurst)
	if !d.Allowed {
		w.denied++
	}
	return d
}

// RecordRequest records an admitted request against the given window. Callers are
// expected to have checked admission first, Acquire does both in one step.
func (m *Manager) RecordRequest(kind Kind, usedBurst bool) {
	m.mu.Lock()
	w := m.windows[kind]
	if w == nil {
		m.mu.Unlock()
		slog.Warn("request recorded against unknown quota", "comp", "quota", "kind", kind)
		return
	}

	now := time.Now()
	w.expire(now)
	w.record(now, usedBurst)
	fire := m.checkAlertsLocked(w, now)
	fn := m.alertFn
	m.snapshotLocked(now)
	m.mu.Unlock()

	fireAlerts(fn, fire)
}

// Acquire checks and records in one atomic step, so concurrent callers can never
// admit more than limit + burst within a window
func (m *Manager) Acquire(kind Kind, allowBurst bool) *Decision {
	return m.AcquireAll([]Kind{kind}, allowBurst)
}

// AcquireAll admits one request against all the given windows or none of them. On
// denial the decision describes the first window that refused.
func (m *Manager) AcquireAll(kinds []Kind, allowBurst bool) *Decision {
	m.mu.Lock()

	now := time.Now()
	decisions := make([]*Decision, len(kinds))

	for i, kind := range kinds {
		w := m.windows[kind]
		if w == nil {
			m.mu.Unlock()
			return &Decision{Kind: kind, Reason: "no such quota"}
		}

		d := w.check(now, allowBurst)
		if !d.Allowed {
			w.denied++
			m.mu.Unlock()
			return d
		}
		decisions[i] = d
	}

	var fire []*Alert
	burst := false
	for i, kind := range kinds {
		w := m.windows[kind]
		w.record(now, decisions[i].Burst)
		burst = burst || decisions[i].Burst
		fire = append(fire, m.checkAlertsLocked(w, now)...)
	}
	fn := m.alertFn
	m.snapshotLocked(now)
	m.mu.Unlock()

	fireAlerts(fn, fire)

	d := decisions[0]
	d.Burst = burst
	return d
}

// ResetQuota clears the given window back to empty
func (m *Manager) ResetQuota(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[kind]
	if w == nil {
		return
	}

	now := time.Now()
	w.reset(now)
	m.snapshotLocked(now)

	slog.Info("quota reset", "comp", "quota", "kind", kind)
}

// UpdateConfig replaces the configuration of the given window, keeping its usage. New
// kinds are added.
func (m *Manager) UpdateConfig(kind Kind, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cfg.Kind = kind

	w := m.windows[kind]
	if w == nil {
		m.windows[kind] = newWindow(cfg, now)
		m.kinds = append(m.kinds, kind)
	} else {
		w.cfg = cfg
		w.expire(now)
	}
	m.snapshotLocked(now)

	slog.Info("quota config updated", "comp", "quota", "kind", kind, "limit", cfg.Limit, "burst", cfg.BurstCapacity)
}

// Status returns the live usage of every window
func (m *Manager) Status() map[Kind]*WindowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	status := make(map[Kind]*WindowStatus, len(m.windows))
	for kind, w := range m.windows {
		status[kind] = w.status(now)
	}
	return status
}

// Statistics returns the lifetime counters of every window
func (m *Manager) Statistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Statistics{Since: m.since, Kinds: make(map[Kind]*KindStats, len(m.windows)), Alerts: m.alertsTotal}
	for kind, w := range m.windows {
		stats.Kinds[kind] = &KindStats{Admitted: w.admitted, Burst: w.bursts, Denied: w.denied}
	}
	return stats
}

// Alerts returns the retained alerts, most recent last
func (m *Manager) Alerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*Alert, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}

// checkAlertsLocked returns the alerts the window's current usage calls for, having
// added them to the ring. Callbacks are invoked by the caller after unlocking.
func (m *Manager) checkAlertsLocked(w *window, now time.Time) []*Alert {
	if w.cfg.Limit <= 0 {
		return nil
	}

	usage := w.usage()
	level := AlertNone
	if usage >= w.cfg.CritThreshold {
		level = AlertCritical
	} else if usage >= w.cfg.WarnThreshold {
		level = AlertWarning
	}

	if level == AlertNone || alertRank[level] <= alertRank[w.alerted] {
		return nil
	}
	w.alerted = level

	alert := &Alert{Level: level, Kind: w.cfg.Kind, Current: len(w.log), Limit: w.cfg.Limit, Usage: usage, OccurredOn: now}
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertRingSize {
		m.alerts = m.alerts[len(m.alerts)-alertRingSize:]
	}
	m.alertsTotal++

	return []*Alert{alert}
}

func fireAlerts(fn func(*Alert), alerts []*Alert) {
	for _, a := range alerts {
		slog.Warn("quota alert", "comp", "quota", "level", a.Level, "kind", a.Kind, "current", a.Current, "limit", a.Limit)
		if fn != nil {
			fn(a)
		}
	}
}
