package quota

import (
	"time"
)

// Kind names one quota window, e.g. messages per minute
type Kind string

const (
	KindMsgsPerMinute  Kind = "messages_per_minute"
	KindMsgsPerHour    Kind = "messages_per_hour"
	KindMsgsPerDay     Kind = "messages_per_day"
	KindCallsPerMinute Kind = "api_calls_per_minute"
	KindCallsPerHour   Kind = "api_calls_per_hour"
)

// MsgKinds are the windows a message send counts against
var MsgKinds = []Kind{KindMsgsPerMinute, KindMsgsPerHour, KindMsgsPerDay}

// CallKinds are the windows a provider API call counts against
var CallKinds = []Kind{KindCallsPerMinute, KindCallsPerHour}

// Config is the static configuration of one quota window
type Config struct {
	Kind          Kind          `json:"kind"`
	Limit         int           `json:"limit"`
	Window        time.Duration `json:"window"`
	BurstCapacity int           `json:"burst_capacity"`
	WarnThreshold float64       `json:"warn_threshold"`
	CritThreshold float64       `json:"crit_threshold"`
}

// Decision is the result of an admission check against one window
type Decision struct {
	Allowed       bool       `json:"allowed"`
	Burst         bool       `json:"burst,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Kind          Kind       `json:"kind"`
	Current       int        `json:"current"`
	Limit         int        `json:"limit"`
	BurstInUse    int        `json:"burst_in_use"`
	NextAvailable *time.Time `json:"next_available,omitempty"`
	WaitSeconds   float64    `json:"wait_seconds,omitempty"`
}

// WindowStatus is the live usage of one window as reported by Status
type WindowStatus struct {
	Kind          Kind       `json:"kind"`
	Limit         int        `json:"limit"`
	WindowSeconds int        `json:"window_seconds"`
	BurstCapacity int        `json:"burst_capacity"`
	Current       int        `json:"current"`
	BurstInUse    int        `json:"burst_in_use"`
	Usage         float64    `json:"usage"`
	NextAvailable *time.Time `json:"next_available,omitempty"`
}

// window is one sliding timestamp log and its counters, only ever touched under the
// manager's mutex
type window struct {
	cfg Config

	log         []time.Time
	burstUsage  int
	windowStart time.Time
	lastReset   time.Time

	// highest alert level emitted since the window last dropped below warn
	alerted AlertLevel

	admitted int
	denied   int
	bursts   int
}

func newWindow(cfg Config, now time.Time) *window {
	return &window{cfg: cfg, windowStart: now, lastReset: now}
}

// expire drops timestamps that have slid out of the window and recomputes the
// derived counters
func (w *window) expire(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	for len(w.log) > 0 && w.log[0].Before(cutoff) {
		w.log = w.log[1:]
	}

	if len(w.log) > 0 {
		w.windowStart = w.log[0]
	} else {
		w.windowStart = now
	}

	w.burstUsage = w.burstInUse()
	if w.cfg.Limit > 0 && w.usage() < w.cfg.WarnThreshold {
		w.alerted = AlertNone
	}
}

func (w *window) burstInUse() int {
	if over := len(w.log) - w.cfg.Limit; over > 0 {
		return over
	}
	return 0
}

func (w *window) usage() float64 {
	if w.cfg.Limit <= 0 {
		return 1
	}
	return float64(len(w.log)) / float64(w.cfg.Limit)
}

// nextAvailable is when the oldest admission slides out of the window, i.e. the
// earliest a denied request could be admitted
func (w *window) nextAvailable(now time.Time) time.Time {
	if len(w.log) == 0 {
		return now.Add(w.cfg.Window)
	}
	return w.log[0].Add(w.cfg.Window)
}

// check is the admission decision for one more request, without recording it
func (w *window) check(now time.Time, allowBurst bool) *Decision {
	w.expire(now)

	d := &Decision{
		Kind:       w.cfg.Kind,
		Current:    len(w.log),
		Limit:      w.cfg.Limit,
		BurstInUse: w.burstUsage,
	}

	if len(w.log) < w.cfg.Limit {
		d.Allowed = true
		return d
	}

	if allowBurst && len(w.log) < w.cfg.Limit+w.cfg.BurstCapacity {
		d.Allowed = true
		d.Burst = true
		return d
	}

	next := w.nextAvailable(now)
	d.NextAvailable = &next
	d.WaitSeconds = next.Sub(now).Seconds()
	if d.WaitSeconds < 0 {
		d.WaitSeconds = 0
	}

	if allowBurst && w.cfg.BurstCapacity > 0 {
		d.Reason = "limit and burst capacity reached"
	} else {
		d.Reason = "limit reached"
	}
	return d
}

// record appends one admission to the log
func (w *window) record(now time.Time, usedBurst bool) {
	w.log = append(w.log, now)
	w.admitted++
	if usedBurst {
		w.bursts++
	}
	w.burstUsage = w.burstInUse()
	if len(w.log) == 1 {
		w.windowStart = now
	}
}

// reset clears the window back to empty
func (w *window) reset(now time.Time) {
	w.log = nil
	w.burstUsage = 0
	w.windowStart = now
	w.lastReset = now
	w.alerted = AlertNone
}

func (w *window) status(now time.Time) *WindowStatus {
	w.expire(now)

	s := &WindowStatus{
		Kind:          w.cfg.Kind,
		Limit:         w.cfg.Limit,
		WindowSeconds: int(w.cfg.Window / time.Second),
		BurstCapacity: w.cfg.BurstCapacity,
		Current:       len(w.log),
		BurstInUse:    w.burstUsage,
		Usage:         w.usage(),
	}
	if len(w.log) >= w.cfg.Limit {
		next := w.nextAvailable(now)
		s.NextAvailable = &next
	}
	return s
}
