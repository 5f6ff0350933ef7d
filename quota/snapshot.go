package quota

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/heraldhq/herald/utils"
	"github.com/nyaruka/gocommon/jsonx"
)

// snapshot is the persisted form of all window state, written atomically on every
// state change and restored on startup
type snapshot struct {
	Timestamp time.Time                `json:"timestamp"`
	Quotas    map[Kind]*windowSnapshot `json:"quotas"`
}

type windowSnapshot struct {
	CurrentUsage      int         `json:"current_usage"`
	BurstUsage        int         `json:"burst_usage"`
	WindowStart       time.Time   `json:"window_start"`
	LastReset         time.Time   `json:"last_reset"`
	RequestTimestamps []time.Time `json:"request_timestamps"`
}

// snapshotLocked writes the current state to the snapshot file, temp file + rename so
// a crash can't leave a torn write. Failures are logged but never fatal.
func (m *Manager) snapshotLocked(now time.Time) {
	snap := &snapshot{Timestamp: now, Quotas: make(map[Kind]*windowSnapshot, len(m.windows))}
	for kind, w := range m.windows {
		ts := make([]time.Time, len(w.log))
		copy(ts, w.log)

		snap.Quotas[kind] = &windowSnapshot{
			CurrentUsage:      len(w.log),
			BurstUsage:        w.burstUsage,
			WindowStart:       w.windowStart,
			LastReset:         w.lastReset,
			RequestTimestamps: ts,
		}
	}

	if err := utils.WriteAtomic(m.path, jsonx.MustMarshal(snap)); err != nil {
		slog.Error("error writing quota snapshot", "comp", "quota", "path", m.path, "error", err)
	}
}

// restore loads the snapshot file if there is one, discarding timestamps that have
// already slid out of their window
func (m *Manager) restore() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	snap := &snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		slog.Error("quota snapshot unreadable, starting fresh", "comp", "quota", "path", m.path, "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	restored := 0

	for kind, ws := range snap.Quotas {
		w := m.windows[kind]
		if w == nil {
			continue
		}

		w.log = ws.RequestTimestamps
		w.lastReset = ws.LastReset
		w.expire(now)
		restored += len(w.log)
	}

	slog.Info("quota snapshot restored", "comp", "quota", "age", now.Sub(snap.Timestamp), "requests", restored)
	return nil
}
