package quota_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/heraldhq/herald/quota"
	"github.com/heraldhq/herald/runtime"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVK(t *testing.T) *redis.Pool {
	mr := miniredis.RunT(t)
	return &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
}

func testManager(t *testing.T, tweak func(*runtime.Config)) *quota.Manager {
	cfg := runtime.NewDefaultConfig()
	cfg.StateDir = t.TempDir()
	if tweak != nil {
		tweak(cfg)
	}
	return quota.NewManager(&runtime.Runtime{Config: cfg, VK: testVK(t)})
}

func TestAdmission(t *testing.T) {
	m := testManager(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 2
		cfg.QuotaMsgsPerMinuteBurst = 1
	})

	d := m.CanRequest(quota.KindMsgsPerMinute, false)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Current)
	assert.Equal(t, 2, d.Limit)

	m.RecordRequest(quota.KindMsgsPerMinute, false)
	m.RecordRequest(quota.KindMsgsPerMinute, false)

	// at the limit, non-burst is denied and told when to come back
	d = m.CanRequest(quota.KindMsgsPerMinute, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, "limit reached", d.Reason)
	assert.Equal(t, 2, d.Current)
	require.NotNil(t, d.NextAvailable)
	assert.InDelta(t, 60, d.WaitSeconds, 5)

	// but burst still admits while burst capacity remains
	d = m.CanRequest(quota.KindMsgsPerMinute, true)
	assert.True(t, d.Allowed)
	assert.True(t, d.Burst)

	m.RecordRequest(quota.KindMsgsPerMinute, true)

	d = m.CanRequest(quota.KindMsgsPerMinute, true)
	assert.False(t, d.Allowed)
	assert.Equal(t, "limit and burst capacity reached", d.Reason)
	assert.Equal(t, 1, d.BurstInUse)

	d = m.CanRequest(quota.Kind("bogus"), false)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no such quota", d.Reason)
}

func TestAcquireAll(t *testing.T) {
	m := testManager(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 2
		cfg.QuotaMsgsPerMinuteBurst = 0
	})

	d := m.AcquireAll(quota.MsgKinds, false)
	assert.True(t, d.Allowed)
	d = m.AcquireAll(quota.MsgKinds, false)
	assert.True(t, d.Allowed)

	d = m.AcquireAll(quota.MsgKinds, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.KindMsgsPerMinute, d.Kind)
	assert.True(t, d.WaitSeconds > 0)

	// the denied acquire didn't leak usage into the other windows
	status := m.Status()
	assert.Equal(t, 2, status[quota.KindMsgsPerMinute].Current)
	assert.Equal(t, 2, status[quota.KindMsgsPerHour].Current)
	assert.Equal(t, 2, status[quota.KindMsgsPerDay].Current)
	assert.Equal(t, 0, status[quota.KindCallsPerMinute].Current)
}

func TestAlerts(t *testing.T) {
	m := testManager(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 10
		cfg.QuotaMsgsPerMinuteBurst = 5
	})

	fired := []*quota.Alert{}
	m.OnAlert(func(a *quota.Alert) { fired = append(fired, a) })

	for i := 0; i < 7; i++ {
		m.RecordRequest(quota.KindMsgsPerMinute, false)
	}
	assert.Len(t, fired, 0)

	// 8/10 crosses the warn threshold
	m.RecordRequest(quota.KindMsgsPerMinute, false)
	require.Len(t, fired, 1)
	assert.Equal(t, quota.AlertWarning, fired[0].Level)
	assert.Equal(t, 8, fired[0].Current)

	// 9/10 is still warning, no repeat
	m.RecordRequest(quota.KindMsgsPerMinute, false)
	assert.Len(t, fired, 1)

	// 10/10 escalates to critical
	m.RecordRequest(quota.KindMsgsPerMinute, false)
	require.Len(t, fired, 2)
	assert.Equal(t, quota.AlertCritical, fired[1].Level)

	// burst admissions don't re-alert at the same level
	m.RecordRequest(quota.KindMsgsPerMinute, true)
	assert.Len(t, fired, 2)

	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, quota.AlertWarning, alerts[0].Level)
	assert.Equal(t, quota.AlertCritical, alerts[1].Level)

	stats := m.Statistics()
	assert.Equal(t, 11, stats.Kinds[quota.KindMsgsPerMinute].Admitted)
	assert.Equal(t, 1, stats.Kinds[quota.KindMsgsPerMinute].Burst)
	assert.Equal(t, 2, stats.Alerts)
}

func TestResetAndUpdate(t *testing.T) {
	m := testManager(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 1
		cfg.QuotaMsgsPerMinuteBurst = 0
	})

	m.RecordRequest(quota.KindMsgsPerMinute, false)
	assert.False(t, m.CanRequest(quota.KindMsgsPerMinute, false).Allowed)

	m.ResetQuota(quota.KindMsgsPerMinute)
	assert.True(t, m.CanRequest(quota.KindMsgsPerMinute, false).Allowed)

	m.UpdateConfig(quota.KindMsgsPerMinute, quota.Config{Limit: 5, Window: time.Minute, BurstCapacity: 0, WarnThreshold: 0.8, CritThreshold: 0.95})
	for i := 0; i < 5; i++ {
		d := m.Acquire(quota.KindMsgsPerMinute, false)
		assert.True(t, d.Allowed)
	}
	assert.False(t, m.CanRequest(quota.KindMsgsPerMinute, false).Allowed)
}

func TestSnapshot(t *testing.T) {
	cfg := runtime.NewDefaultConfig()
	cfg.StateDir = t.TempDir()
	rt := &runtime.Runtime{Config: cfg, VK: testVK(t)}

	m := quota.NewManager(rt)
	m.RecordRequest(quota.KindMsgsPerMinute, false)

	// every state change writes the snapshot file
	path := filepath.Join(cfg.StateDir, "quotas.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	snap := struct {
		Timestamp time.Time `json:"timestamp"`
		Quotas    map[string]struct {
			CurrentUsage      int         `json:"current_usage"`
			RequestTimestamps []time.Time `json:"request_timestamps"`
		} `json:"quotas"`
	}{}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 1, snap.Quotas["messages_per_minute"].CurrentUsage)
	assert.Len(t, snap.Quotas["messages_per_minute"].RequestTimestamps, 1)

	// restoring discards timestamps that have already slid out of their window
	stale := time.Now().Add(-2 * time.Minute)
	fresh := time.Now().Add(-2 * time.Second)
	require.NoError(t, os.WriteFile(path, jsonx.MustMarshal(map[string]any{
		"timestamp": time.Now(),
		"quotas": map[string]any{
			"messages_per_minute": map[string]any{
				"current_usage":      2,
				"burst_usage":        0,
				"window_start":       stale,
				"last_reset":         stale,
				"request_timestamps": []time.Time{stale, fresh},
			},
		},
	}), 0600))

	m2 := quota.NewManager(rt)
	require.NoError(t, m2.Start())
	defer m2.Stop()

	assert.Equal(t, 1, m2.Status()[quota.KindMsgsPerMinute].Current)
}

func TestQueue(t *testing.T) {
	m := testManager(t, nil)

	got := make(chan string, 3)
	m.OnQueued(func(kind quota.Kind, payload []byte) { got <- string(payload) })

	// queue before starting so ordering is by (priority, enqueue order), not timing
	require.NoError(t, m.QueueRequest(quota.KindCallsPerMinute, 0, []byte("first")))
	require.NoError(t, m.QueueRequest(quota.KindCallsPerMinute, 1, []byte("bulk")))
	require.NoError(t, m.QueueRequest(quota.KindCallsPerMinute, 0, []byte("second")))

	size, err := m.QueueSize(quota.KindCallsPerMinute)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	require.NoError(t, m.Start())
	defer m.Stop()

	order := []string{}
	for i := 0; i < 3; i++ {
		select {
		case p := <-got:
			order = append(order, p)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for queued request %d", i)
		}
	}
	assert.Equal(t, []string{"first", "second", "bulk"}, order)

	size, err = m.QueueSize(quota.KindCallsPerMinute)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}
