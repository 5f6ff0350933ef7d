package quota

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// longest the queue processor sleeps when there's nothing admissible
const maxQueueWait = time.Second

//go:embed lua/push.lua
var luaPush string
var scriptPush = redis.NewScript(2, luaPush)

//go:embed lua/pop.lua
var luaPop string
var scriptPop = redis.NewScript(1, luaPop)

func queueKey(kind Kind) string { return fmt.Sprintf("quota:queue:%s", kind) }
func seqKey(kind Kind) string   { return fmt.Sprintf("quota:queue:%s:seq", kind) }

// OnQueued registers the consumer queued requests are handed to once admitted
func (m *Manager) OnQueued(fn func(Kind, []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueFn = fn
}

// QueueRequest enqueues a request for asynchronous dispatch once the given window has
// budget. Lower priorities dispatch first, ties dispatch in enqueue order.
func (m *Manager) QueueRequest(kind Kind, priority int, payload []byte) error {
	rc := m.rt.VK.Get()
	defer rc.Close()

	_, err := scriptPush.Do(rc, queueKey(kind), seqKey(kind), priority, payload)
	if err != nil {
		return fmt.Errorf("error queueing request for %s: %w", kind, err)
	}
	return nil
}

// QueueSize returns how many requests are waiting on the given window
func (m *Manager) QueueSize(kind Kind) (int, error) {
	rc := m.rt.VK.Get()
	defer rc.Close()

	return redis.Int(rc.Do("ZCARD", queueKey(kind)))
}

// processQueues drains the queues as budget allows, sleeping until the next window
// opens when everything pending is denied
func (m *Manager) processQueues() {
	defer m.waitGroup.Done()

	log := slog.With("comp", "quota")
	log.Info("queue processor started")

	for {
		select {
		case <-m.stopChan:
			log.Info("queue processor stopped")
			return
		default:
		}

		processed, wait := m.processNext(log)
		if processed {
			continue
		}

		select {
		case <-m.stopChan:
			log.Info("queue processor stopped")
			return
		case <-time.After(wait):
		}
	}
}

// processNext dispatches the next admissible queued request, returning how long to
// wait before trying again when there isn't one. Requests popped but denied go back
// at their original position.
func (m *Manager) processNext(log *slog.Logger) (bool, time.Duration) {
	rc := m.rt.VK.Get()
	defer rc.Close()

	wait := maxQueueWait

	for _, kind := range m.kinds {
		values, err := redis.Strings(scriptPop.Do(rc, queueKey(kind)))
		if err != nil {
			log.Error("error popping from queue", "kind", kind, "error", err)
			return false, maxQueueWait
		}
		if len(values) == 0 {
			continue
		}
		member, score := values[0], values[1]

		d := m.Acquire(kind, false)
		if !d.Allowed {
			if _, err := rc.Do("ZADD", queueKey(kind), score, member); err != nil {
				log.Error("error requeueing request", "kind", kind, "error", err)
			}
			if w := time.Duration(d.WaitSeconds * float64(time.Second)); w > 0 && w < wait {
				wait = w
			}
			continue
		}

		// members are seq|payload, see push.lua
		payload := member
		if i := strings.IndexByte(payload, '|'); i >= 0 {
			payload = payload[i+1:]
		}

		m.mu.Lock()
		fn := m.queueFn
		m.mu.Unlock()
		if fn != nil {
			fn(kind, []byte(payload))
		}
		return true, 0
	}

	return false, wait
}
