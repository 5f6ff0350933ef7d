package store

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/heraldhq/herald/core/models"
	"github.com/heraldhq/herald/runtime"
	lru "github.com/hashicorp/golang-lru/v2"
)

//go:embed schema.sql
var schema string

// number of recently touched records kept in memory for read locality
const recordCacheSize = 1000

// how often the retention sweeper runs
const sweepInterval = time.Hour

// Store is our delivery store, a Postgres backed persistence layer for delivery records
// and sessions fronted by an LRU of recently touched records. Writes that fail because
// the database is down are spooled to disk and flushed later.
type Store struct {
	rt *runtime.Runtime

	records *lru.Cache[string, *models.DeliveryRecord]
	extIDs  *lru.Cache[string, string]
	locks   shardedMutex

	spool       *spool
	logWriter   *logWriter
	stLogWriter *storageLogWriter

	stopChan  chan bool
	waitGroup *sync.WaitGroup
}

// New creates a new store for the given runtime
func New(rt *runtime.Runtime) *Store {
	records, _ := lru.New[string, *models.DeliveryRecord](recordCacheSize)
	extIDs, _ := lru.New[string, string](recordCacheSize)

	s := &Store{
		rt:        rt,
		records:   records,
		extIDs:    extIDs,
		stopChan:  make(chan bool),
		waitGroup: &sync.WaitGroup{},
	}
	s.spool = newSpool(rt.Config.SpoolDir, s.flushSpooledRecord)
	s.logWriter = newLogWriter(rt, s.waitGroup)
	if rt.S3 != nil && rt.Config.S3LogsBucket != "" {
		s.stLogWriter = newStorageLogWriter(rt.S3, rt.Config.S3LogsBucket, s.waitGroup)
	}
	return s
}

// Start ensures our schema is in place and starts our background tasks
func (s *Store) Start() error {
	log := slog.With("comp", "store")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := s.rt.DB.PingContext(ctx); err != nil {
		log.Error("db not reachable", "error", err)
	} else {
		log.Info("db ok")
	}

	if _, err := s.rt.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error ensuring schema: %w", err)
	}

	if err := s.spool.start(s.stopChan, s.waitGroup); err != nil {
		return fmt.Errorf("error starting spool: %w", err)
	}

	s.logWriter.Start()
	if s.stLogWriter != nil {
		s.stLogWriter.Start()
	}

	s.waitGroup.Add(1)
	go s.sweepLoop()

	log.Info("store started", "spool_dir", s.rt.Config.SpoolDir, "retention_days", s.rt.Config.RetentionDays)
	return nil
}

// Stop stops our background tasks and waits for them to exit
func (s *Store) Stop() {
	close(s.stopChan)
	s.logWriter.Stop()
	if s.stLogWriter != nil {
		s.stLogWriter.Stop()
	}
	s.waitGroup.Wait()

	slog.Info("store stopped", "comp", "store")
}

// Health returns a string describing any health problems, empty when all good
func (s *Store) Health() string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	health := ""

	if err := s.rt.DB.PingContext(ctx); err != nil {
		health += fmt.Sprintf("\n% 16s: %v", "db err", err)
	}

	rc := s.rt.VK.Get()
	defer rc.Close()
	if _, err := rc.Do("PING"); err != nil {
		health += fmt.Sprintf("\n% 16s: %v", "valkey err", err)
	}

	return health
}

// runs the retention sweep on a timer until stopped
func (s *Store) sweepLoop() {
	defer s.waitGroup.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-time.After(sweepInterval):
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			count, err := s.SweepRetention(ctx)
			cancel()

			if err != nil {
				slog.Error("error sweeping expired records", "comp", "store", "error", err)
			} else if count > 0 {
				slog.Info("swept expired records", "comp", "store", "count", count)
			}
		}
	}
}

// mutations to one record are serialized by a sharded lock keyed on its UUID
type shardedMutex struct {
	shards [64]sync.Mutex
}

func (m *shardedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &m.shards[h.Sum32()%uint32(len(m.shards))]
	mu.Lock()
	return mu
}
