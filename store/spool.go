package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// how often we check the spool for files to flush
const spoolFlushInterval = 30 * time.Second

// a flusher is handed a filename and byte blob and is expected to try to write that to
// the database, returning an error if the database is still down
type fileFlusher func(filename string, contents []byte) error

// spool is our disk fallback for when the database is unavailable. Failed writes land
// here as JSON files and a background task retries them until they flush.
type spool struct {
	dir     string
	flusher fileFlusher
	stopped bool
}

func newSpool(dir string, flusher fileFlusher) *spool {
	return &spool{dir: dir, flusher: flusher}
}

// start checks our directories are writable and starts the flush task
func (s *spool) start(stopChan chan bool, wg *sync.WaitGroup) error {
	recordsDir := path.Join(s.dir, "records")
	if _, err := os.Stat(recordsDir); os.IsNotExist(err) {
		if err := os.MkdirAll(recordsDir, 0770); err != nil {
			return fmt.Errorf("error creating spool dir: %w", err)
		}
	}

	// test writability up front rather than finding out during an outage
	testFile := path.Join(recordsDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0640); err != nil {
		return fmt.Errorf("spool dir not writable: %w", err)
	}
	os.Remove(testFile)

	wg.Add(1)
	go func() {
		defer wg.Done()

		log := slog.With("comp", "spool")
		log.Info("flush task started", "dir", s.dir)

		walker := s.newWalker(recordsDir)

		for {
			select {
			case <-stopChan:
				s.stopped = true
				log.Info("flush task stopped")
				return

			case <-time.After(spoolFlushInterval):
				filepath.Walk(recordsDir, walker)
			}
		}
	}()

	return nil
}

// write writes the passed in object to the passed in subdir
func (s *spool) write(subdir string, contents any) error {
	contentBytes, err := json.Marshal(contents)
	if err != nil {
		return err
	}

	filename := path.Join(s.dir, subdir, fmt.Sprintf("%d.json", time.Now().UnixNano()))
	return os.WriteFile(filename, contentBytes, 0640)
}

// creates a walker which tries to flush every json file it finds
func (s *spool) newWalker(dir string) filepath.WalkFunc {
	return func(filename string, info os.FileInfo, err error) error {
		if err != nil || filename == dir {
			return nil
		}

		// we've been stopped, exit
		if s.stopped {
			return fmt.Errorf("spool flush task stopped")
		}

		// we don't care about subdirectories
		if info.IsDir() {
			return filepath.SkipDir
		}

		// ignore non-json files
		if !strings.HasSuffix(filename, ".json") {
			return nil
		}

		contents, err := os.ReadFile(filename)
		if err != nil {
			slog.Error("error reading spool file", "comp", "spool", "file", filename, "error", err)
			return nil
		}

		if err := s.flusher(filename, contents); err != nil {
			slog.Error("error flushing spool file", "comp", "spool", "file", filename, "error", err)
			return err
		}

		slog.Info("flushed spool file", "comp", "spool", "file", filename)

		// flushed, remove our file if it is still present
		if _, e := os.Stat(filename); e == nil {
			return os.Remove(filename)
		}
		return nil
	}
}
