// Package archive periodically exports closed presence sessions as JSONL
// to a destination such as an S3 bucket, so session history can leave the
// hot store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

// Destination is a sink for one exported batch (S3 or similar).
type Destination interface {
	// Write stores the JSONL payload under the given object key.
	Write(ctx context.Context, key string, data []byte) error
}

// header is the first JSONL record of every export.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Since        time.Time `json:"since"`
	SessionCount int       `json:"session_count"`
}

// record wraps a session line with a type discriminator.
type record struct {
	Type string         `json:"type"`
	Data *model.Session `json:"data"`
}

// ExportJSONL writes every session closed at or after since to w, header
// first, oldest disconnect first. It returns the number of sessions written.
func ExportJSONL(ctx context.Context, s store.SessionStore, since time.Time, w io.Writer) (int, error) {
	sessions, err := s.ClosedSessions(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list closed sessions: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    time.Now().UTC(),
		Since:        since.UTC(),
		SessionCount: len(sessions),
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	for _, session := range sessions {
		if err := enc.Encode(record{Type: "session", Data: session}); err != nil {
			return 0, fmt.Errorf("encode session %s: %w", session.ID, err)
		}
	}
	return len(sessions), nil
}

// Scheduler exports closed sessions to one or more destinations at a fixed
// interval. Each run picks up where the last successful one left off.
type Scheduler struct {
	store        store.SessionStore
	destinations []Destination
	interval     time.Duration
	prefix       string
	logger       *slog.Logger

	mu        sync.Mutex
	watermark time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler creates a scheduler. prefix is prepended to every object
// key. The first run exports sessions closed after the scheduler started.
func NewScheduler(s store.SessionStore, destinations []Destination, interval time.Duration, prefix string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		prefix:       prefix,
		logger:       logger,
		now:          time.Now,
	}
}

// Start begins the export loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.watermark = s.now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info("archive: scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight export to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exportOnce(ctx)
		}
	}
}

// exportOnce exports one batch. The watermark only advances when every
// destination accepted the batch, so a failed upload is retried with the
// next run rather than lost.
func (s *Scheduler) exportOnce(ctx context.Context) {
	s.mu.Lock()
	since := s.watermark
	s.mu.Unlock()

	now := s.now()

	var buf bytes.Buffer
	count, err := ExportJSONL(ctx, s.store, since, &buf)
	if err != nil {
		s.logger.Error("archive: export failed", "error", err)
		return
	}
	if count == 0 {
		s.mu.Lock()
		s.watermark = now
		s.mu.Unlock()
		return
	}

	key := s.objectKey(now)
	ok := true
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, key, buf.Bytes()); err != nil {
			s.logger.Error("archive: destination write failed",
				"destination", i, "key", key, "error", err)
			ok = false
		}
	}
	if !ok {
		return
	}

	s.mu.Lock()
	s.watermark = now
	s.mu.Unlock()
	s.logger.Info("archive: batch exported",
		"key", key, "sessions", count, "bytes", buf.Len())
}

func (s *Scheduler) objectKey(at time.Time) string {
	return fmt.Sprintf("%ssessions-%s.jsonl", s.prefix, at.UTC().Format("20060102T150405Z"))
}
