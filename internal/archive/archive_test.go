package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

func closeSession(t *testing.T, mem *store.Memory, id, userID, documentID string, connected, disconnected time.Time) {
	t.Helper()
	ctx := context.Background()
	err := mem.CreateSession(ctx, &model.Session{
		ID:            id,
		UserID:        userID,
		DocumentID:    documentID,
		ConnectedAt:   connected,
		LastHeartbeat: connected,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := mem.CloseSession(ctx, id, disconnected); err != nil {
		t.Fatalf("close session: %v", err)
	}
}

func TestExportJSONL_Empty(t *testing.T) {
	mem := store.NewMemory()

	var buf bytes.Buffer
	count, err := ExportJSONL(context.Background(), mem, time.Now().Add(-time.Hour), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}
	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.SessionCount != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestExportJSONL_OrderedSinceWatermark(t *testing.T) {
	mem := store.NewMemory()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Closed before the watermark, must not appear.
	closeSession(t, mem, "cn-old", "carol", "doc-1", base.Add(-2*time.Hour), base.Add(-time.Hour))
	// Inserted out of disconnect order to verify sorting.
	closeSession(t, mem, "cn-b", "bob", "doc-1", base, base.Add(20*time.Minute))
	closeSession(t, mem, "cn-a", "alice", "doc-1", base, base.Add(10*time.Minute))

	var buf bytes.Buffer
	count, err := ExportJSONL(context.Background(), mem, base, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}

	var ids []string
	for _, line := range lines[1:] {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if rec.Type != "session" {
			t.Fatalf("record type = %q", rec.Type)
		}
		ids = append(ids, rec.Data.ID)
	}
	if ids[0] != "cn-a" || ids[1] != "cn-b" {
		t.Fatalf("sessions not ordered by disconnect time: %v", ids)
	}
}

// fakeDestination records writes and can be told to fail.
type fakeDestination struct {
	mu     sync.Mutex
	writes []struct {
		key  string
		data []byte
	}
	fail bool
}

func (d *fakeDestination) Write(_ context.Context, key string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return context.DeadlineExceeded
	}
	copied := append([]byte(nil), data...)
	d.writes = append(d.writes, struct {
		key  string
		data []byte
	}{key, copied})
	return nil
}

func (d *fakeDestination) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *fakeDestination) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func TestScheduler_ExportsAndAdvancesWatermark(t *testing.T) {
	mem := store.NewMemory()
	dest := &fakeDestination{}
	s := NewScheduler(mem, []Destination{dest}, time.Hour, "archive/", nil)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }
	s.watermark = base

	closeSession(t, mem, "cn-1", "alice", "doc-1", base, base.Add(time.Minute))
	clock = base.Add(5 * time.Minute)
	s.exportOnce(context.Background())

	if dest.count() != 1 {
		t.Fatalf("destination writes = %d, want 1", dest.count())
	}
	wantKey := "archive/sessions-20260830T120500Z.jsonl"
	if dest.writes[0].key != wantKey {
		t.Errorf("key = %q, want %q", dest.writes[0].key, wantKey)
	}

	// The next run must not re-export the same session.
	clock = base.Add(10 * time.Minute)
	s.exportOnce(context.Background())
	if dest.count() != 1 {
		t.Fatalf("session re-exported: writes = %d", dest.count())
	}
}

func TestScheduler_FailedWriteRetriesBatch(t *testing.T) {
	mem := store.NewMemory()
	dest := &fakeDestination{}
	s := NewScheduler(mem, []Destination{dest}, time.Hour, "", nil)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }
	s.watermark = base

	closeSession(t, mem, "cn-1", "alice", "doc-1", base, base.Add(time.Minute))

	dest.setFail(true)
	clock = base.Add(5 * time.Minute)
	s.exportOnce(context.Background())
	if dest.count() != 0 {
		t.Fatalf("failed write recorded: %d", dest.count())
	}

	// Watermark did not advance; the session shows up in the next run.
	dest.setFail(false)
	clock = base.Add(10 * time.Minute)
	s.exportOnce(context.Background())
	if dest.count() != 1 {
		t.Fatalf("batch not retried: writes = %d", dest.count())
	}

	var ids []string
	for _, line := range nonEmptyLines(string(dest.writes[0].data))[1:] {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		ids = append(ids, rec.Data.ID)
	}
	if len(ids) != 1 || ids[0] != "cn-1" {
		t.Fatalf("retried batch sessions = %v", ids)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	dest := &fakeDestination{}
	s := NewScheduler(mem, []Destination{dest}, 10*time.Millisecond, "", nil)

	closeSession(t, mem, "cn-1", "alice", "doc-1", time.Now().Add(-time.Minute), time.Now())
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	// Sessions closed before Start are outside the first watermark.
	if dest.count() != 0 {
		t.Errorf("pre-start session exported: writes = %d", dest.count())
	}
}

func nonEmptyLines(s string) []string {
	var result []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result
}
