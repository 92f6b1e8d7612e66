package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

// fakeSender records delivered frames and can be told to fail.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *fakeSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) envelopes(t *testing.T) []*model.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var envs []*model.Envelope
	for _, f := range s.frames {
		env, err := model.ParseEnvelope(f)
		if err != nil {
			t.Fatalf("delivered frame is not an envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type published struct {
	documentID string
	origin     string
	env        *model.Envelope
}

type publishRecorder struct {
	mu  sync.Mutex
	all []published
}

func (p *publishRecorder) publish(_ context.Context, documentID, origin string, env *model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all = append(p.all, published{documentID, origin, env})
	return nil
}

func (p *publishRecorder) byType(typ model.MessageType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, pub := range p.all {
		if pub.env.Type == typ {
			out = append(out, pub)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *store.Memory, *publishRecorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &publishRecorder{}
	r := New(cfg, mem, rec.publish, nil)
	return r, mem, rec
}

func presenceAction(t *testing.T, env *model.Envelope) string {
	t.Helper()
	var p model.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	return p.Action
}

func TestRegister_EmitsJoin(t *testing.T) {
	r, mem, rec := newTestRegistry(t, Config{})
	ctx := context.Background()

	first := &fakeSender{}
	if _, err := r.Register(ctx, first, "alice", "doc-1"); err != nil {
		t.Fatalf("register alice: %v", err)
	}

	second := &fakeSender{}
	id2, err := r.Register(ctx, second, "bob", "doc-1")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	// Alice sees bob's join; bob does not see his own.
	envs := first.envelopes(t)
	if len(envs) != 1 || envs[0].Type != model.TypePresence || presenceAction(t, envs[0]) != "join" {
		t.Fatalf("alice received %+v, want one presence join", envs)
	}
	if len(second.envelopes(t)) != 0 {
		t.Error("bob should not receive his own join")
	}

	// Joins go to the bridge too, tagged with the origin connection.
	joins := rec.byType(model.TypePresence)
	if len(joins) != 2 {
		t.Fatalf("published %d presence envelopes, want 2", len(joins))
	}
	if joins[1].origin != id2 {
		t.Errorf("bob's join origin = %q, want %q", joins[1].origin, id2)
	}

	// Presence records exist for both.
	users, err := mem.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("active users = %v", users)
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	r, mem, rec := newTestRegistry(t, Config{})
	ctx := context.Background()

	peer := &fakeSender{}
	if _, err := r.Register(ctx, peer, "alice", "doc-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	s := &fakeSender{}
	id, err := r.Register(ctx, s, "bob", "doc-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Deregister(ctx, id)
	r.Deregister(ctx, id) // second call is a no-op

	if !s.isClosed() {
		t.Error("sender should be closed on deregister")
	}

	var leaves int
	for _, env := range peer.envelopes(t) {
		if env.Type == model.TypePresence && presenceAction(t, env) == "leave" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("peer observed %d leave envelopes, want exactly 1", leaves)
	}

	users, _ := mem.ActiveUsers(ctx, "doc-1")
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("active users after deregister = %v", users)
	}

	// Exactly one leave published despite the double deregister.
	var published int
	for _, p := range rec.byType(model.TypePresence) {
		if presenceAction(t, p.env) == "leave" {
			published++
		}
	}
	if published != 1 {
		t.Errorf("published %d leave envelopes, want 1", published)
	}
}

func TestDeliverLocal_ExcludesOriginAndIsolatesFailures(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	idA, _ := r.Register(ctx, a, "alice", "doc-1")
	if _, err := r.Register(ctx, b, "bob", "doc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ctx, c, "carol", "doc-1"); err != nil {
		t.Fatal(err)
	}
	other := &fakeSender{}
	if _, err := r.Register(ctx, other, "dave", "doc-2"); err != nil {
		t.Fatal(err)
	}

	// Bob's socket is dead; delivery to carol must still succeed.
	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()

	before := len(c.envelopes(t))
	env := &model.Envelope{Type: model.TypeCursor, DocumentID: "doc-1", UserID: "alice",
		Payload: json.RawMessage(`{"x":1}`), Timestamp: 1}
	r.DeliverLocal("doc-1", env, idA)

	if got := len(a.envelopes(t)); got != 2 { // joins of bob and carol only
		t.Errorf("origin received %d envelopes, want its 2 join notifications only", got)
	}
	envs := c.envelopes(t)
	if len(envs) != before+1 || envs[len(envs)-1].Type != model.TypeCursor {
		t.Errorf("carol did not receive the cursor envelope: %+v", envs)
	}
	for _, env := range other.envelopes(t) {
		if env.DocumentID == "doc-1" {
			t.Error("doc-2 connection received a doc-1 envelope")
		}
	}
}

func TestTouchHeartbeat_BoundedWriteThrough(t *testing.T) {
	r, mem, _ := newTestRegistry(t, Config{PersistEvery: 3})
	ctx := context.Background()

	base := time.Now()
	step := 0
	r.now = func() time.Time { return base.Add(time.Duration(step) * time.Second) }

	id, err := r.Register(ctx, &fakeSender{}, "alice", "doc-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two touches: below the write-through rate, store not updated yet.
	step = 1
	r.TouchHeartbeat(ctx, id)
	step = 2
	r.TouchHeartbeat(ctx, id)

	r.mu.RLock()
	c := r.conns[id]
	r.mu.RUnlock()
	if got := c.heartbeatAt(); !got.Equal(base.Add(2 * time.Second)) {
		t.Errorf("in-memory heartbeat = %v, want always current", got)
	}

	// Third touch crosses the rate and writes through.
	step = 3
	r.TouchHeartbeat(ctx, id)

	r.Deregister(ctx, id)
	closed, _ := mem.ClosedSessions(ctx, time.Time{})
	if len(closed) != 1 {
		t.Fatalf("closed sessions = %d", len(closed))
	}
	if !closed[0].LastHeartbeat.Equal(base.Add(3 * time.Second)) {
		t.Errorf("persisted heartbeat = %v, want the 3rd touch", closed[0].LastHeartbeat)
	}
}

func TestSweep_EvictsSilentConnections(t *testing.T) {
	cfg := Config{HeartbeatInterval: 10 * time.Second, HeartbeatGrace: 5 * time.Second}
	r, _, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }

	live := &fakeSender{}
	liveID, _ := r.Register(ctx, live, "alice", "doc-1")
	silent := &fakeSender{}
	if _, err := r.Register(ctx, silent, "bob", "doc-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Time passes; alice keeps heartbeating, bob goes silent.
	r.now = func() time.Time { return base.Add(14 * time.Second) }
	r.TouchHeartbeat(ctx, liveID)

	r.now = func() time.Time { return base.Add(16 * time.Second) }
	r.Sweep(ctx)

	if r.Len() != 1 {
		t.Fatalf("connections after sweep = %d, want 1", r.Len())
	}
	if !silent.isClosed() {
		t.Error("silent connection's socket should be closed")
	}

	var leaves int
	for _, env := range live.envelopes(t) {
		if env.Type == model.TypePresence && presenceAction(t, env) == "leave" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("observed %d leave envelopes after eviction, want exactly 1", leaves)
	}

	// A second sweep finds nothing.
	r.Sweep(ctx)
	if r.Len() != 1 {
		t.Errorf("connections after second sweep = %d", r.Len())
	}
}

func TestSweep_FreshConnectionsSurvive(t *testing.T) {
	cfg := Config{HeartbeatInterval: 10 * time.Second, HeartbeatGrace: 5 * time.Second}
	r, _, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }

	id, _ := r.Register(ctx, &fakeSender{}, "alice", "doc-1")

	// Three heartbeats below the interval.
	for i := 1; i <= 3; i++ {
		offset := time.Duration(i*4) * time.Second
		r.now = func() time.Time { return base.Add(offset) }
		r.TouchHeartbeat(ctx, id)
	}

	r.now = func() time.Time { return base.Add(14 * time.Second) }
	r.Sweep(ctx)

	if r.Len() != 1 {
		t.Error("heartbeating connection must survive the sweep")
	}
}

func TestShutdown_DeregistersEverything(t *testing.T) {
	r, mem, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "carol"} {
		if _, err := r.Register(ctx, &fakeSender{}, u, "doc-1"); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}
	r.StartSweeper()
	r.Shutdown(ctx)

	if r.Len() != 0 {
		t.Errorf("connections after shutdown = %d", r.Len())
	}
	users, _ := mem.ActiveUsers(ctx, "doc-1")
	if len(users) != 0 {
		t.Errorf("active users after shutdown = %v", users)
	}
}

func TestDeregister_ConcurrentWithSweep(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Millisecond, HeartbeatGrace: 0, SweepInterval: time.Hour}
	r, _, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	var ids []string
	for range 20 {
		id, err := r.Register(ctx, &fakeSender{}, "alice", "doc-1")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Let every connection expire, then race explicit deregisters against
	// a sweep. Idempotence makes the overlap safe.
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Sweep(ctx)
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			r.Deregister(ctx, id)
		}
	}()
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("connections remaining = %d", r.Len())
	}
}
