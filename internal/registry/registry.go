// Package registry tracks the live socket connections on one server
// process and performs local envelope delivery.
//
// The registry owns the only mutable shared state in the process: the
// connection set. All mutation goes through Register, Deregister, and
// TouchHeartbeat. A background sweeper evicts connections whose heartbeats
// stopped, independent of message volume.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkhaus/redline/internal/idgen"
	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

// Sender is one connection's outbound half. Send must not block: socket
// writers queue frames and fail fast when the queue is full or the socket
// is gone.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// PublishFunc forwards an envelope to the cross-process broadcast bridge,
// tagged with the originating connection.
type PublishFunc func(ctx context.Context, documentID, origin string, env *model.Envelope) error

// Config holds the liveness protocol settings.
type Config struct {
	// HeartbeatInterval is how often clients are expected to heartbeat.
	HeartbeatInterval time.Duration

	// HeartbeatGrace is the slack beyond one interval before a silent
	// connection is considered dead.
	HeartbeatGrace time.Duration

	// SweepInterval is how often the sweeper scans for dead connections.
	SweepInterval time.Duration

	// PersistEvery bounds session-store write amplification: only one of
	// every PersistEvery heartbeat touches is written through. The
	// in-memory value is always current.
	PersistEvery int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatGrace == 0 {
		c.HeartbeatGrace = 15 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.PersistEvery < 1 {
		c.PersistEvery = 4
	}
}

type conn struct {
	id         string
	userID     string
	documentID string
	sender     Sender

	hbMu          sync.Mutex
	lastHeartbeat time.Time
	touches       int
}

func (c *conn) heartbeatAt() time.Time {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.lastHeartbeat
}

// Registry is the per-process connection registry.
type Registry struct {
	cfg      Config
	sessions store.SessionStore
	publish  PublishFunc
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*conn
	byDoc map[string]map[string]*conn

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a registry. publish may be nil in single-process setups.
func New(cfg Config, sessions store.SessionStore, publish PublishFunc, logger *slog.Logger) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(context.Context, string, string, *model.Envelope) error { return nil }
	}
	return &Registry{
		cfg:      cfg,
		sessions: sessions,
		publish:  publish,
		logger:   logger,
		now:      time.Now,
		conns:    make(map[string]*conn),
		byDoc:    make(map[string]map[string]*conn),
	}
}

// Register stores a new connection, persists its presence record, and emits
// a presence join envelope to the document's channel (local peers plus the
// broadcast bridge, so joins are visible process-wide).
func (r *Registry) Register(ctx context.Context, sender Sender, userID, documentID string) (string, error) {
	id, err := idgen.Connection()
	if err != nil {
		return "", fmt.Errorf("register connection: %w", err)
	}
	now := r.now()

	if err := r.sessions.CreateSession(ctx, &model.Session{
		ID:            id,
		UserID:        userID,
		DocumentID:    documentID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}); err != nil {
		return "", fmt.Errorf("persist session %s: %w", id, err)
	}

	c := &conn{
		id:            id,
		userID:        userID,
		documentID:    documentID,
		sender:        sender,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	r.conns[id] = c
	if r.byDoc[documentID] == nil {
		r.byDoc[documentID] = make(map[string]*conn)
	}
	r.byDoc[documentID][id] = c
	r.mu.Unlock()

	env := model.NewPresenceEnvelope("join", id, userID, documentID, now)
	r.DeliverLocal(documentID, env, id)
	if err := r.publish(ctx, documentID, id, env); err != nil {
		r.logger.Warn("registry: failed to publish join",
			"connection_id", id, "document_id", documentID, "error", err)
	}

	r.logger.Info("registry: connection registered",
		"connection_id", id, "user_id", userID, "document_id", documentID)
	return id, nil
}

// Deregister removes a connection, closes its socket if still open, marks
// the presence record disconnected, and emits a presence leave envelope.
// Deregistering an unknown or already removed connection is a no-op.
func (r *Registry) Deregister(ctx context.Context, connectionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	if peers := r.byDoc[c.documentID]; peers != nil {
		delete(peers, connectionID)
		if len(peers) == 0 {
			delete(r.byDoc, c.documentID)
		}
	}
	r.mu.Unlock()

	if err := c.sender.Close(); err != nil {
		r.logger.Debug("registry: closing sender",
			"connection_id", connectionID, "error", err)
	}

	now := r.now()
	if err := r.sessions.CloseSession(ctx, connectionID, now); err != nil {
		r.logger.Warn("registry: failed to close session",
			"connection_id", connectionID, "error", err)
	}

	env := model.NewPresenceEnvelope("leave", connectionID, c.userID, c.documentID, now)
	r.DeliverLocal(c.documentID, env, connectionID)
	if err := r.publish(ctx, c.documentID, connectionID, env); err != nil {
		r.logger.Warn("registry: failed to publish leave",
			"connection_id", connectionID, "document_id", c.documentID, "error", err)
	}

	r.logger.Info("registry: connection deregistered",
		"connection_id", connectionID, "user_id", c.userID, "document_id", c.documentID)
}

// TouchHeartbeat updates the connection's last-heartbeat to now. The value
// is written through to the session store at a bounded rate; the in-memory
// value is always current even when the persisted one lags.
func (r *Registry) TouchHeartbeat(ctx context.Context, connectionID string) {
	r.mu.RLock()
	c, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.now()
	c.hbMu.Lock()
	c.lastHeartbeat = now
	c.touches++
	persist := c.touches%r.cfg.PersistEvery == 0
	c.hbMu.Unlock()

	if persist {
		if err := r.sessions.TouchSession(ctx, connectionID, now); err != nil {
			r.logger.Warn("registry: failed to persist heartbeat",
				"connection_id", connectionID, "error", err)
		}
	}
}

// DeliverLocal sends the envelope to every connection on this process
// matching the document, skipping excludeConn (the originating connection,
// so a sender's own socket is not echoed). A failure for one recipient
// never prevents delivery to the others.
func (r *Registry) DeliverLocal(documentID string, env *model.Envelope, excludeConn string) {
	data, err := env.Encode()
	if err != nil {
		r.logger.Warn("registry: failed to encode envelope",
			"type", env.Type, "document_id", documentID, "error", err)
		return
	}

	r.mu.RLock()
	recipients := make([]*conn, 0, len(r.byDoc[documentID]))
	for id, c := range r.byDoc[documentID] {
		if id == excludeConn {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	for _, c := range recipients {
		if err := c.sender.Send(data); err != nil {
			r.logger.Warn("registry: delivery failed",
				"connection_id", c.id, "document_id", documentID,
				"type", env.Type, "error", err)
		}
	}
}

// ActiveUsers returns the users currently present on the document. Served
// from the durable session store, not registry state: other users'
// connections may live on other processes.
func (r *Registry) ActiveUsers(ctx context.Context, documentID string) ([]string, error) {
	return r.sessions.ActiveUsers(ctx, documentID)
}

// Len returns the number of live connections on this process.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StartSweeper launches the background liveness sweeper. Call StopSweeper
// or Shutdown to stop it.
func (r *Registry) StartSweeper() {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})

	go r.sweepLoop()
	r.logger.Info("registry: sweeper started",
		"heartbeat_interval", r.cfg.HeartbeatInterval,
		"grace", r.cfg.HeartbeatGrace,
		"sweep_interval", r.cfg.SweepInterval)
}

// StopSweeper shuts down the sweeper goroutine.
func (r *Registry) StopSweeper() {
	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
		r.sweepStop = nil
		r.sweepDone = nil
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep deregisters every connection whose last heartbeat is older than
// interval plus grace. This is the only forced-eviction path.
func (r *Registry) Sweep(ctx context.Context) {
	deadline := r.now().Add(-(r.cfg.HeartbeatInterval + r.cfg.HeartbeatGrace))

	r.mu.RLock()
	var dead []string
	for id, c := range r.conns {
		if c.heartbeatAt().Before(deadline) {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		r.logger.Info("registry: evicting dead connection", "connection_id", id)
		r.Deregister(ctx, id)
	}
}

// Shutdown stops the sweeper and deregisters every local connection.
func (r *Registry) Shutdown(ctx context.Context) {
	r.StopSweeper()

	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deregister(ctx, id)
	}
}
