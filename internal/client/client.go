// Package client is the Go client for the realtime transport: it dials the
// websocket endpoint, keeps the connection alive with heartbeats, reconnects
// with backoff when the link drops, and fans received envelopes out to
// channel subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkhaus/redline/internal/model"
)

// ErrReconnectFailed is reported through Err after every reconnect attempt
// has been exhausted.
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

// ErrClosed is returned by Send once the client has stopped.
var ErrClosed = errors.New("client closed")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxReconnects     = 10
	subscriberBuffer         = 32
	writeWait                = 10 * time.Second
	handshakeWait            = 5 * time.Second
)

// Options tune a Client. The zero value gets sensible defaults.
type Options struct {
	HeartbeatInterval time.Duration
	Backoff           BackoffPolicy
	MaxReconnects     int
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.Backoff == (BackoffPolicy{}) {
		o.Backoff = DefaultBackoff
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = defaultMaxReconnects
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client is a connection to one document's realtime channel.
type Client struct {
	serverURL  string
	token      string
	documentID string
	opts       Options

	writeMu sync.Mutex // serializes socket writes

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	userID       string
	started      bool
	stopped      bool
	err          error
	subs         map[int]chan *model.Envelope
	nextSub      int

	stop chan struct{} // closed by Disconnect
	done chan struct{} // closed when the run loop exits
}

// New builds a client for documentID against serverURL (a ws:// or wss://
// base, without path). It does not connect; call Connect.
func New(serverURL, token, documentID string, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		serverURL:  serverURL,
		token:      token,
		documentID: documentID,
		opts:       opts,
		subs:       make(map[int]chan *model.Envelope),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Connect dials the server and, on success, starts the read and heartbeat
// loops. The initial dial is not retried: callers find out immediately when
// the server is unreachable. Reconnection with backoff only kicks in for
// links that drop after being established.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.started = true
	c.mu.Unlock()

	conn, ack, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.done)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connectionID = ack.ConnectionID
	c.userID = ack.UserID
	c.mu.Unlock()

	go c.run(conn)
	return nil
}

// dial opens the socket and waits for the server's connected ack.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, *model.ConnectedAck, error) {
	query := url.Values{}
	query.Set("documentId", c.documentID)
	query.Set("token", c.token)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.serverURL+"/v1/ws?"+query.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.serverURL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	var ack model.ConnectedAck
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Type != model.AckType {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: unexpected first frame %q", raw)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, &ack, nil
}

// run owns the connection: it pumps frames, sends heartbeats, and replaces
// the socket through reconnect when the link drops.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	hb := time.NewTicker(c.opts.HeartbeatInterval)
	defer hb.Stop()

	frames := make(chan []byte, subscriberBuffer)
	errs := make(chan error, 1)
	go readFrames(conn, frames, errs)

	for {
		select {
		case <-c.stop:
			c.closeConn(conn, websocket.CloseNormalClosure)
			c.finish(nil)
			return
		case <-hb.C:
			if err := c.sendHeartbeat(conn); err != nil {
				c.opts.Logger.Debug("client: heartbeat send failed", "error", err)
			}
		case raw := <-frames:
			c.dispatch(raw)
		case err := <-errs:
			conn.Close()
			c.opts.Logger.Warn("client: connection lost", "error", err)
			next, rerr := c.reconnect()
			if rerr != nil {
				c.finish(rerr)
				return
			}
			conn = next
			frames = make(chan []byte, subscriberBuffer)
			errs = make(chan error, 1)
			go readFrames(conn, frames, errs)
		}
	}
}

// readFrames pumps raw text frames until the socket errors.
func readFrames(conn *websocket.Conn, frames chan<- []byte, errs chan<- error) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frames <- raw
	}
}

// reconnect redials with backoff until it succeeds or attempts run out.
func (c *Client) reconnect() (*websocket.Conn, error) {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		delay := c.opts.Backoff.Delay(attempt)
		c.opts.Logger.Info("client: reconnecting",
			"attempt", attempt, "delay", delay)

		select {
		case <-c.stop:
			return nil, ErrClosed
		case <-time.After(delay):
		}

		conn, ack, err := c.dial(context.Background())
		if err != nil {
			c.opts.Logger.Warn("client: reconnect attempt failed",
				"attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connectionID = ack.ConnectionID
		c.userID = ack.UserID
		c.mu.Unlock()
		c.opts.Logger.Info("client: reconnected", "connection_id", ack.ConnectionID)
		return conn, nil
	}
	return nil, ErrReconnectFailed
}

// finish marks the client stopped and closes out all subscribers.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.stopped = true
	c.err = err
	c.conn = nil
	subs := c.subs
	c.subs = make(map[int]chan *model.Envelope)
	c.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

func (c *Client) closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	conn.Close()
}

// dispatch fans one received frame out to every subscriber. Slow
// subscribers are skipped, never waited on.
func (c *Client) dispatch(raw []byte) {
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		c.opts.Logger.Debug("client: dropping unparseable frame", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Messages subscribes to every envelope the server delivers. The returned
// cancel function stops the subscription immediately; the channel is closed
// when the client stops.
func (c *Client) Messages() (<-chan *model.Envelope, func()) {
	ch := make(chan *model.Envelope, subscriberBuffer)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Send transmits one envelope. The document and user identity are filled in
// from the session if the caller left them empty.
func (c *Client) Send(env *model.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	if env.DocumentID == "" {
		env.DocumentID = c.documentID
	}
	if env.UserID == "" {
		env.UserID = c.userID
	}
	c.mu.Unlock()

	if conn == nil {
		return ErrClosed
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.writeFrame(conn, data)
}

func (c *Client) writeFrame(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendHeartbeat(conn *websocket.Conn) error {
	c.mu.Lock()
	env := model.Envelope{
		Type:       model.TypeHeartbeat,
		DocumentID: c.documentID,
		UserID:     c.userID,
		Timestamp:  time.Now().UnixMilli(),
	}
	c.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.writeFrame(conn, data)
}

// SendCursorUpdate relays the caller's cursor position.
func (c *Client) SendCursorUpdate(payload any) error {
	return c.sendTyped(model.TypeCursor, payload)
}

// SendPresenceUpdate relays a presence payload (status changes and the like).
func (c *Client) SendPresenceUpdate(payload any) error {
	return c.sendTyped(model.TypePresence, payload)
}

// SendAnnotationChange relays an annotation create, update, or delete. The
// payload must carry the change's id and action.
func (c *Client) SendAnnotationChange(payload any) error {
	return c.sendTyped(model.TypeAnnotation, payload)
}

// SendCommentChange relays a comment create, update, or delete.
func (c *Client) SendCommentChange(payload any) error {
	return c.sendTyped(model.TypeComment, payload)
}

// SendSync relays an opaque synchronization payload.
func (c *Client) SendSync(payload any) error {
	return c.sendTyped(model.TypeSync, payload)
}

func (c *Client) sendTyped(t model.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.Send(&model.Envelope{Type: t, Payload: raw})
}

// Disconnect closes the connection gracefully and stops all loops. Safe to
// call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	started := c.started
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.mu.Unlock()

	if started {
		<-c.done
	}
}

// Done is closed once the client has stopped for good, whether through
// Disconnect or exhausted reconnects. Check Err to tell the two apart.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped: nil after a clean Disconnect,
// ErrReconnectFailed when the link could not be re-established.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ConnectionID returns the server-assigned identifier of the current
// connection. It changes across reconnects.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// UserID returns the authenticated identity, known after Connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}
