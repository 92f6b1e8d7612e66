package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/router"
)

const (
	wsMaxFrameBytes   = 1 << 20
	wsSendQueueSize   = 64
	wsWriteWait       = 10 * time.Second
	wsCloseGraceWait  = time.Second
	wsReadIdleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWS handles GET /v1/ws?documentId=...: the socket handshake. The
// connection is scoped to one document for its whole lifetime.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("documentId")
	token := bearerToken(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if documentID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "documentId is required")
		return
	}

	userID, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	if !s.gate.Allowed(r.Context(), userID, documentID, model.LevelView) {
		closeWith(conn, websocket.ClosePolicyViolation, "access denied")
		return
	}

	ws := newWSConn(conn)
	go ws.writeLoop()

	connectionID, err := s.registry.Register(r.Context(), ws, userID, documentID)
	if err != nil {
		s.logger.Error("server: connection registration failed",
			"user_id", userID, "document_id", documentID, "error", err)
		ws.closeWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	ack, err := json.Marshal(model.ConnectedAck{
		Type:         model.AckType,
		ConnectionID: connectionID,
		DocumentID:   documentID,
		UserID:       userID,
	})
	if err == nil {
		err = ws.Send(ack)
	}
	if err != nil {
		s.logger.Error("server: failed to send ack",
			"connection_id", connectionID, "error", err)
		s.registry.Deregister(r.Context(), connectionID)
		return
	}

	s.readLoop(r, ws, router.Conn{
		ID:         connectionID,
		UserID:     userID,
		DocumentID: documentID,
	})
}

// readLoop processes frames in receipt order until the socket dies, then
// deregisters. Deregistration may already have happened through a sweep
// eviction; that is fine, Deregister is idempotent.
func (s *Server) readLoop(r *http.Request, ws *wsConn, conn router.Conn) {
	defer s.registry.Deregister(r.Context(), conn.ID)

	ws.conn.SetReadLimit(wsMaxFrameBytes)

	for {
		_ = ws.conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
		messageType, raw, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.router.Handle(r.Context(), conn, raw)
	}
}

// wsConn adapts a websocket connection to registry.Sender. Sends queue on
// a buffered channel consumed by a single writer goroutine, so delivery
// never blocks on a slow socket.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
	done      chan struct{}
}

var errConnClosed = errors.New("connection closed")
var errSendQueueFull = errors.New("send queue full")

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, wsSendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.done)
	c.mu.Unlock()
	return nil
}

func (c *wsConn) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsCloseGraceWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeWith closes a raw connection that never made it into a wsConn
// (handshake failures): code 1008 for auth problems, 1011 for internal
// errors.
func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.SetWriteDeadline(time.Now().Add(wsCloseGraceWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
