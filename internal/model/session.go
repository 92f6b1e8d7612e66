package model

import "time"

// Session is the durable record of one connection's active span, keyed by
// the generated connection ID. Two open tabs produce two sessions for the
// same (user, document) pair.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	DocumentID     string     `json:"document_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Active reports whether the session has not been closed yet.
func (s *Session) Active() bool { return s.DisconnectedAt == nil }
