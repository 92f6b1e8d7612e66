// Package model defines the wire and persistence types shared across the
// transport: envelopes, capability levels, and presence sessions.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies what kind of real-time event an envelope carries.
type MessageType string

const (
	TypePresence   MessageType = "presence"
	TypeAnnotation MessageType = "annotation"
	TypeComment    MessageType = "comment"
	TypeCursor     MessageType = "cursor"
	TypeSync       MessageType = "sync"
	TypeHeartbeat  MessageType = "heartbeat"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypePresence, TypeAnnotation, TypeComment, TypeCursor, TypeSync, TypeHeartbeat:
		return true
	}
	return false
}

// Envelope is one document-scoped real-time message: a single JSON object
// per socket frame. The payload is opaque to the transport except for
// annotation/comment changes, which must carry an id and an action.
type Envelope struct {
	Type       MessageType     `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"` // unix milliseconds
}

// ParseEnvelope decodes and structurally validates a raw frame.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.DocumentID == "" {
		return nil, fmt.Errorf("envelope missing documentId")
	}
	if env.UserID == "" {
		return nil, fmt.Errorf("envelope missing userId")
	}
	return &env, nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Change actions carried by annotation and comment payloads.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ChangePayload is the part of an annotation/comment payload the transport
// inspects: the rest of the payload is relayed untouched.
type ChangePayload struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// ParseChange extracts and validates the id/action fields of an
// annotation or comment payload.
func ParseChange(payload json.RawMessage) (*ChangePayload, error) {
	var c ChangePayload
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode change payload: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("change payload missing id")
	}
	switch c.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
		return &c, nil
	}
	return nil, fmt.Errorf("unknown change action %q", c.Action)
}

// PresencePayload is the payload of presence envelopes the transport itself
// emits on join and leave.
type PresencePayload struct {
	Action       string `json:"action"` // "join" or "leave"
	ConnectionID string `json:"connectionId"`
}

// NewPresenceEnvelope builds a join/leave presence envelope.
func NewPresenceEnvelope(action, connectionID, userID, documentID string, at time.Time) *Envelope {
	payload, _ := json.Marshal(PresencePayload{Action: action, ConnectionID: connectionID})
	return &Envelope{
		Type:       TypePresence,
		DocumentID: documentID,
		UserID:     userID,
		Payload:    payload,
		Timestamp:  at.UnixMilli(),
	}
}

// ConnectedAck is the one acknowledgement frame the server sends after a
// successful handshake. It is not an Envelope: clients match on the type
// field to tell the two apart.
type ConnectedAck struct {
	Type         string `json:"type"` // always "connected"
	ConnectionID string `json:"connectionId"`
	DocumentID   string `json:"documentId"`
	UserID       string `json:"userId"`
}

// AckType is the type field value of a ConnectedAck frame.
const AckType = "connected"
