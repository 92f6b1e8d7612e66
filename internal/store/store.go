// Package store defines the persistence interfaces consumed by the
// transport: presence sessions and document permissions. Durable document,
// annotation, and comment content is owned by the surrounding platform, not
// by this service.
package store

import (
	"context"
	"time"

	"github.com/inkhaus/redline/internal/model"
)

// SessionStore persists presence records for crash recovery, auditing, and
// cold-start "who's here" queries across server processes.
type SessionStore interface {
	// CreateSession records a newly registered connection.
	CreateSession(ctx context.Context, session *model.Session) error

	// TouchSession updates the persisted last-heartbeat timestamp.
	// The in-memory registry writes through at a reduced rate, so the
	// stored value may lag the live one.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// CloseSession marks the session disconnected. Closing an already
	// closed or unknown session is a no-op.
	CloseSession(ctx context.Context, id string, at time.Time) error

	// ActiveUsers returns the distinct user IDs with at least one open
	// session on the document, across all server processes.
	ActiveUsers(ctx context.Context, documentID string) ([]string, error)

	// ClosedSessions returns sessions disconnected at or after the given
	// time, oldest first. Used by the archival exporter.
	ClosedSessions(ctx context.Context, since time.Time) ([]*model.Session, error)

	// Lifecycle
	Close() error
}

// PermissionStore answers capability lookups for the authorization gate.
type PermissionStore interface {
	// Level returns the user's capability level on the document. The
	// second return is false when the user has no grant at all.
	Level(ctx context.Context, userID, documentID string) (model.Level, bool, error)
}
