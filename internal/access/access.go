// Package access answers capability checks against the permission store.
package access

import (
	"context"
	"log/slog"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

// Gate gates every inbound document operation. Checks are re-evaluated per
// message, never cached for the lifetime of a connection, so a revocation
// takes effect on the next message.
type Gate struct {
	perms  store.PermissionStore
	logger *slog.Logger
}

func NewGate(perms store.PermissionStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{perms: perms, logger: logger}
}

// Allowed reports whether the user holds at least min on the document.
// A permission-store failure is treated as denied, never granted.
func (g *Gate) Allowed(ctx context.Context, userID, documentID string, min model.Level) bool {
	level, ok, err := g.perms.Level(ctx, userID, documentID)
	if err != nil {
		g.logger.Warn("access: permission lookup failed, denying",
			"user_id", userID, "document_id", documentID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	return level.AtLeast(min)
}
