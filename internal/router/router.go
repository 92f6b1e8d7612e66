// Package router validates, authorizes, and dispatches inbound envelopes.
//
// Each frame moves through an explicit pipeline: parse, identity check,
// authorization, dispatch. Any stage can terminate the frame with a
// rejection. Rejections are silent to the sender at the protocol level
// (no error frame goes back) but are logged with connection and document
// context.
package router

import (
	"context"
	"log/slog"

	"github.com/inkhaus/redline/internal/access"
	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/registry"
)

// Reason is the terminal rejection state of a frame.
type Reason string

const (
	// Accepted means the frame made it through the pipeline.
	Accepted Reason = ""

	RejectMalformed        Reason = "malformed"
	RejectIdentityMismatch Reason = "identity_mismatch"
	RejectWrongDocument    Reason = "wrong_document"
	RejectUnauthorized     Reason = "unauthorized"
	RejectInvalidPayload   Reason = "invalid_payload"
)

// Conn identifies the authenticated connection a frame arrived on.
type Conn struct {
	ID         string
	UserID     string
	DocumentID string
}

// PublishFunc forwards an accepted envelope to the broadcast bridge.
type PublishFunc func(ctx context.Context, documentID, origin string, env *model.Envelope) error

// Router drives the per-frame pipeline.
type Router struct {
	registry *registry.Registry
	gate     *access.Gate
	publish  PublishFunc
	logger   *slog.Logger
}

func New(reg *registry.Registry, gate *access.Gate, publish PublishFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(context.Context, string, string, *model.Envelope) error { return nil }
	}
	return &Router{registry: reg, gate: gate, publish: publish, logger: logger}
}

// Handle processes one raw frame from a connection. Frames from the same
// connection must be handled in receipt order; the socket read loop
// guarantees that by calling Handle synchronously.
func (r *Router) Handle(ctx context.Context, conn Conn, raw []byte) Reason {
	reason := r.handle(ctx, conn, raw)
	if reason != Accepted {
		r.logger.Warn("router: frame rejected",
			"reason", string(reason),
			"connection_id", conn.ID,
			"user_id", conn.UserID,
			"document_id", conn.DocumentID)
	}
	return reason
}

func (r *Router) handle(ctx context.Context, conn Conn, raw []byte) Reason {
	env, reason := parse(raw)
	if reason != Accepted {
		return reason
	}

	if reason := checkIdentity(conn, env); reason != Accepted {
		return reason
	}

	// Heartbeats are liveness signals, not document operations: no
	// authorization, no fan-out.
	if env.Type == model.TypeHeartbeat {
		r.registry.TouchHeartbeat(ctx, conn.ID)
		return Accepted
	}

	min, reason := r.requiredLevel(env)
	if reason != Accepted {
		return reason
	}
	if !r.gate.Allowed(ctx, conn.UserID, conn.DocumentID, min) {
		return RejectUnauthorized
	}

	return r.dispatch(ctx, conn, env)
}

// parse decodes and structurally validates the frame.
func parse(raw []byte) (*model.Envelope, Reason) {
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		return nil, RejectMalformed
	}
	return env, Accepted
}

// checkIdentity re-asserts the sender against the authenticated connection.
// The client-supplied userId field is never trusted.
func checkIdentity(conn Conn, env *model.Envelope) Reason {
	if env.UserID != conn.UserID {
		return RejectIdentityMismatch
	}
	if env.DocumentID != conn.DocumentID {
		return RejectWrongDocument
	}
	return Accepted
}

// requiredLevel computes the capability a message type demands. Annotation
// and comment payloads are inspected for their action: deletes require
// edit, creates and updates require comment.
func (r *Router) requiredLevel(env *model.Envelope) (model.Level, Reason) {
	switch env.Type {
	case model.TypePresence, model.TypeCursor, model.TypeSync:
		return model.LevelView, Accepted
	case model.TypeAnnotation, model.TypeComment:
		change, err := model.ParseChange(env.Payload)
		if err != nil {
			return model.LevelNone, RejectInvalidPayload
		}
		if change.Action == model.ActionDelete {
			return model.LevelEdit, Accepted
		}
		return model.LevelComment, Accepted
	}
	return model.LevelNone, RejectMalformed
}

// dispatch relays the accepted envelope: once to local peers excluding the
// originating connection, once to the bridge tagged with the origin so
// other processes exclude it too. Annotation and comment content is
// persisted by the document-mutation API, not here; the relay is
// optimistic and latency-first.
func (r *Router) dispatch(ctx context.Context, conn Conn, env *model.Envelope) Reason {
	r.registry.DeliverLocal(conn.DocumentID, env, conn.ID)

	if err := r.publish(ctx, conn.DocumentID, conn.ID, env); err != nil {
		// Cursor updates are ephemeral and safe to drop; everything else
		// is worth knowing about. Either way the local delivery stands
		// and the sender gets no delivery confirmation to contradict.
		if env.Type == model.TypeCursor {
			r.logger.Debug("router: cursor publish failed",
				"connection_id", conn.ID, "error", err)
		} else {
			r.logger.Error("router: bridge publish failed",
				"connection_id", conn.ID, "document_id", conn.DocumentID,
				"type", env.Type, "error", err)
		}
	}
	return Accepted
}
