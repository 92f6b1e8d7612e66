package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkhaus/redline/internal/model"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryCreateSession(ctx context.Context, q queryer, session *model.Session) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, document_id, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.DocumentID,
		session.ConnectedAt, session.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

func queryTouchSession(ctx context.Context, q queryer, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat = $2
		WHERE id = $1 AND disconnected_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

func queryCloseSession(ctx context.Context, q queryer, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET disconnected_at = $2
		WHERE id = $1 AND disconnected_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	return nil
}

func queryActiveUsers(ctx context.Context, q queryer, documentID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM sessions
		WHERE document_id = $1 AND disconnected_at IS NULL
		ORDER BY user_id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active users for %s: %w", documentID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func queryClosedSessions(ctx context.Context, q queryer, since time.Time) ([]*model.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, document_id, connected_at, last_heartbeat, disconnected_at
		FROM sessions
		WHERE disconnected_at IS NOT NULL AND disconnected_at >= $1
		ORDER BY disconnected_at`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query closed sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var s model.Session
		var disconnected sql.NullTime
		if err := rows.Scan(&s.ID, &s.UserID, &s.DocumentID, &s.ConnectedAt, &s.LastHeartbeat, &disconnected); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if disconnected.Valid {
			t := disconnected.Time
			s.DisconnectedAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

func queryLevel(ctx context.Context, q queryer, userID, documentID string) (model.Level, bool, error) {
	var name string
	err := q.QueryRowContext(ctx, `
		SELECT level FROM document_permissions
		WHERE user_id = $1 AND document_id = $2`,
		userID, documentID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return model.LevelNone, false, nil
	}
	if err != nil {
		return model.LevelNone, false, fmt.Errorf("query permission for %s on %s: %w", userID, documentID, err)
	}
	level, err := model.ParseLevel(name)
	if err != nil {
		return model.LevelNone, false, fmt.Errorf("permission for %s on %s: %w", userID, documentID, err)
	}
	return level, true, nil
}
