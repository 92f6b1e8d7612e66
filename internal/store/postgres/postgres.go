// Package postgres implements the store interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.SessionStore and store.PermissionStore backed by a
// PostgreSQL database.
type Store struct {
	db *sql.DB
}

var (
	_ store.SessionStore    = (*Store)(nil)
	_ store.PermissionStore = (*Store)(nil)
)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return queryCreateSession(ctx, s.db, session)
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return queryTouchSession(ctx, s.db, id, at)
}

func (s *Store) CloseSession(ctx context.Context, id string, at time.Time) error {
	return queryCloseSession(ctx, s.db, id, at)
}

func (s *Store) ActiveUsers(ctx context.Context, documentID string) ([]string, error) {
	return queryActiveUsers(ctx, s.db, documentID)
}

func (s *Store) ClosedSessions(ctx context.Context, since time.Time) ([]*model.Session, error) {
	return queryClosedSessions(ctx, s.db, since)
}

func (s *Store) Level(ctx context.Context, userID, documentID string) (model.Level, bool, error) {
	return queryLevel(ctx, s.db, userID, documentID)
}
