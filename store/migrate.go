package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/policyd/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// AdvisoryLockID guards schema migrations against concurrent runs.
const AdvisoryLockID int64 = 0x706f6c6963796400 // "policyd\0"

// Migrator wraps a golang-migrate instance over the embedded migrations.
type Migrator struct {
	*migrate.Migrate
	db       *sql.DB
	lockConn *sql.Conn
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (migrationLogger) Verbose() bool { return false }

// NewMigrator connects to connString and prepares the migrations.
func NewMigrator(ctx context.Context, connString string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sub, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	driver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{MigrationsTable: "policyd_schema_migrations"})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return &Migrator{Migrate: m, db: sqlDB}, nil
}

// Lock takes the session-level migration advisory lock without waiting.
// The lock is held on a dedicated connection until Unlock.
func (m *Migrator) Lock(ctx context.Context) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get a connection for the advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return errors.New("could not acquire the migration lock, is another migration running?")
	}
	m.lockConn = conn
	return nil
}

func (m *Migrator) Unlock(ctx context.Context) {
	if m.lockConn == nil {
		return
	}
	defer func() {
		m.lockConn.Close()
		m.lockConn = nil
	}()
	var unlocked bool
	if err := m.lockConn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("Failed to release migration lock", "error", err)
	} else if !unlocked {
		logger.Warn("Migration lock was not held at release")
	}
}

// Close releases the migrate instance and its database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.Migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// MigrateUp applies all pending migrations.
func MigrateUp(ctx context.Context, connString string) error {
	m, err := NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("Store schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}
