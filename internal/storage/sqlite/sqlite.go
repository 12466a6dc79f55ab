package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"ingestd/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	// goose keeps its filesystem and dialect in package state.
	migrateMu sync.Mutex
)

func init() {
	storage.RegisterFactory("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(ctx, cfg.Path)
	})
}

type SQLiteStorage struct {
	conn *sql.DB
}

func New(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite storage requires a path")
	}
	slog.Info("Initializing SQLite storage", "path", dbPath)

	dsn := fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("Storage initialized successfully")
	return &SQLiteStorage{conn: conn}, nil
}

func runMigrations(conn *sql.DB) error {
	slog.Debug("Running database migrations")

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("Migrations completed successfully")
	return nil
}

func (s *SQLiteStorage) Close(ctx context.Context) error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
