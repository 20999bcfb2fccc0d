package journal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/metrics"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index is a sqlite record of instance lifecycles, written alongside the
// JSONL journals for offline queries. It is write-only from the
// orchestrator's perspective: the live registry never reads it back.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database and applies migrations.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open instance index: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug(log.CatJournal, "instance index open", "path", path)
	return &Index{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RecordSpawn inserts a row for a freshly spawned instance.
func (x *Index) RecordSpawn(snap registry.Snapshot) error {
	var parent any
	if snap.ParentID != "" {
		parent = string(snap.ParentID)
	}
	_, err := x.db.Exec(
		`INSERT INTO instances (id, name, kind, role, parent_id, workdir, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(snap.ID), snap.Name, string(snap.Kind), snap.Role, parent, snap.WorkDir, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("index spawn: %w", err)
	}
	return nil
}

// RecordTermination stamps the row with its final usage totals.
func (x *Index) RecordTermination(id registry.ID, at time.Time, usage metrics.Usage) error {
	_, err := x.db.Exec(
		`UPDATE instances
		 SET terminated_at = ?, requests = ?, tokens = ?, cost_usd = ?
		 WHERE id = ?`,
		at, usage.Requests, usage.Tokens, usage.CostUSD, string(id),
	)
	if err != nil {
		return fmt.Errorf("index termination: %w", err)
	}
	return nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}
