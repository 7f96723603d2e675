// Package db stores link blocks and the operator audit log in SQLite.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var MigrationFiles embed.FS

// InitDB opens databaseName and applies every migration found in dir of
// migrations.
func InitDB(databaseName string, migrations fs.FS, dir string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", databaseName+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases and migrations on the same handle.
	db.SetMaxOpenConns(1)

	var enabled int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error checking foreign keys: %w", err)
	}
	if enabled != 1 {
		db.Close()
		return nil, fmt.Errorf("foreign keys are not enabled")
	}

	if err := runMigrations(db, migrations, dir); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(db *sql.DB, migrations fs.FS, dir string) error {
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("error reading migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("error preparing migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("error preparing migrations: %w", err)
	}
	// m.Close would close db as well; only the source is released.
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error applying migrations: %w", err)
	}
	return nil
}

func CloseDB(databaseInstance *sql.DB) {
	if databaseInstance != nil {
		databaseInstance.Close()
		log.Println("Database connection closed")
	}
}

// Store wraps the daemon's database handle.
type Store struct {
	DB *sql.DB
}

// Open is InitDB with the embedded migrations.
func Open(databaseName string) (*Store, error) {
	db, err := InitDB(databaseName, MigrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() {
	CloseDB(s.DB)
}
