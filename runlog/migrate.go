package runlog

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies the run log schema.
type Migrator struct {
	migrate *migrate.Migrate
}

// NewMigrator opens a migrator for the SQLite database at dbPath.
func NewMigrator(dbPath string) (*Migrator, error) {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "access migrations")
	}
	source, err := iofs.New(dir, ".")
	if err != nil {
		return nil, errors.Wrap(err, "create migration source")
	}

	// Absolute Windows paths need a leading slash in the URL.
	p := filepath.ToSlash(dbPath)
	if filepath.IsAbs(dbPath) && p[0] != '/' {
		p = "/" + p
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite://%s", p))
	if err != nil {
		return nil, errors.Wrap(err, "create migration instance")
	}
	return &Migrator{migrate: m}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Down rolls every migration back.
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "roll back migrations")
	}
	return nil
}

// Version returns the applied schema version; zero when none is applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, errors.Wrap(err, "read migration version")
	}
	return version, dirty, nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return errors.Wrap(srcErr, "close migration source")
	}
	if dbErr != nil {
		return errors.Wrap(dbErr, "close migration database")
	}
	return nil
}
