// Package migrate applies the embedded SQL schema with golang-migrate.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"medguard.org/internal/obs"
	"medguard.org/migrations"
)

const defaultMigrationsTable = "schema_migrations"

// Manager runs schema migrations against one database.
type Manager struct {
	m               *migrate.Migrate
	source          fs.FS
	migrationsTable string
	log             logrus.FieldLogger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSource replaces the embedded migrations, e.g. in tests.
func WithSource(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.source = fsys
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager prepares migrations for db, which must be opened with the pgx
// stdlib driver.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	mgr := &Manager{
		source:          migrations.FS,
		migrationsTable: defaultMigrationsTable,
		log:             obs.Component("migrate"),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	src, err := iofs.New(mgr.source, ".")
	if err != nil {
		return nil, fmt.Errorf("open migrations source: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: mgr.migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("open migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	mgr.m = m
	return mgr, nil
}

// Up applies all pending migrations.
func (m *Manager) Up() error {
	err := m.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.log.Info("schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, _, _ := m.m.Version()
	m.log.WithField("version", v).Info("migrations applied")
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down() error {
	if err := m.m.Steps(-1); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	v, _, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		m.log.Info("all migrations rolled back")
		return nil
	}
	m.log.WithField("version", v).Info("rolled back one migration")
	return nil
}

// Status reports the applied version. A database without any migration
// reports version 0.
func (m *Manager) Status() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Force marks version as applied and clears the dirty flag, after a failed
// migration has been repaired by hand.
func (m *Manager) Force(version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	m.log.WithField("version", version).Warn("migration version forced")
	return nil
}

// Close releases the source and database handles.
func (m *Manager) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}
