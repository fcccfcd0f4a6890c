// Package impl provides the SQLite-backed sync store.
package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/d-mooers/ponder/pkg/metrics"
	"github.com/d-mooers/ponder/pkg/syncstore"
	"github.com/d-mooers/ponder/pkg/syncstore/impl/migrations"
)

// Store is a SQLite-backed sync store.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	uri string
}

var _ syncstore.SyncStore = (*Store)(nil)

// Open opens (and migrates) the sync store at the given SQLite URI.
func Open(uri string, attributes ...attribute.KeyValue) (*Store, error) {
	log := logger.With().
		Str("component", "syncstore").
		Logger()

	attributes = append(attributes, metrics.BaseAttrs...)
	db, err := otelsql.Open("sqlite3", uri, otelsql.WithAttributes(attributes...))
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %s", err)
	}
	if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(attributes...)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %s", err)
	}

	s := &Store{log: log, db: db, uri: uri}
	if err := s.executeMigration(uri); err != nil {
		return nil, fmt.Errorf("initializing db connection: %s", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) executeMigration(dbURI string) error {
	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("creating source driver: %s", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, "sqlite3://"+dbURI)
	if err != nil {
		return fmt.Errorf("creating migration: %s", err)
	}
	defer func() {
		if _, err := m.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing db migration")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migration up: %s", err)
	}

	version, dirty, err := m.Version()
	s.log.Info().
		Uint("dbVersion", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("database migration executed")

	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("opening db tx: %s", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit db tx: %s", err)
	}
	return nil
}
