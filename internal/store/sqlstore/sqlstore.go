// Package sqlstore implements the API store on a relational database through
// sqlx. SQLite (mattn/go-sqlite3) and PostgreSQL (pgx) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.Store on a SQL database
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type apiRow struct {
	ID         string `db:"id"`
	Host       string `db:"host"`
	Version    int64  `db:"version"`
	Definition string `db:"definition"`
}

// New opens the database and creates the schema if needed.
func New(cfg config.SQLConfig, logger *zap.Logger) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids "database is locked"
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQL store initialized", zap.String("driver", driver))
	return s, nil
}

// initSchema runs the embedded DDL statement by statement.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// List returns every API
func (s *Store) List(ctx context.Context) ([]*model.API, error) {
	var rows []apiRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, host, version, definition FROM apis ORDER BY id"); err != nil {
		return nil, fmt.Errorf("%w: list apis: %v", store.ErrUnavailable, err)
	}
	return decodeRows(rows)
}

// Get returns one API
func (s *Store) Get(ctx context.Context, id string) (*model.API, error) {
	var row apiRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT id, host, version, definition FROM apis WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get api %s: %v", store.ErrUnavailable, id, err)
	}
	return decodeRow(row)
}

// FindByHost returns the candidate APIs for host. Exact and any-host rows
// come from the host index; wildcard rows are filtered in process.
func (s *Store) FindByHost(ctx context.Context, host string) ([]*model.API, error) {
	host = model.NormalizeHost(host)
	var rows []apiRow
	q := s.db.Rebind("SELECT id, host, version, definition FROM apis WHERE host = ? OR host = '*' OR host LIKE '*.%' ORDER BY id")
	if err := s.db.SelectContext(ctx, &rows, q, host); err != nil {
		return nil, fmt.Errorf("%w: find apis for %s: %v", store.ErrUnavailable, host, err)
	}
	apis, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	return store.FilterByHost(apis, host), nil
}

// Put inserts or replaces api with the next version.
func (s *Store) Put(ctx context.Context, api *model.API) (model.ChangeEvent, error) {
	if err := api.Validate(); err != nil {
		return model.ChangeEvent{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: begin: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.GetContext(ctx, &current, tx.Rebind("SELECT version FROM apis WHERE id = ?"), api.ID)
	typ := model.ChangeUpdate
	switch {
	case errors.Is(err, sql.ErrNoRows):
		typ = model.ChangeInsert
		current = api.Version - 1
		if current < 0 {
			current = 0
		}
	case err != nil:
		return model.ChangeEvent{}, fmt.Errorf("%w: read version: %v", store.ErrUnavailable, err)
	}

	a := api.Clone()
	a.Version = current + 1
	def, err := json.Marshal(a)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("encode api %s: %w", a.ID, err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO apis (id, host, version, definition, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET host = excluded.host, version = excluded.version,
			definition = excluded.definition, updated_at = excluded.updated_at`),
		a.ID, a.NormalizedHost(), a.Version, string(def), time.Now().UTC())
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: write api %s: %v", store.ErrUnavailable, a.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}

	api.Version = a.Version
	return model.NewChangeEvent(typ, a), nil
}

// Delete removes an API
func (s *Store) Delete(ctx context.Context, id string) (model.ChangeEvent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM apis WHERE id = ?"), id)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: delete api %s: %v", store.ErrUnavailable, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ChangeEvent{}, store.ErrNotFound
	}
	a.Version++
	return model.NewChangeEvent(model.ChangeDelete, a), nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRows(rows []apiRow) ([]*model.API, error) {
	out := make([]*model.API, 0, len(rows))
	for _, r := range rows {
		a, err := decodeRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeRow(r apiRow) (*model.API, error) {
	var a model.API
	if err := json.Unmarshal([]byte(r.Definition), &a); err != nil {
		return nil, fmt.Errorf("decode api %s: %w", r.ID, err)
	}
	a.Version = r.Version
	return &a, nil
}
