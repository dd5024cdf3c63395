package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "mirrorbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	ttl time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, ttl: cfg.LinkTTL, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutLink(ctx context.Context, l Link) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if l.At.IsZero() {
		l.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links(source, source_id, dest, dest_id, kind, media_ref, at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(source, source_id, dest) DO UPDATE SET
		   dest_id=excluded.dest_id, kind=excluded.kind, media_ref=excluded.media_ref, at=excluded.at`,
		l.Source, l.SourceID, l.Dest, l.DestID, nullStr(l.Kind), nullStr(l.MediaRef), l.At.UnixMilli(),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) GetLink(ctx context.Context, k LinkKey) (Link, bool, error) {
	if s == nil || s.db == nil {
		return Link{}, false, ErrDisabled
	}
	var (
		l        = Link{Source: k.Source, SourceID: k.SourceID, Dest: k.Dest}
		kind, mr sql.NullString
		at       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT dest_id, kind, media_ref, at FROM links WHERE source = ? AND source_id = ? AND dest = ?`,
		k.Source, k.SourceID, k.Dest,
	).Scan(&l.DestID, &kind, &mr, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, err
	}
	l.Kind, l.MediaRef, l.At = kind.String, mr.String, time.UnixMilli(at)
	return l, true, nil
}

func (s *sqliteStore) DeleteLink(ctx context.Context, k LinkKey) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE source = ? AND source_id = ? AND dest = ?`, k.Source, k.SourceID, k.Dest)
	return err
}

func (s *sqliteStore) AddStat(ctx context.Context, name string, n int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats(name, value) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`,
		name, n,
	)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			name string
			v    int64
		)
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) DisableRoute(ctx context.Context, r Route) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disabled_routes(source, dest, at) VALUES(?,?,?) ON CONFLICT(source, dest) DO NOTHING`,
		r.Source, r.Dest, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) EnableRoute(ctx context.Context, r Route) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM disabled_routes WHERE source = ? AND dest = ?`, r.Source, r.Dest)
	return err
}

func (s *sqliteStore) DisabledRoutes(ctx context.Context) ([]Route, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT source, dest FROM disabled_routes ORDER BY source, dest`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.Source, &r.Dest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.pruneExpired(ctx); err != nil {
		s.log.Debug("prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli()); err != nil {
		return err
	}
	if s.ttl <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE at < ?`, now.Add(-s.ttl).UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
