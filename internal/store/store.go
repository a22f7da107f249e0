package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"t9/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) ListFunctions(ctx context.Context) ([]domain.FunctionDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT func_name, parent_func, func_data, setter_nick, set_time FROM funcs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var fns []domain.FunctionDefinition
	for rows.Next() {
		var fn domain.FunctionDefinition
		var setTime int64
		if err := rows.Scan(&fn.Trigger, &fn.Parent, &fn.Body, &fn.Setter, &setTime); err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		if setTime > 0 {
			fn.SetTime = time.Unix(setTime, 0)
		}
		fns = append(fns, fn)
	}
	return fns, rows.Err()
}

func (s *SQLiteStore) UpsertFunction(ctx context.Context, fn domain.FunctionDefinition) error {
	if fn.SetTime.IsZero() {
		fn.SetTime = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funcs (func_name, parent_func, func_data, setter_nick, set_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(func_name) DO UPDATE SET
		   parent_func = excluded.parent_func,
		   func_data = excluded.func_data,
		   setter_nick = excluded.setter_nick,
		   set_time = excluded.set_time`,
		fn.Trigger, fn.Parent, fn.Body, fn.Setter, fn.SetTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert function %q: %w", fn.Trigger, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFunction(ctx context.Context, trigger string) (int64, error) {
	return s.execAffected(ctx, `DELETE FROM funcs WHERE func_name = ?`, trigger)
}

func (s *SQLiteStore) ListSecrets(ctx context.Context, owner string) ([]domain.Secret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_nick, env_var, secret FROM secrets WHERE owner_nick = ? ORDER BY env_var`, owner)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []domain.Secret
	for rows.Next() {
		var sec domain.Secret
		if err := rows.Scan(&sec.Owner, &sec.Name, &sec.Value); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSecret(ctx context.Context, sec domain.Secret) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (owner_nick, env_var, secret) VALUES (?, ?, ?)
		 ON CONFLICT(owner_nick, env_var) DO UPDATE SET secret = excluded.secret`,
		sec.Owner, sec.Name, sec.Value,
	)
	if err != nil {
		return fmt.Errorf("set secret: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, owner, name string) (int64, error) {
	return s.execAffected(ctx, `DELETE FROM secrets WHERE owner_nick = ? AND env_var = ?`, owner, name)
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel FROM chans ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddChannel(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO chans (channel) VALUES (?)`, name); err != nil {
		return fmt.Errorf("add channel %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveChannel(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chans WHERE channel = ?`, name); err != nil {
		return fmt.Errorf("remove channel %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) LockOwner(ctx context.Context, path string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_nick FROM write_locks WHERE file_path = ?`, path).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup lock: %w", err)
	}
	return owner, true, nil
}

func (s *SQLiteStore) AddLock(ctx context.Context, lock domain.WriteLock) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO write_locks (file_path, owner_nick) VALUES (?, ?)`,
		lock.Path, lock.Owner,
	); err != nil {
		return fmt.Errorf("add lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveLock(ctx context.Context, path, owner string) (int64, error) {
	return s.execAffected(ctx, `DELETE FROM write_locks WHERE file_path = ? AND owner_nick = ?`, path, owner)
}

func (s *SQLiteStore) execAffected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
