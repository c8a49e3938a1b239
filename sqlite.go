package provision

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type SQLiteOpt func(*SQLite)

// SQLiteFixture returns a factory producing a *SQLite: a file-backed sqlite
// database that needs no container. Useful as a cheap stand-in where tests
// only need a real sql.DB.
func SQLiteFixture(opts ...SQLiteOpt) Factory {
	return func(ctx context.Context, r *Registry) (interface{}, error) {
		f := &SQLite{log: r.log}
		for _, opt := range opts {
			opt(f)
		}
		if err := f.setUp(ctx); err != nil {
			return nil, err
		}
		return f, nil
	}
}

func SQLitePath(path string) SQLiteOpt {
	return func(f *SQLite) {
		f.path = path
	}
}

type SQLite struct {
	log  *zap.Logger
	path string
	db   *sql.DB
}

func (f *SQLite) DB() *sql.DB {
	return f.db
}

func (f *SQLite) Path() string {
	return f.path
}

func (f *SQLite) setUp(ctx context.Context) error {
	if f.path == "" {
		f.path = filepath.Join(os.TempDir(), fmt.Sprintf("provision_%v.db", generateString()))
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	// busy_timeout and WAL keep concurrent readers happy; a single write
	// connection sidesteps sqlite's writer lock entirely.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", f.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("cannot open database at %q: %w", f.path, err)
	}
	f.db = db
	f.log.Debug("sqlite ready", zap.String("path", f.path))
	return nil
}

func (f *SQLite) Release(context.Context) error {
	if f.db != nil {
		if err := f.db.Close(); err != nil {
			return err
		}
	}
	os.Remove(f.path + "-wal")
	os.Remove(f.path + "-shm")
	return os.Remove(f.path)
}
