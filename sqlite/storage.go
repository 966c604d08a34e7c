// Package sqlite provides a streamcorpus.Storage implementation backed by a
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"io"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	_ "modernc.org/sqlite"
)

func init() {
	streamcorpus.RegisterStorage("sqlite", func(cfg streamcorpus.StageConfig) (streamcorpus.Storage, error) {
		var c struct {
			Path string `mapstructure:"storage_path"`
		}
		if err := cfg.Decode(&c); err != nil {
			return nil, err
		}
		return Open(context.Background(), c.Path)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
	ns    TEXT PRIMARY KEY,
	arity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	ns TEXT NOT NULL,
	k  BLOB NOT NULL,
	v  BLOB NOT NULL,
	PRIMARY KEY(ns, k)
) WITHOUT ROWID;
`

var _ streamcorpus.Storage = &Storage{}

// Storage keeps every namespace in a single table keyed by (namespace, key).
// SQLite compares blobs with memcmp, so key order matches the other backends.
type Storage struct {
	db  *sql.DB
	ctx context.Context
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Storage, error) {
	if path == "" {
		return nil, errors.Wrap(streamcorpus.ErrConfiguration, "sqlite storage needs a storage_path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return &Storage{db: db, ctx: ctx}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return errors.Wrap(s.db.Close(), "closing sqlite")
}

// SetupNamespace implements streamcorpus.Storage.
func (s *Storage) SetupNamespace(ns string, arity int) error {
	cur, err := s.arity(ns)
	if err == nil {
		if cur != arity {
			return errors.Errorf("namespace %s has arity %d, not %d", ns, cur, arity)
		}
		return nil
	}
	if errors.Cause(err) != sql.ErrNoRows {
		return err
	}
	_, err = s.db.ExecContext(s.ctx, "INSERT INTO namespaces(ns, arity) VALUES(?, ?)", ns, arity)
	return errors.Wrapf(err, "recording namespace %s", ns)
}

func (s *Storage) arity(ns string) (int, error) {
	var arity int
	err := s.db.QueryRowContext(s.ctx, "SELECT arity FROM namespaces WHERE ns = ?", ns).Scan(&arity)
	if err == sql.ErrNoRows {
		return 0, err
	}
	return arity, errors.Wrapf(err, "looking up namespace %s", ns)
}

func (s *Storage) check(ns string) (int, error) {
	arity, err := s.arity(ns)
	if err == sql.ErrNoRows {
		return 0, errors.Errorf("namespace %s is not set up", ns)
	}
	return arity, err
}

// Put implements streamcorpus.Storage.
func (s *Storage) Put(ns string, key streamcorpus.Key, value []byte) error {
	arity, err := s.check(ns)
	if err != nil {
		return err
	}
	if len(key) != arity {
		return errors.Errorf("key has %d components, namespace %s wants %d", len(key), ns, arity)
	}
	if value == nil {
		value = []byte{}
	}
	_, err = s.db.ExecContext(s.ctx,
		"INSERT INTO kv(ns, k, v) VALUES(?, ?, ?) ON CONFLICT(ns, k) DO UPDATE SET v = excluded.v",
		ns, key.Bytes(), value)
	return errors.Wrap(err, "putting")
}

// Get implements streamcorpus.Storage.
func (s *Storage) Get(ns string, start, end streamcorpus.Key) (streamcorpus.KVIterator, error) {
	if _, err := s.check(ns); err != nil {
		return nil, err
	}
	var rows *sql.Rows
	var err error
	lo := append([]byte{}, start.Bytes()...)
	if hi := streamcorpus.UpperBound(end.Bytes()); hi != nil {
		rows, err = s.db.QueryContext(s.ctx,
			"SELECT k, v FROM kv WHERE ns = ? AND k >= ? AND k < ? ORDER BY k", ns, lo, hi)
	} else {
		rows, err = s.db.QueryContext(s.ctx,
			"SELECT k, v FROM kv WHERE ns = ? AND k >= ? ORDER BY k", ns, lo)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying range")
	}
	return &kvIterator{rows: rows}, nil
}

type kvIterator struct {
	rows *sql.Rows
}

func (k *kvIterator) Next() (streamcorpus.KV, error) {
	if !k.rows.Next() {
		if err := k.rows.Err(); err != nil {
			return streamcorpus.KV{}, errors.Wrap(err, "iterating")
		}
		return streamcorpus.KV{}, io.EOF
	}
	var kb, v []byte
	if err := k.rows.Scan(&kb, &v); err != nil {
		return streamcorpus.KV{}, errors.Wrap(err, "scanning row")
	}
	key, err := streamcorpus.ParseKey(kb)
	if err != nil {
		return streamcorpus.KV{}, err
	}
	return streamcorpus.KV{Key: key, Value: v}, nil
}

func (k *kvIterator) Close() error {
	return k.rows.Close()
}
