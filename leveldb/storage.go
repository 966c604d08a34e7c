// Package leveldb provides streamcorpus.Storage implementations using
// leveldb on disk and its in-memory skiplist.
package leveldb

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func init() {
	streamcorpus.RegisterStorage("leveldb", func(cfg streamcorpus.StageConfig) (streamcorpus.Storage, error) {
		var c struct {
			Path string `mapstructure:"storage_path"`
		}
		if err := cfg.Decode(&c); err != nil {
			return nil, err
		}
		return NewStorage(c.Path)
	})
	streamcorpus.RegisterStorage("memory", func(cfg streamcorpus.StageConfig) (streamcorpus.Storage, error) {
		return NewMemStorage(), nil
	})
}

var _ streamcorpus.Storage = &Storage{}

// metaPrefix starts the keys recording namespace arity. Data keys start with
// the namespace name followed by a zero byte, and namespace names may not be
// empty or start with a zero byte, so the two never collide.
var metaPrefix = []byte{0, 'n', 's', 0}

type store interface {
	put(key, value []byte, sync bool) error
	iter(r *util.Range) iterator.Iterator
	close() error
}

type diskStore struct{ db *leveldb.DB }

func (d diskStore) put(key, value []byte, sync bool) error {
	return d.db.Put(key, value, &opt.WriteOptions{Sync: sync})
}
func (d diskStore) iter(r *util.Range) iterator.Iterator { return d.db.NewIterator(r, nil) }
func (d diskStore) close() error                         { return d.db.Close() }

type memStore struct{ db *memdb.DB }

func (m memStore) put(key, value []byte, _ bool) error   { return m.db.Put(key, value) }
func (m memStore) iter(r *util.Range) iterator.Iterator { return m.db.NewIterator(r) }
func (m memStore) close() error                         { m.db.Reset(); return nil }

// Storage keeps every namespace in one ordered store, with keys prefixed by
// the namespace name.
type Storage struct {
	s store

	lock  sync.RWMutex
	arity map[string]int
}

// NewStorage opens (creating if necessary) the leveldb in dirname.
func NewStorage(dirname string) (*Storage, error) {
	if dirname == "" {
		return nil, errors.Wrap(streamcorpus.ErrConfiguration, "leveldb storage needs a storage_path")
	}
	db, err := leveldb.OpenFile(dirname, &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb at %s", dirname)
	}
	s := &Storage{s: diskStore{db}, arity: make(map[string]int)}
	if err := s.loadNamespaces(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMemStorage returns an empty Storage held in memory.
func NewMemStorage() *Storage {
	return &Storage{
		s:     memStore{memdb.New(comparer.DefaultComparer, 0)},
		arity: make(map[string]int),
	}
}

func (s *Storage) loadNamespaces() error {
	it := s.s.iter(util.BytesPrefix(metaPrefix))
	defer it.Release()
	for it.Next() {
		s.arity[string(it.Key()[len(metaPrefix):])] = int(binary.BigEndian.Uint32(it.Value()))
	}
	return errors.Wrap(it.Error(), "reading namespaces")
}

// Close releases the underlying store.
func (s *Storage) Close() error {
	return errors.Wrap(s.s.close(), "closing storage")
}

// SetupNamespace implements streamcorpus.Storage.
func (s *Storage) SetupNamespace(ns string, arity int) error {
	if ns == "" || ns[0] == 0 {
		return errors.Errorf("invalid namespace name '%s'", ns)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if cur, ok := s.arity[ns]; ok {
		if cur != arity {
			return errors.Errorf("namespace %s has arity %d, not %d", ns, cur, arity)
		}
		return nil
	}
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(arity))
	if err := s.s.put(append(append([]byte(nil), metaPrefix...), ns...), v, true); err != nil {
		return errors.Wrapf(err, "recording namespace %s", ns)
	}
	s.arity[ns] = arity
	return nil
}

func (s *Storage) prefix(ns string) ([]byte, int, error) {
	s.lock.RLock()
	arity, ok := s.arity[ns]
	s.lock.RUnlock()
	if !ok {
		return nil, 0, errors.Errorf("namespace %s is not set up", ns)
	}
	return append([]byte(ns), 0), arity, nil
}

// Put implements streamcorpus.Storage.
func (s *Storage) Put(ns string, key streamcorpus.Key, value []byte) error {
	prefix, arity, err := s.prefix(ns)
	if err != nil {
		return err
	}
	if len(key) != arity {
		return errors.Errorf("key has %d components, namespace %s wants %d", len(key), ns, arity)
	}
	return errors.Wrap(s.s.put(append(prefix, key.Bytes()...), value, false), "putting")
}

// Get implements streamcorpus.Storage.
func (s *Storage) Get(ns string, start, end streamcorpus.Key) (streamcorpus.KVIterator, error) {
	prefix, _, err := s.prefix(ns)
	if err != nil {
		return nil, err
	}
	rng := &util.Range{
		Start: append(append([]byte(nil), prefix...), start.Bytes()...),
		Limit: streamcorpus.UpperBound(append(append([]byte(nil), prefix...), end.Bytes()...)),
	}
	return &kvIterator{it: s.s.iter(rng), skip: len(prefix)}, nil
}

type kvIterator struct {
	it   iterator.Iterator
	skip int
}

func (k *kvIterator) Next() (streamcorpus.KV, error) {
	if !k.it.Next() {
		if err := k.it.Error(); err != nil {
			return streamcorpus.KV{}, errors.Wrap(err, "iterating")
		}
		return streamcorpus.KV{}, io.EOF
	}
	key, err := streamcorpus.ParseKey(k.it.Key()[k.skip:])
	if err != nil {
		return streamcorpus.KV{}, err
	}
	return streamcorpus.KV{Key: key, Value: append([]byte(nil), k.it.Value()...)}, nil
}

func (k *kvIterator) Close() error {
	k.it.Release()
	return nil
}
