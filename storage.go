package streamcorpus

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StreamItemsTable is the storage namespace stream items are kept in.
const StreamItemsTable = "stream_items"

// Key is a tuple of UUIDs. Keys sort component by component, bytewise.
type Key []uuid.UUID

// Bytes concatenates the key components.
func (k Key) Bytes() []byte {
	b := make([]byte, 0, 16*len(k))
	for _, u := range k {
		b = append(b, u[:]...)
	}
	return b
}

// ParseKey is the inverse of Key.Bytes.
func ParseKey(b []byte) (Key, error) {
	if len(b)%16 != 0 {
		return nil, errors.Errorf("key length %d is not a multiple of 16", len(b))
	}
	k := make(Key, len(b)/16)
	for i := range k {
		copy(k[i][:], b[i*16:(i+1)*16])
	}
	return k, nil
}

// TicksUUID encodes epoch ticks as a 128 bit big-endian integer so that keys
// sort by time.
func TicksUUID(ticks int64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[8:], uint64(ticks))
	return u
}

// DocIDUUID interprets a 32 character hex doc id as a UUID.
func DocIDUUID(docID string) (uuid.UUID, error) {
	var u uuid.UUID
	b, err := hex.DecodeString(docID)
	if err != nil {
		return u, errors.Wrapf(err, "decoding doc id '%s'", docID)
	}
	if len(b) != 16 {
		return u, errors.Errorf("doc id '%s' is %d bytes, want 16", docID, len(b))
	}
	copy(u[:], b)
	return u, nil
}

// StreamItemKey is the storage key of a stream item.
func StreamItemKey(si *StreamItem) (Key, error) {
	doc, err := DocIDUUID(si.DocID)
	if err != nil {
		return nil, err
	}
	return Key{TicksUUID(int64(si.StreamTime.EpochTicks)), doc}, nil
}

// KV is a single stored entry.
type KV struct {
	Key   Key
	Value []byte
}

// KVIterator walks a key range in order. Next returns io.EOF at the end.
type KVIterator interface {
	Next() (KV, error)
	Close() error
}

// Storage is an ordered key/value store organized into namespaces.
type Storage interface {
	// SetupNamespace declares a namespace whose keys have arity components.
	// Setting up an existing namespace is a no-op.
	SetupNamespace(ns string, arity int) error
	Put(ns string, key Key, value []byte) error
	// Get returns every entry with start <= key <= end. A shorter end key
	// matches every key it prefixes.
	Get(ns string, start, end Key) (KVIterator, error)
	Close() error
}

// StorageOpener opens a Storage backend from its configuration.
type StorageOpener func(cfg StageConfig) (Storage, error)

var storageTable = struct {
	sync.RWMutex
	m map[string]StorageOpener
}{m: make(map[string]StorageOpener)}

// RegisterStorage makes a storage backend available by name.
func RegisterStorage(name string, open StorageOpener) {
	storageTable.Lock()
	defer storageTable.Unlock()
	storageTable.m[name] = open
}

// OpenStorage opens the named backend.
func OpenStorage(name string, cfg StageConfig) (Storage, error) {
	storageTable.RLock()
	open, ok := storageTable.m[name]
	storageTable.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrConfiguration, "unknown storage backend '%s' (have %s)", name, strings.Join(StorageNames(), ", "))
	}
	s, err := open(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s storage", name)
	}
	return s, nil
}

// StorageNames lists the registered storage backends.
func StorageNames() []string {
	storageTable.RLock()
	defer storageTable.RUnlock()
	names := make([]string, 0, len(storageTable.m))
	for n := range storageTable.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UpperBound returns the smallest byte string greater than every key having
// prefix p, or nil if none exists.
func UpperBound(p []byte) []byte {
	b := append([]byte(nil), p...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
