// Package kvlayer provides stages that keep stream items in a
// streamcorpus.Storage backend, keyed by (epoch ticks, doc id).
package kvlayer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterReader("from_kvlayer", func(cfg streamcorpus.StageConfig) (streamcorpus.Reader, error) {
		s, retry, err := openFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return &Reader{s: s, retry: retry}, nil
	})
	streamcorpus.DefaultRegistry.RegisterLoader("to_kvlayer", func(cfg streamcorpus.StageConfig) (streamcorpus.Loader, error) {
		s, retry, err := openFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return &Loader{s: s, retry: retry}, nil
	})
}

// Config selects the storage backend.
type Config struct {
	StorageType   string                 `mapstructure:"storage_type"`
	StorageConfig map[string]interface{} `mapstructure:"storage_config"`
	// MaxRetries is the number of tries for each storage get or put.
	MaxRetries int `mapstructure:"max_retries"`
}

// Backends do not classify their failures, so every storage error other
// than a configuration error is retried.
func retryable(err error) bool {
	return !streamcorpus.Is(err, streamcorpus.ErrConfiguration)
}

// Both stages of a pipeline usually name the same store, and some backends
// lock their files, so opened stores are shared by configuration.
var shared = struct {
	sync.Mutex
	m map[string]*sharedStorage
}{m: make(map[string]*sharedStorage)}

type sharedStorage struct {
	streamcorpus.Storage
	key  string
	refs int
}

func (s *sharedStorage) Close() error {
	shared.Lock()
	defer shared.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(shared.m, s.key)
	return s.Storage.Close()
}

func (conf Config) retrier() streamcorpus.Retrier {
	retry := streamcorpus.DefaultRetrier()
	retry.Retryable = retryable
	if conf.MaxRetries > 0 {
		retry.Attempts = conf.MaxRetries
	}
	return retry
}

func openFromConfig(cfg streamcorpus.StageConfig) (*sharedStorage, streamcorpus.Retrier, error) {
	var conf Config
	if err := cfg.Decode(&conf); err != nil {
		return nil, streamcorpus.Retrier{}, err
	}
	s, err := conf.open()
	return s, conf.retrier(), err
}

func (conf Config) open() (*sharedStorage, error) {
	if conf.StorageType == "" {
		return nil, errors.Wrap(streamcorpus.ErrConfiguration, "kvlayer needs a storage_type")
	}
	key := fmt.Sprintf("%s %v", conf.StorageType, conf.StorageConfig)
	shared.Lock()
	defer shared.Unlock()
	if s, ok := shared.m[key]; ok {
		s.refs++
		return s, nil
	}
	sc := streamcorpus.StageConfig(conf.StorageConfig)
	if sc == nil {
		sc = streamcorpus.StageConfig{}
	}
	st, err := streamcorpus.OpenStorage(conf.StorageType, sc)
	if err != nil {
		return nil, err
	}
	if err := st.SetupNamespace(streamcorpus.StreamItemsTable, 2); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "setting up stream_items")
	}
	s := &sharedStorage{Storage: st, key: key, refs: 1}
	shared.m[key] = s
	return s, nil
}

// ParseRange parses "<ticks>,<doc id>,<ticks>,<doc id>" into an inclusive key
// range. An empty doc id makes that end a prefix on epoch ticks alone. An
// empty string is the whole table.
func ParseRange(iStr string) (start, end streamcorpus.Key, err error) {
	if iStr == "" {
		return nil, nil, nil
	}
	parts := strings.Split(iStr, ",")
	if len(parts) != 4 {
		return nil, nil, errors.Errorf("storage range '%s' needs 4 comma separated parts", iStr)
	}
	start, err = rangeEnd(parts[0], parts[1])
	if err != nil {
		return nil, nil, err
	}
	end, err = rangeEnd(parts[2], parts[3])
	return start, end, err
}

func rangeEnd(ticks, docID string) (streamcorpus.Key, error) {
	t, err := strconv.ParseInt(strings.TrimSpace(ticks), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing epoch ticks '%s'", ticks)
	}
	k := streamcorpus.Key{streamcorpus.TicksUUID(t)}
	if docID = strings.TrimSpace(docID); docID != "" {
		u, err := streamcorpus.DocIDUUID(docID)
		if err != nil {
			return nil, err
		}
		k = append(k, u)
	}
	return k, nil
}

// FormatRange is the inverse of ParseRange for full keys.
func FormatRange(start, end streamcorpus.Key) string {
	return strings.Join([]string{formatKey(start), formatKey(end)}, ",")
}

func formatKey(k streamcorpus.Key) string {
	var ticks int64
	var doc string
	if len(k) > 0 {
		ticks = int64(binary.BigEndian.Uint64(k[0][8:]))
	}
	if len(k) > 1 {
		doc = hex.EncodeToString(k[1][:])
	}
	return fmt.Sprintf("%d,%s", ticks, doc)
}

// Reader is the from_kvlayer stage.
type Reader struct {
	s     *sharedStorage
	retry streamcorpus.Retrier
}

// Read implements streamcorpus.Reader.
func (r *Reader) Read(ctx context.Context, iStr string) (streamcorpus.ItemIterator, error) {
	start, end, err := ParseRange(iStr)
	if err != nil {
		return nil, err
	}
	var it streamcorpus.KVIterator
	err = r.retry.Do(ctx, func() (err error) {
		it, err = r.s.Get(streamcorpus.StreamItemsTable, start, end)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "from_kvlayer")
	}
	return &items{it: it}, nil
}

// Close releases the storage.
func (r *Reader) Close() error { return r.s.Close() }

type items struct {
	it streamcorpus.KVIterator
}

func (i *items) Next() (*streamcorpus.StreamItem, error) {
	kv, err := i.it.Next()
	if err != nil {
		return nil, err
	}
	data, err := chunk.DecryptAndUncompress(kv.Value, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "item at %s", FormatRange(kv.Key, kv.Key))
	}
	return chunk.Deserialize(data)
}

func (i *items) Close() error { return i.it.Close() }

// Loader is the to_kvlayer stage. It returns the storage range holding the
// chunk's items, suitable as a from_kvlayer task string.
type Loader struct {
	s     *sharedStorage
	retry streamcorpus.Retrier
}

// Load implements streamcorpus.Loader.
func (l *Loader) Load(ctx context.Context, chunkPath string, info streamcorpus.NameInfo, iStr string) (string, error) {
	r, err := chunk.Open(chunkPath, chunk.OptMaxRetries(1))
	if err != nil {
		return "", err
	}
	defer r.Close()
	var first, last streamcorpus.Key
	for {
		si, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
		key, err := streamcorpus.StreamItemKey(si)
		if err != nil {
			return "", errors.Wrapf(err, "keying %s", si.StreamID)
		}
		b, err := chunk.Serialize(si)
		if err != nil {
			return "", err
		}
		b, err = chunk.CompressAndEncrypt(b, nil)
		if err != nil {
			return "", err
		}
		err = l.retry.Do(ctx, func() error {
			return l.s.Put(streamcorpus.StreamItemsTable, key, b)
		})
		if err != nil {
			return "", errors.Wrapf(err, "storing %s", si.StreamID)
		}
		if first == nil || less(key, first) {
			first = key
		}
		if last == nil || less(last, key) {
			last = key
		}
	}
	if first == nil {
		return "", nil
	}
	return FormatRange(first, last), nil
}

// Close releases the storage.
func (l *Loader) Close() error { return l.s.Close() }

func less(a, b streamcorpus.Key) bool {
	return bytes.Compare(a.Bytes(), b.Bytes()) < 0
}
