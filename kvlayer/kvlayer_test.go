package kvlayer

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
	"github.com/streamcorpus/go-streamcorpus/leveldb"
	"github.com/streamcorpus/go-streamcorpus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, it streamcorpus.ItemIterator) []string {
	t.Helper()
	defer it.Close()
	var ids []string
	for {
		si, err := it.Next()
		if err == io.EOF {
			return ids
		}
		require.NoError(t, err)
		ids = append(ids, si.StreamID)
	}
}

// flakyStorage fails its first few gets and puts.
type flakyStorage struct {
	streamcorpus.Storage
	putFails, getFails int
	puts, gets         int
}

func (f *flakyStorage) Put(ns string, key streamcorpus.Key, value []byte) error {
	f.puts++
	if f.puts <= f.putFails {
		return errors.New("storage busy")
	}
	return f.Storage.Put(ns, key, value)
}

func (f *flakyStorage) Get(ns string, start, end streamcorpus.Key) (streamcorpus.KVIterator, error) {
	f.gets++
	if f.gets <= f.getFails {
		return nil, errors.New("storage busy")
	}
	return f.Storage.Get(ns, start, end)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestParseRange(t *testing.T) {
	start, end, err := ParseRange("10,,20,")
	require.NoError(t, err)
	assert.Equal(t, streamcorpus.Key{streamcorpus.TicksUUID(10)}, start)
	assert.Equal(t, streamcorpus.Key{streamcorpus.TicksUUID(20)}, end)

	doc := "a6bf1757fff057f266b697df9cf176fd"
	start, _, err = ParseRange("10," + doc + ",20,")
	require.NoError(t, err)
	require.Len(t, start, 2)
	assert.Equal(t, "10,"+doc+",20,", FormatRange(start, end))

	for _, bad := range []string{"1,2,3", "x,,1,", "1,zz,2,"} {
		_, _, err := ParseRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadThenRead(t *testing.T) {
	dir, err := ioutil.TempDir("", "kvlayer")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	items := test.Items(5)
	path := filepath.Join(dir, "in.sc")
	require.NoError(t, chunk.WriteAtomic(path, items))

	cfg := streamcorpus.StageConfig{
		"storage_type":   "leveldb",
		"storage_config": map[string]interface{}{"storage_path": filepath.Join(dir, "db")},
	}
	l, err := streamcorpus.DefaultRegistry.BuildLoader("to_kvlayer", cfg)
	require.NoError(t, err)
	r, err := streamcorpus.DefaultRegistry.BuildReader("from_kvlayer", cfg)
	require.NoError(t, err, "reader shares the loader's leveldb")
	defer r.(io.Closer).Close()

	rng, err := l.Load(context.Background(), path, streamcorpus.NameInfo{}, path)
	require.NoError(t, err)
	require.NoError(t, l.(io.Closer).Close())

	it, err := r.Read(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, test.StreamIDs(items), drain(t, it))

	// epoch ticks of items 1 and 2, without doc ids
	t1 := int64(items[1].StreamTime.EpochTicks)
	t2 := int64(items[2].StreamTime.EpochTicks)
	it, err = r.Read(context.Background(), FormatRange(
		streamcorpus.Key{streamcorpus.TicksUUID(t1)},
		streamcorpus.Key{streamcorpus.TicksUUID(t2)}))
	require.NoError(t, err)
	assert.Equal(t, test.StreamIDs(items[1:3]), drain(t, it))

	it, err = r.Read(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 5)
}

func TestEmptyChunkLoadsNothing(t *testing.T) {
	dir, err := ioutil.TempDir("", "kvlayer")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "empty.sc")
	require.NoError(t, chunk.WriteAtomic(path, nil))

	l, err := streamcorpus.DefaultRegistry.BuildLoader("to_kvlayer", streamcorpus.StageConfig{
		"storage_type":   "memory",
		"storage_config": map[string]interface{}{"name": "empty"},
	})
	require.NoError(t, err)
	defer l.(io.Closer).Close()
	rng, err := l.Load(context.Background(), path, streamcorpus.NameInfo{}, path)
	require.NoError(t, err)
	assert.Equal(t, "", rng)
}

func TestNeedsStorageType(t *testing.T) {
	_, err := streamcorpus.DefaultRegistry.BuildReader("from_kvlayer", streamcorpus.StageConfig{})
	assert.True(t, streamcorpus.Is(err, streamcorpus.ErrConfiguration))
}

func TestStorageErrorsAreRetried(t *testing.T) {
	dir, err := ioutil.TempDir("", "kvlayer")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	items := test.Items(3)
	path := filepath.Join(dir, "in.sc")
	require.NoError(t, chunk.WriteAtomic(path, items))

	mem := leveldb.NewMemStorage()
	require.NoError(t, mem.SetupNamespace(streamcorpus.StreamItemsTable, 2))
	flaky := &flakyStorage{Storage: mem, putFails: 2, getFails: 2}
	s := &sharedStorage{Storage: flaky, refs: 2}
	var waits []time.Duration
	retry := Config{MaxRetries: 3}.retrier()
	retry.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	l := &Loader{s: s, retry: retry}
	rng, err := l.Load(context.Background(), path, streamcorpus.NameInfo{}, path)
	require.NoError(t, err)
	assert.Equal(t, 2+len(items), flaky.puts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)

	r := &Reader{s: s, retry: retry}
	it, err := r.Read(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, test.StreamIDs(items), drain(t, it))
	assert.Equal(t, 3, flaky.gets)

	flaky.gets, flaky.getFails = 0, 3
	_, err = r.Read(context.Background(), rng)
	require.Error(t, err)
	assert.Equal(t, 3, flaky.gets, "gives up after max_retries tries")
}

func TestConfigurationErrorsAreNotRetried(t *testing.T) {
	calls := 0
	retry := Config{}.retrier()
	retry.Sleep = noSleep
	err := retry.Do(context.Background(), func() error {
		calls++
		return errors.Wrap(streamcorpus.ErrConfiguration, "bad namespace")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
