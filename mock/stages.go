package mock

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

// Reader serves fixed item slices keyed by task string.
type Reader struct {
	Items map[string][]*streamcorpus.StreamItem
	// FailAfter makes the iterator for a task fail once it has yielded that
	// many items.
	FailAfter map[string]int
	// Err is returned by the failing iterator.
	Err error
}

// Read implements streamcorpus.Reader.
func (r *Reader) Read(ctx context.Context, iStr string) (streamcorpus.ItemIterator, error) {
	items, ok := r.Items[iStr]
	if !ok {
		return nil, errors.Errorf("mock reader has no task '%s'", iStr)
	}
	fail := -1
	if n, ok := r.FailAfter[iStr]; ok {
		fail = n
	}
	return &iter{items: items, fail: fail, err: r.Err}, nil
}

type iter struct {
	items []*streamcorpus.StreamItem
	n     int
	fail  int
	err   error
}

func (it *iter) Next() (*streamcorpus.StreamItem, error) {
	if it.n == it.fail {
		return nil, it.err
	}
	if it.n >= len(it.items) {
		return nil, io.EOF
	}
	it.n++
	return it.items[it.n-1], nil
}

func (it *iter) Close() error { return nil }

// Load is one call to Loader.Load.
type Load struct {
	Info      streamcorpus.NameInfo
	IStr      string
	StreamIDs []string
}

// Loader records the chunks it is given. It reads each chunk so tests can see
// what was written.
type Loader struct {
	mu    sync.Mutex
	Loads []Load
	// Err, if set, is returned from every Load.
	Err error
}

// Load implements streamcorpus.Loader.
func (l *Loader) Load(ctx context.Context, chunkPath string, info streamcorpus.NameInfo, iStr string) (string, error) {
	if l.Err != nil {
		return "", l.Err
	}
	items, err := chunk.ReadAll(chunkPath, chunk.OptMaxRetries(1))
	if err != nil {
		return "", err
	}
	ids := make([]string, len(items))
	for i, si := range items {
		ids[i] = si.StreamID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Loads = append(l.Loads, Load{Info: info, IStr: iStr, StreamIDs: ids})
	return "mock:" + info.MD5, nil
}

// StreamIDs returns every stream id loaded, in order.
func (l *Loader) StreamIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, ld := range l.Loads {
		ids = append(ids, ld.StreamIDs...)
	}
	return ids
}
