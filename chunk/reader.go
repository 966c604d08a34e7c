package chunk

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/ulikunitz/xz"
)

// VersionKey is the container metadata key holding the schema generation of
// the items in a chunk.
const VersionKey = "streamcorpus.version"

// ErrDuplicateStreamID is returned when an item is added to a chunk which
// already holds an item with the same stream id.
const ErrDuplicateStreamID = streamcorpus.Error("duplicate stream_id in chunk")

// Compression of a chunk file.
type Compression int

const (
	// CompressionAuto picks XZ for paths ending in .xz and None otherwise.
	CompressionAuto Compression = iota
	CompressionNone
	CompressionXZ
)

const initialOpenBackoff = 100 * time.Millisecond

type options struct {
	ctx         context.Context
	maxRetries  int
	maxBackoff  time.Duration
	compression Compression
	version     streamcorpus.Version
	sleep       func(context.Context, time.Duration) error
}

func defaultOptions() *options {
	return &options{
		ctx:        context.Background(),
		maxRetries: 5,
		maxBackoff: 10 * time.Second,
		version:    streamcorpus.Version03,
		sleep:      sleepCtx,
	}
}

// Option is a functional option for Open and Create.
type Option func(o *options)

// OptMaxRetries sets how many times Open tries to open a file before giving
// up. Values below 1 mean a single attempt.
func OptMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// OptMaxBackoff caps the delay between open attempts.
func OptMaxBackoff(d time.Duration) Option {
	return func(o *options) {
		o.maxBackoff = d
	}
}

// OptCompression overrides compression detection from the file extension.
func OptCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// OptVersion sets the schema generation Create records in the chunk header.
func OptVersion(v streamcorpus.Version) Option {
	return func(o *options) {
		o.version = v
	}
}

// OptContext makes Open give up retrying when ctx is done.
func OptContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// OptSleep replaces the function used to wait between open attempts.
func OptSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

func (o *options) xz(path string) bool {
	switch o.compression {
	case CompressionXZ:
		return true
	case CompressionNone:
		return false
	}
	return strings.HasSuffix(path, ".xz")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader iterates over the stream items in a chunk file.
type Reader struct {
	f       *os.File
	ocf     *goavro.OCFReader
	version streamcorpus.Version
	n       int
}

// Open opens a chunk file for reading, retrying with exponential backoff if
// the file can't be opened. When every attempt fails the error from the last
// attempt is returned as is.
func Open(path string, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	f, err := openWithRetry(path, o)
	if err != nil {
		return nil, err
	}
	var r io.Reader = bufio.NewReader(f)
	if o.xz(path) {
		r, err = xz.NewReader(r)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "opening xz stream in %s", path)
		}
	}
	rdr, err := NewReader(r)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	rdr.f = f
	return rdr, nil
}

func openWithRetry(path string, o *options) (*os.File, error) {
	backoff := initialOpenBackoff
	var err error
	for attempt := 0; attempt < o.maxRetries || attempt == 0; attempt++ {
		var f *os.File
		f, err = os.Open(path)
		if err == nil {
			return f, nil
		}
		wait := backoff
		if o.maxBackoff > 0 && wait > o.maxBackoff {
			wait = o.maxBackoff
		}
		if serr := o.sleep(o.ctx, wait); serr != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, err
}

// NewReader reads a chunk from r, which must already be decompressed.
func NewReader(r io.Reader) (*Reader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading chunk header")
	}
	v := streamcorpus.Version(ocf.MetaData()[VersionKey])
	switch v {
	case streamcorpus.Version02, streamcorpus.Version03:
	default:
		return nil, errors.Wrapf(streamcorpus.ErrVersionMismatch, "chunk declares version '%s'", v)
	}
	return &Reader{ocf: ocf, version: v}, nil
}

// Version is the schema generation declared in the chunk header.
func (r *Reader) Version() streamcorpus.Version { return r.version }

// Next returns the next stream item, or io.EOF after the last one.
func (r *Reader) Next() (*streamcorpus.StreamItem, error) {
	if !r.ocf.Scan() {
		if err := r.ocf.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading item %d", r.n)
		}
		return nil, io.EOF
	}
	native, err := r.ocf.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "reading item %d", r.n)
	}
	si, err := itemFromNative(native)
	if err != nil {
		return nil, errors.Wrapf(err, "item %d", r.n)
	}
	r.n++
	return si, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// ReadAll returns every item in the chunk file at path.
func ReadAll(path string, opts ...Option) ([]*streamcorpus.StreamItem, error) {
	r, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var items []*streamcorpus.StreamItem
	for {
		si, err := r.Next()
		if err == io.EOF {
			return items, nil
		} else if err != nil {
			return items, err
		}
		items = append(items, si)
	}
}
