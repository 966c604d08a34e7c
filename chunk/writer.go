package chunk

import (
	"bufio"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/linkedin/goavro/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/ulikunitz/xz"
)

const blockSize = 100

// Writer writes stream items to a temporary file next to its destination.
// Nothing is visible at the destination path until Close renames the
// temporary file into place.
type Writer struct {
	path    string
	tmpPath string
	f       *os.File
	bw      *bufio.Writer
	xw      *xz.Writer
	ocf     *goavro.OCFWriter

	pending []interface{}
	seen    map[string]struct{}
	sum     *summary
	closed  bool
}

// summary accumulates what NameInfo reports about a sequence of items.
type summary struct {
	md5    hash.Hash
	items  int
	first  *streamcorpus.StreamItem
	docIDs []string
}

func newSummary() *summary { return &summary{md5: md5.New()} }

// add hashes items as JSON because it orders map keys and avro does not.
func (s *summary) add(si *streamcorpus.StreamItem) error {
	b, err := json.Marshal(si)
	if err != nil {
		return errors.Wrapf(err, "hashing %s", si.StreamID)
	}
	s.md5.Write(b)
	if s.first == nil {
		s.first = si
	}
	s.docIDs = append(s.docIDs, si.DocID)
	s.items++
	return nil
}

func (s *summary) nameInfo(inputFname string) streamcorpus.NameInfo {
	ni := streamcorpus.NameInfo{
		Num:        s.items,
		MD5:        hex.EncodeToString(s.md5.Sum(nil)),
		DocIDs:     append([]string(nil), s.docIDs...),
		InputFname: inputFname,
	}
	if s.first != nil {
		ni.FirstStreamID = s.first.StreamID
		ni.EpochTicks = int64(s.first.StreamTime.EpochTicks)
		ni.DateHour = streamcorpus.DateHour(ni.EpochTicks)
		ni.Source = s.first.Source
	}
	return ni
}

var entropy = struct {
	sync.Mutex
	r io.Reader
}{r: ulid.Monotonic(rand.Reader, 0)}

// TempPath returns the sibling temporary path used while writing path.
func TempPath(path string) string {
	entropy.Lock()
	id := ulid.MustNew(ulid.Now(), entropy.r)
	entropy.Unlock()
	dir, base := filepath.Split(path)
	return filepath.Join(dir, fmt.Sprintf(".%s.partial-%s", base, id))
}

// Create starts writing a chunk that will appear at path when the Writer is
// closed.
func Create(path string, opts ...Option) (*Writer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	w := &Writer{
		path:    path,
		tmpPath: TempPath(path),
		seen:    make(map[string]struct{}),
		sum:     newSummary(),
	}
	var err error
	w.f, err = os.OpenFile(w.tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "creating temporary chunk")
	}
	w.bw = bufio.NewWriter(w.f)
	var out io.Writer = w.bw
	if o.xz(path) {
		w.xw, err = xz.NewWriter(w.bw)
		if err != nil {
			w.Abort()
			return nil, errors.Wrap(err, "starting xz stream")
		}
		out = w.xw
	}
	w.ocf, err = goavro.NewOCFWriter(goavro.OCFConfig{
		W:               out,
		Codec:           itemCodec,
		CompressionName: goavro.CompressionDeflateLabel,
		MetaData:        map[string][]byte{VersionKey: []byte(o.version)},
	})
	if err != nil {
		w.Abort()
		return nil, errors.Wrap(err, "writing chunk header")
	}
	return w, nil
}

// Add appends si to the chunk.
func (w *Writer) Add(si *streamcorpus.StreamItem) error {
	if w.closed {
		return errors.New("add to closed chunk writer")
	}
	if _, ok := w.seen[si.StreamID]; ok {
		return errors.Wrapf(ErrDuplicateStreamID, "'%s'", si.StreamID)
	}
	if err := w.sum.add(si); err != nil {
		return err
	}
	w.seen[si.StreamID] = struct{}{}
	w.pending = append(w.pending, nativeFromItem(si))
	if len(w.pending) >= blockSize {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.ocf.Append(w.pending); err != nil {
		return errors.Wrap(err, "appending block")
	}
	w.pending = w.pending[:0]
	return nil
}

// Len is the number of items added so far.
func (w *Writer) Len() int { return w.sum.items }

// MD5 is the hex digest of the items added so far, in order.
func (w *Writer) MD5() string { return hex.EncodeToString(w.sum.md5.Sum(nil)) }

// Path is where the chunk will appear after Close.
func (w *Writer) Path() string { return w.path }

// NameInfo describes the chunk written so far. inputFname is the task string
// the items came from.
func (w *Writer) NameInfo(inputFname string) streamcorpus.NameInfo {
	return w.sum.nameInfo(inputFname)
}

// Describe reads the chunk at path and returns the NameInfo a Writer would
// have reported for it.
func Describe(path, inputFname string, opts ...Option) (streamcorpus.NameInfo, error) {
	r, err := Open(path, opts...)
	if err != nil {
		return streamcorpus.NameInfo{}, err
	}
	defer r.Close()
	s := newSummary()
	for {
		si, err := r.Next()
		if err == io.EOF {
			return s.nameInfo(inputFname), nil
		} else if err != nil {
			return streamcorpus.NameInfo{}, err
		}
		if err := s.add(si); err != nil {
			return streamcorpus.NameInfo{}, err
		}
	}
}

// Close flushes the chunk to disk and atomically moves it to its final path.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.finish(); err != nil {
		w.Abort()
		return err
	}
	w.closed = true
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return errors.Wrap(err, "renaming chunk into place")
	}
	return nil
}

func (w *Writer) finish() error {
	if err := w.flush(); err != nil {
		return err
	}
	if w.xw != nil {
		if err := w.xw.Close(); err != nil {
			return errors.Wrap(err, "closing xz stream")
		}
	}
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "flushing chunk")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "syncing chunk")
	}
	err := w.f.Close()
	w.f = nil
	return errors.Wrap(err, "closing chunk")
}

// Abort discards everything written. The destination path is untouched.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	os.Remove(w.tmpPath)
}

// WriteAtomic writes items as a chunk at path.
func WriteAtomic(path string, items []*streamcorpus.StreamItem, opts ...Option) error {
	w, err := Create(path, opts...)
	if err != nil {
		return err
	}
	for _, si := range items {
		if err := w.Add(si); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Close()
}
