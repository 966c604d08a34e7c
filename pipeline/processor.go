// Package pipeline assembles stages into a Processor and drives it with
// tasks from a queue.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

// Incremental is a named incremental transform.
type Incremental struct {
	Name string
	streamcorpus.IncrementalTransform
}

// Batch is a named batch transform.
type Batch struct {
	Name string
	streamcorpus.BatchTransform
}

// Loader is a named loader.
type Loader struct {
	Name string
	streamcorpus.Loader
}

// Unit is one task as the processor sees it.
type Unit struct {
	IStr string
	// Offset is how many input records earlier attempts already handled.
	Offset int64
	// PartialCommit, if set, is called each time an output chunk has been
	// through every loader, with the input records [start, end) it covered.
	PartialCommit func(start, end int64, outputs []string) error
}

// Result is what processing one unit produced. It is stored as the
// task's commit result.
type Result struct {
	IStr       string   `json:"i_str"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Outputs    []string `json:"outputs"`
	Chunks     int      `json:"chunks"`
	Written    int      `json:"written"`
	Dropped    int      `json:"dropped"`
	Failed     int      `json:"failed"`
	ConfigHash string   `json:"config_hash,omitempty"`
}

// Processor runs one reader, a chain of incremental transforms, batch
// transforms and loaders over a task. A Processor handles one unit at a
// time.
type Processor struct {
	Reader      streamcorpus.Reader
	ReaderName  string
	Incremental []Incremental
	Batch       []Batch
	Loaders     []Loader

	// MaxItems caps the records per output chunk. Zero means no cap.
	MaxItems int
	// TmpDir holds output chunks until the loaders are done with them.
	TmpDir string
	// Values are copied into every Context.
	Values map[string]interface{}

	Log      streamcorpus.Logger
	Stats    streamcorpus.Statter
	Shutdown *streamcorpus.ShutdownFlag
}

func (p *Processor) log() streamcorpus.Logger {
	if p.Log == nil {
		return streamcorpus.NopLogger{}
	}
	return p.Log
}

func (p *Processor) stats() streamcorpus.Statter {
	if p.Stats == nil {
		return streamcorpus.NopStatter{}
	}
	return p.Stats
}

// run is the state of one call to Process.
type run struct {
	p    *Processor
	ctx  context.Context
	unit Unit
	sctx *streamcorpus.Context
	res  *Result

	w          *chunk.Writer
	dir        string
	pos        int64
	chunkStart int64
}

// Process reads unit.IStr, skipping the first unit.Offset records, and
// pushes every surviving record through the stages. Records that fail an
// incremental transform are logged and dropped. A batch transform or loader
// error is returned as a *streamcorpus.ChunkFailure. If the reader fails or
// the shutdown flag is raised, the records read so far are flushed and
// partially committed before the error, or ErrGracefulShutdown, is
// returned.
func (p *Processor) Process(ctx context.Context, unit Unit) (*Result, error) {
	r := &run{
		p:          p,
		ctx:        ctx,
		unit:       unit,
		sctx:       streamcorpus.NewContext(unit.IStr),
		res:        &Result{IStr: unit.IStr, Start: unit.Offset, End: unit.Offset},
		pos:        unit.Offset,
		chunkStart: unit.Offset,
	}
	for k, v := range p.Values {
		r.sctx.Values[k] = v
	}
	if h, ok := p.Values["config_hash"].(string); ok {
		r.res.ConfigHash = h
	}
	defer r.abort()

	it, err := p.Reader.Read(ctx, unit.IStr)
	if err != nil {
		return r.res, errors.Wrapf(err, "reader %s on '%s'", p.ReaderName, unit.IStr)
	}
	defer it.Close()

	for i := int64(0); i < unit.Offset; i++ {
		if _, err := it.Next(); err == io.EOF {
			p.log().Warnf("'%s' has fewer than %d records to skip", unit.IStr, unit.Offset)
			break
		} else if err != nil {
			return r.res, errors.Wrapf(err, "skipping to record %d of '%s'", unit.Offset, unit.IStr)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		si, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			p.log().Errorf("reader %s failed after %d records of '%s': %v", p.ReaderName, r.pos, unit.IStr, err)
			if ferr := r.flush(false); ferr != nil {
				return r.res, ferr
			}
			return r.res, errors.Wrapf(err, "reading '%s'", unit.IStr)
		}
		// The flag is honoured only with a record in hand, so input that is
		// already exhausted completes normally. si is read again on resume.
		if p.Shutdown.Raised() {
			if err := r.flush(false); err != nil {
				return r.res, err
			}
			return r.res, streamcorpus.ErrGracefulShutdown
		}
		r.pos++
		p.stats().Count("records.in", 1, 1)
		if err := r.add(si); err != nil {
			return r.res, err
		}
	}
	if err := r.flush(r.res.Chunks == 0); err != nil {
		return r.res, err
	}
	r.res.End = r.pos
	return r.res, nil
}

// add runs si through the incremental transforms and writes whatever
// survives.
func (r *run) add(si *streamcorpus.StreamItem) error {
	p := r.p
	id := si.StreamID
	for _, t := range p.Incremental {
		out, err := transform(t, si, r.sctx)
		if err != nil {
			r.res.Failed++
			p.stats().Count("records.failed", 1, 1)
			p.log().Errorf("%v", &streamcorpus.RecordFailure{Stage: t.Name, StreamID: id, Err: err})
			return nil
		}
		if out == nil {
			r.res.Dropped++
			p.stats().Count("records.dropped", 1, 1)
			p.log().Debugf("%s dropped %s", t.Name, id)
			return nil
		}
		si = out
	}
	if r.w == nil {
		if err := r.open(); err != nil {
			return err
		}
	}
	if err := r.w.Add(si); streamcorpus.Is(err, chunk.ErrDuplicateStreamID) {
		r.res.Failed++
		p.stats().Count("records.failed", 1, 1)
		p.log().Errorf("%v", &streamcorpus.RecordFailure{Stage: "chunk writer", StreamID: si.StreamID, Err: err})
		return nil
	} else if err != nil {
		return &streamcorpus.ChunkFailure{Stage: "chunk writer", Path: r.w.Path(), Err: err}
	}
	r.res.Written++
	p.stats().Count("records.out", 1, 1)
	if p.MaxItems > 0 && r.w.Len() >= p.MaxItems {
		return r.flush(false)
	}
	return nil
}

func transform(t Incremental, si *streamcorpus.StreamItem, sctx *streamcorpus.Context) (out *streamcorpus.StreamItem, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, errors.Errorf("panic: %v", rec)
		}
	}()
	return t.Transform(si, sctx)
}

// open starts a new output chunk in a directory of its own, so that batch
// transforms may leave files next to it.
func (r *run) open() error {
	tmp := r.p.TmpDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return errors.Wrap(err, "creating tmp dir")
	}
	dir, err := ioutil.TempDir(tmp, "streamcorpus-")
	if err != nil {
		return errors.Wrap(err, "creating chunk dir")
	}
	w, err := chunk.Create(filepath.Join(dir, fmt.Sprintf("chunk-%d.sc", r.res.Chunks)))
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	r.w, r.dir = w, dir
	return nil
}

// abort throws away an unfinished chunk.
func (r *run) abort() {
	if r.w != nil {
		r.w.Abort()
		r.w = nil
	}
	if r.dir != "" {
		os.RemoveAll(r.dir)
		r.dir = ""
	}
}

// flush closes the current chunk, runs it through the batch transforms and
// loaders, and partially commits the input it covers. An empty chunk is
// only written if always is true.
func (r *run) flush(always bool) error {
	p := r.p
	if r.w == nil && always {
		if err := r.open(); err != nil {
			return err
		}
	}
	if r.w == nil || (r.w.Len() == 0 && !always) {
		r.abort()
		return r.commit(nil)
	}
	start := time.Now()
	defer r.abort()
	w := r.w
	r.w = nil
	info := w.NameInfo(r.unit.IStr)
	if err := w.Close(); err != nil {
		return &streamcorpus.ChunkFailure{Stage: "chunk writer", Path: w.Path(), Err: err}
	}
	path := w.Path()
	for _, b := range p.Batch {
		out, err := b.Process(r.ctx, path)
		if err != nil {
			return &streamcorpus.ChunkFailure{Stage: b.Name, Path: path, Err: err}
		}
		path = out
	}
	if len(p.Batch) > 0 {
		var err error
		info, err = chunk.Describe(path, r.unit.IStr, chunk.OptMaxRetries(1))
		if err != nil {
			return &streamcorpus.ChunkFailure{Stage: p.Batch[len(p.Batch)-1].Name, Path: path, Err: err}
		}
	}
	var outputs []string
	for _, l := range p.Loaders {
		out, err := l.Load(r.ctx, path, info, r.unit.IStr)
		if err != nil {
			return &streamcorpus.ChunkFailure{Stage: l.Name, Path: path, Err: err}
		}
		if out != "" {
			outputs = append(outputs, out)
		}
		p.log().Printf("%s wrote %d records from '%s' to %s", l.Name, info.Num, r.unit.IStr, out)
	}
	r.res.Chunks++
	r.res.Outputs = append(r.res.Outputs, outputs...)
	p.stats().Count("chunks.written", 1, 1)
	p.stats().Timing("chunk", time.Since(start), 1)
	return r.commit(outputs)
}

// commit reports the input consumed since the last commit.
func (r *run) commit(outputs []string) error {
	if r.pos == r.chunkStart {
		return nil
	}
	start, end := r.chunkStart, r.pos
	r.chunkStart = r.pos
	r.res.End = end
	if r.unit.PartialCommit == nil {
		return nil
	}
	return errors.Wrapf(r.unit.PartialCommit(start, end, outputs), "partial commit of '%s'", r.unit.IStr)
}
