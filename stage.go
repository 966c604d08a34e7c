package streamcorpus

import (
	"context"
	"time"
)

// ItemIterator is a lazy sequence of stream items. Next returns io.EOF once
// the sequence is exhausted.
type ItemIterator interface {
	Next() (*StreamItem, error)
	Close() error
}

// Reader is the first tier of a pipeline. It turns a task string into a
// sequence of stream items.
type Reader interface {
	Read(ctx context.Context, iStr string) (ItemIterator, error)
}

// Context is the per-chunk state handed to incremental transforms.
type Context struct {
	// IStr is the task string being processed.
	IStr string

	// Values holds per-chunk state shared down the transform chain. The
	// processor stores config_hash and config_json here.
	Values map[string]interface{}
}

// NewContext returns a Context for iStr with an empty Values map.
func NewContext(iStr string) *Context {
	return &Context{IStr: iStr, Values: make(map[string]interface{})}
}

// IncrementalTransform is the second tier. Returning a nil item drops the
// record and no later transform sees it.
type IncrementalTransform interface {
	Transform(si *StreamItem, ctx *Context) (*StreamItem, error)
}

// IncrementalFunc adapts a function to IncrementalTransform.
type IncrementalFunc func(si *StreamItem, ctx *Context) (*StreamItem, error)

// Transform calls f.
func (f IncrementalFunc) Transform(si *StreamItem, ctx *Context) (*StreamItem, error) {
	return f(si, ctx)
}

// BatchTransform is the third tier. It operates on a whole chunk file and
// returns the path of the chunk that replaces it, which may be the same path.
type BatchTransform interface {
	Process(ctx context.Context, chunkPath string) (string, error)
}

// Loader is the fourth tier. It gives a finished chunk a permanent home and
// returns where it went.
type Loader interface {
	Load(ctx context.Context, chunkPath string, info NameInfo, iStr string) (string, error)
}

// NameInfo describes a finished output chunk. Loaders use it to name their
// outputs.
type NameInfo struct {
	FirstStreamID string
	Num           int
	MD5           string
	EpochTicks    int64
	DateHour      string
	DocIDs        []string
	InputFname    string
	// Source is the source of the first record.
	Source string
}

// Fields returns NameInfo as a map suitable for templating output names.
func (ni NameInfo) Fields() map[string]interface{} {
	return map[string]interface{}{
		"first":       ni.FirstStreamID,
		"num":         ni.Num,
		"md5":         ni.MD5,
		"epoch_ticks": ni.EpochTicks,
		"date_hour":   ni.DateHour,
		"input_fname": ni.InputFname,
		"source":      ni.Source,
	}
}

// DateHour formats epoch ticks the way output chunks are bucketed.
func DateHour(epochTicks int64) string {
	return time.Unix(epochTicks, 0).UTC().Format("2006-01-02-15")
}

// LoggerSetter is implemented by stages that log. The assembler passes each
// one the pipeline's logger.
type LoggerSetter interface {
	SetLogger(l Logger)
}
