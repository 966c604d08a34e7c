// Package file provides stages that read and write chunk files on the local
// filesystem.
package file

import (
	"context"
	"path/filepath"
	"time"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterReader("from_local_chunks", NewReaderFromConfig)
	streamcorpus.DefaultRegistry.RegisterLoader("to_local_chunks", NewLoaderFromConfig)
}

// ReaderConfig configures from_local_chunks.
type ReaderConfig struct {
	RootPath string `mapstructure:"root_path"`
	// MaxRetries is how many times opening a chunk is attempted.
	MaxRetries int `mapstructure:"max_retries"`
	// MaxBackoff caps the delay between attempts, in seconds.
	MaxBackoff float64 `mapstructure:"max_backoff"`
}

// Reader is the from_local_chunks stage. Task strings are paths to .sc or
// .sc.xz files, absolute or relative to RootPath.
type Reader struct {
	conf ReaderConfig
	opts []chunk.Option
}

// NewReaderFromConfig builds a Reader.
func NewReaderFromConfig(cfg streamcorpus.StageConfig) (streamcorpus.Reader, error) {
	conf := ReaderConfig{MaxRetries: 5, MaxBackoff: 10}
	if err := cfg.Decode(&conf); err != nil {
		return nil, err
	}
	return NewReader(conf), nil
}

// NewReader returns a Reader using conf.
func NewReader(conf ReaderConfig, opts ...chunk.Option) *Reader {
	return &Reader{conf: conf, opts: opts}
}

// Read implements streamcorpus.Reader.
func (r *Reader) Read(ctx context.Context, iStr string) (streamcorpus.ItemIterator, error) {
	path := iStr
	if !filepath.IsAbs(path) && r.conf.RootPath != "" {
		path = filepath.Join(r.conf.RootPath, path)
	}
	opts := append([]chunk.Option{
		chunk.OptContext(ctx),
		chunk.OptMaxRetries(r.conf.MaxRetries),
		chunk.OptMaxBackoff(time.Duration(r.conf.MaxBackoff * float64(time.Second))),
	}, r.opts...)
	rdr, err := chunk.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return rdr, nil
}
