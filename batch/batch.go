// Package batch provides whole-chunk transforms.
package batch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterBatch("sort_by_time", func(cfg streamcorpus.StageConfig) (streamcorpus.BatchTransform, error) {
		if err := cfg.Decode(&struct{}{}); err != nil {
			return nil, err
		}
		return SortByTime{}, nil
	})
	RegisterExternalCommand(streamcorpus.DefaultRegistry, "sh")
}

// SortByTime rewrites a chunk with its items ordered by stream time. Items
// with equal times keep their relative order.
type SortByTime struct{}

// Process implements streamcorpus.BatchTransform.
func (SortByTime) Process(ctx context.Context, chunkPath string) (string, error) {
	items, err := chunk.ReadAll(chunkPath, chunk.OptMaxRetries(1))
	if err != nil {
		return "", err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StreamTime.EpochTicks < items[j].StreamTime.EpochTicks
	})
	if err := chunk.WriteAtomic(chunkPath, items); err != nil {
		return "", errors.Wrap(err, "rewriting sorted chunk")
	}
	return chunkPath, nil
}

// RegisterExternalCommand registers external_command on r, running name by
// default, if name resolves to an executable. Pipelines that don't mention
// the stage are unaffected when it doesn't.
func RegisterExternalCommand(r *streamcorpus.Registry, name string) {
	probe := func() error {
		_, err := exec.LookPath(name)
		return err
	}
	r.RegisterOptional(streamcorpus.ShapeBatch, "external_command", probe, func(cfg streamcorpus.StageConfig) (streamcorpus.BatchTransform, error) {
		conf := ExternalConfig{Command: name}
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		return NewExternal(conf)
	})
}

// ExternalConfig configures external_command.
type ExternalConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Output names the file the command writes, relative to the chunk's
	// directory. Empty means the command rewrites the chunk in place.
	Output     string `mapstructure:"output"`
	TmpDirPath string `mapstructure:"tmp_dir_path"`
}

// External runs a program over each chunk. The program gets the chunk path
// as its last argument and the output path, if any, in SC_OUTPUT.
type External struct {
	conf ExternalConfig
	log  streamcorpus.Logger
}

// NewExternal resolves conf.Command and returns an External.
func NewExternal(conf ExternalConfig) (*External, error) {
	path, err := exec.LookPath(conf.Command)
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "external_command: %v", err)
	}
	conf.Command = path
	return &External{conf: conf, log: streamcorpus.NopLogger{}}, nil
}

// SetLogger implements streamcorpus.LoggerSetter.
func (e *External) SetLogger(log streamcorpus.Logger) { e.log = log }

// Process implements streamcorpus.BatchTransform.
func (e *External) Process(ctx context.Context, chunkPath string) (string, error) {
	out := chunkPath
	if e.conf.Output != "" {
		out = filepath.Join(filepath.Dir(chunkPath), e.conf.Output)
	}
	args := append(append([]string(nil), e.conf.Args...), chunkPath)
	cmd := exec.CommandContext(ctx, e.conf.Command, args...)
	cmd.Env = append(os.Environ(), "SC_OUTPUT="+out)
	if e.conf.TmpDirPath != "" {
		cmd.Dir = e.conf.TmpDirPath
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "running %s: %s", filepath.Base(e.conf.Command), strings.TrimSpace(stderr.String()))
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		e.log.Debugf("external_command %s: %s", filepath.Base(e.conf.Command), s)
	}
	if _, err := os.Stat(out); err != nil {
		return "", errors.Wrap(err, "external command left no output")
	}
	return out, nil
}
