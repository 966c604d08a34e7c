package pipeline

import (
	"io"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

// AssembleOption is a functional option for Assemble.
type AssembleOption func(p *Processor)

// OptAssembleLogger sets the logger given to the processor and to every
// stage that implements streamcorpus.LoggerSetter.
func OptAssembleLogger(l streamcorpus.Logger) AssembleOption {
	return func(p *Processor) {
		p.Log = l
	}
}

// OptAssembleStatter sets the processor's stats sink.
func OptAssembleStatter(s streamcorpus.Statter) AssembleOption {
	return func(p *Processor) {
		p.Stats = s
	}
}

// OptAssembleShutdown sets the flag the processor polls between records.
func OptAssembleShutdown(f *streamcorpus.ShutdownFlag) AssembleOption {
	return func(p *Processor) {
		p.Shutdown = f
	}
}

// Assemble builds every stage named in conf from reg and returns a
// Processor running them. reg is frozen first. Stages are built in the
// order reader, incremental transforms, batch transforms, loaders, and the
// first failure stops assembly after closing what was already built.
func Assemble(reg *streamcorpus.Registry, conf *Config, opts ...AssembleOption) (p *Processor, err error) {
	reg.Freeze()
	p = &Processor{
		MaxItems: conf.OutputChunkMaxCount,
		TmpDir:   conf.TmpDirPath,
		Values: map[string]interface{}{
			"config_hash": conf.Hash,
			"config_json": conf.JSON,
		},
		Log:   streamcorpus.NopLogger{},
		Stats: streamcorpus.NopStatter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	defer func() {
		if err != nil {
			p.Close()
			p = nil
		}
	}()

	if len(conf.Readers) != 1 {
		return p, errors.Wrapf(streamcorpus.ErrConfiguration, "need exactly one reader, have %d", len(conf.Readers))
	}
	p.ReaderName = conf.Readers[0]
	p.Reader, err = reg.BuildReader(p.ReaderName, conf.StageConfig(p.ReaderName))
	if err != nil {
		return p, err
	}
	p.setLogger(p.Reader)
	for _, name := range conf.IncrementalTransforms {
		t, err := reg.BuildIncremental(name, conf.StageConfig(name))
		if err != nil {
			return p, err
		}
		p.setLogger(t)
		p.Incremental = append(p.Incremental, Incremental{Name: name, IncrementalTransform: t})
	}
	for _, name := range conf.BatchTransforms {
		b, err := reg.BuildBatch(name, conf.StageConfig(name))
		if err != nil {
			return p, err
		}
		p.setLogger(b)
		p.Batch = append(p.Batch, Batch{Name: name, BatchTransform: b})
	}
	for _, name := range conf.Loaders {
		l, err := reg.BuildLoader(name, conf.StageConfig(name))
		if err != nil {
			return p, err
		}
		p.setLogger(l)
		p.Loaders = append(p.Loaders, Loader{Name: name, Loader: l})
	}
	return p, nil
}

func (p *Processor) setLogger(stage interface{}) {
	if ls, ok := stage.(streamcorpus.LoggerSetter); ok {
		ls.SetLogger(p.log())
	}
}

// stages returns every stage, reader first.
func (p *Processor) stages() []interface{} {
	var all []interface{}
	if p.Reader != nil {
		all = append(all, p.Reader)
	}
	for _, t := range p.Incremental {
		all = append(all, t.IncrementalTransform)
	}
	for _, b := range p.Batch {
		all = append(all, b.BatchTransform)
	}
	for _, l := range p.Loaders {
		all = append(all, l.Loader)
	}
	return all
}

// Close closes every stage that holds resources. It returns the first error
// but always tries them all.
func (p *Processor) Close() error {
	var first error
	for _, s := range p.stages() {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "closing stage")
		}
	}
	return first
}
