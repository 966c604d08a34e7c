package streamcorpus

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Shape is one of the four stage tiers.
type Shape int

const (
	ShapeReader Shape = iota
	ShapeIncremental
	ShapeBatch
	ShapeLoader
)

func (s Shape) String() string {
	switch s {
	case ShapeReader:
		return "reader"
	case ShapeIncremental:
		return "incremental transform"
	case ShapeBatch:
		return "batch transform"
	case ShapeLoader:
		return "loader"
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// StageConfig is the configuration sub-map for a single stage, as read from
// the pipeline config file.
type StageConfig map[string]interface{}

// InheritedKeys are filled into every stage config from the top level of the
// pipeline config. Stages that don't use them may ignore them.
var InheritedKeys = []string{"root_path", "tmp_dir_path"}

// Decode copies the config into out, which should be a pointer to a struct
// using mapstructure tags. Values are weakly typed so that "5" decodes into
// an int field. Keys not used by out are an error, apart from InheritedKeys.
func (c StageConfig) Decode(out interface{}) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "creating decoder")
	}
	if err := dec.Decode(map[string]interface{}(c)); err != nil {
		return errors.Wrapf(ErrConfiguration, "%v", err)
	}
	var unused []string
	for _, k := range md.Unused {
		if !inherited(k) {
			unused = append(unused, k)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return errors.Wrapf(ErrConfiguration, "invalid keys: %s", strings.Join(unused, ", "))
	}
	return nil
}

func inherited(k string) bool {
	for _, ik := range InheritedKeys {
		if k == ik {
			return true
		}
	}
	return false
}

// ReaderFactory constructs a Reader from its configuration.
type ReaderFactory func(cfg StageConfig) (Reader, error)

// IncrementalFactory constructs an IncrementalTransform from its configuration.
type IncrementalFactory func(cfg StageConfig) (IncrementalTransform, error)

// BatchFactory constructs a BatchTransform from its configuration.
type BatchFactory func(cfg StageConfig) (BatchTransform, error)

// LoaderFactory constructs a Loader from its configuration.
type LoaderFactory func(cfg StageConfig) (Loader, error)

// Registry maps stage names to factories. It is safe for concurrent use. Once
// frozen, any further registration panics.
type Registry struct {
	mu          sync.RWMutex
	frozen      bool
	readers     map[string]ReaderFactory
	incremental map[string]IncrementalFactory
	batch       map[string]BatchFactory
	loaders     map[string]LoaderFactory
	unavailable map[string]error

	Log Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		readers:     make(map[string]ReaderFactory),
		incremental: make(map[string]IncrementalFactory),
		batch:       make(map[string]BatchFactory),
		loaders:     make(map[string]LoaderFactory),
		unavailable: make(map[string]error),
		Log:         NopLogger{},
	}
}

// DefaultRegistry is populated by the init functions of the stage packages.
var DefaultRegistry = NewRegistry()

func (r *Registry) lockForRegister(shape Shape, name string) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		panic(fmt.Sprintf("registering %s %q after the registry was frozen", shape, name))
	}
}

// RegisterReader adds a reader factory. Registering a name twice replaces
// the former factory.
func (r *Registry) RegisterReader(name string, f ReaderFactory) {
	r.lockForRegister(ShapeReader, name)
	defer r.mu.Unlock()
	r.readers[name] = f
}

// RegisterIncremental adds an incremental transform factory.
func (r *Registry) RegisterIncremental(name string, f IncrementalFactory) {
	r.lockForRegister(ShapeIncremental, name)
	defer r.mu.Unlock()
	r.incremental[name] = f
}

// RegisterBatch adds a batch transform factory.
func (r *Registry) RegisterBatch(name string, f BatchFactory) {
	r.lockForRegister(ShapeBatch, name)
	defer r.mu.Unlock()
	r.batch[name] = f
}

// RegisterLoader adds a loader factory.
func (r *Registry) RegisterLoader(name string, f LoaderFactory) {
	r.lockForRegister(ShapeLoader, name)
	defer r.mu.Unlock()
	r.loaders[name] = f
}

// RegisterOptional registers factory under name only if probe succeeds. A
// failing probe is logged and remembered; the stage is then absent and
// building it returns ErrUnknownStage. factory must be the factory type
// matching shape.
func (r *Registry) RegisterOptional(shape Shape, name string, probe func() error, factory interface{}) {
	if err := probe(); err != nil {
		r.mu.Lock()
		r.unavailable[name] = err
		log := r.Log
		r.mu.Unlock()
		log.Warnf("%s %q is unavailable: %v", shape, name, err)
		return
	}
	switch f := factory.(type) {
	case ReaderFactory:
		r.RegisterReader(name, f)
	case func(StageConfig) (Reader, error):
		r.RegisterReader(name, f)
	case IncrementalFactory:
		r.RegisterIncremental(name, f)
	case func(StageConfig) (IncrementalTransform, error):
		r.RegisterIncremental(name, f)
	case BatchFactory:
		r.RegisterBatch(name, f)
	case func(StageConfig) (BatchTransform, error):
		r.RegisterBatch(name, f)
	case LoaderFactory:
		r.RegisterLoader(name, f)
	case func(StageConfig) (Loader, error):
		r.RegisterLoader(name, f)
	default:
		panic(fmt.Sprintf("factory for %s %q has unsupported type %T", shape, name, factory))
	}
	if !r.Has(shape, name) {
		panic(fmt.Sprintf("factory for %q is not a %s factory", name, shape))
	}
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) unknown(shape Shape, name string) error {
	if cause, ok := r.unavailable[name]; ok {
		return errors.Wrapf(ErrUnknownStage, "%s %q (unavailable: %v)", shape, name, cause)
	}
	return errors.Wrapf(ErrUnknownStage, "%s %q", shape, name)
}

// BuildReader constructs the named reader.
func (r *Registry) BuildReader(name string, cfg StageConfig) (Reader, error) {
	r.mu.RLock()
	f, ok := r.readers[name]
	if !ok {
		defer r.mu.RUnlock()
		return nil, r.unknown(ShapeReader, name)
	}
	r.mu.RUnlock()
	s, err := f(cfg)
	return s, errors.Wrapf(err, "building reader %s", name)
}

// BuildIncremental constructs the named incremental transform.
func (r *Registry) BuildIncremental(name string, cfg StageConfig) (IncrementalTransform, error) {
	r.mu.RLock()
	f, ok := r.incremental[name]
	if !ok {
		defer r.mu.RUnlock()
		return nil, r.unknown(ShapeIncremental, name)
	}
	r.mu.RUnlock()
	s, err := f(cfg)
	return s, errors.Wrapf(err, "building incremental transform %s", name)
}

// BuildBatch constructs the named batch transform.
func (r *Registry) BuildBatch(name string, cfg StageConfig) (BatchTransform, error) {
	r.mu.RLock()
	f, ok := r.batch[name]
	if !ok {
		defer r.mu.RUnlock()
		return nil, r.unknown(ShapeBatch, name)
	}
	r.mu.RUnlock()
	s, err := f(cfg)
	return s, errors.Wrapf(err, "building batch transform %s", name)
}

// BuildLoader constructs the named loader.
func (r *Registry) BuildLoader(name string, cfg StageConfig) (Loader, error) {
	r.mu.RLock()
	f, ok := r.loaders[name]
	if !ok {
		defer r.mu.RUnlock()
		return nil, r.unknown(ShapeLoader, name)
	}
	r.mu.RUnlock()
	s, err := f(cfg)
	return s, errors.Wrapf(err, "building loader %s", name)
}

// Has reports whether a stage of the given shape is registered under name.
func (r *Registry) Has(shape Shape, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ok bool
	switch shape {
	case ShapeReader:
		_, ok = r.readers[name]
	case ShapeIncremental:
		_, ok = r.incremental[name]
	case ShapeBatch:
		_, ok = r.batch[name]
	case ShapeLoader:
		_, ok = r.loaders[name]
	}
	return ok
}

// Names returns the sorted names registered for shape.
func (r *Registry) Names(shape Shape) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch shape {
	case ShapeReader:
		for n := range r.readers {
			names = append(names, n)
		}
	case ShapeIncremental:
		for n := range r.incremental {
			names = append(names, n)
		}
	case ShapeBatch:
		for n := range r.batch {
			names = append(names, n)
		}
	case ShapeLoader:
		for n := range r.loaders {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Unavailable returns the optional stages whose probe failed, with the
// reason.
func (r *Registry) Unavailable() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.unavailable))
	for k, v := range r.unavailable {
		out[k] = v
	}
	return out
}
