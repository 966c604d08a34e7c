package taskqueue

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

const (
	// ErrNoNode is returned for operations on a node that does not exist.
	ErrNoNode = streamcorpus.Error("node does not exist")
	// ErrNodeExists is returned when creating a node that already exists.
	ErrNodeExists = streamcorpus.Error("node already exists")
	// ErrBadVersion is returned when a conditional update sees a different
	// version than the one it was given.
	ErrBadVersion = streamcorpus.Error("node version does not match")
	// ErrNotEmpty is returned when deleting a node that has children.
	ErrNotEmpty = streamcorpus.Error("node has children")
	// ErrDisconnected is returned while the coordinator can't reach its
	// service. It is transient.
	ErrDisconnected = streamcorpus.Error("coordinator disconnected")
)

// AnyVersion makes Set and Delete unconditional.
const AnyVersion int32 = -1

// Coordinator is a hierarchical, sequentially consistent key/value store of
// the kind Zookeeper provides. Paths are slash separated and absolute.
type Coordinator interface {
	// Create makes a node holding data, creating missing parents as empty
	// persistent nodes. Ephemeral nodes disappear when the Coordinator that
	// created them is closed.
	Create(path string, data []byte, ephemeral bool) error
	// Get returns the data and version of a node.
	Get(path string) ([]byte, int32, error)
	// Set replaces the data of a node if its version matches.
	Set(path string, data []byte, version int32) error
	// Delete removes a childless node if its version matches.
	Delete(path string, version int32) error
	// Children returns the sorted names of the immediate children of a node.
	Children(path string) ([]string, error)
	Exists(path string) (bool, error)
	// Multi applies every op or none of them.
	Multi(ops ...Op) error
	Close() error
}

// OpKind is the kind of a single operation within Multi.
type OpKind int

const (
	OpCreate OpKind = iota
	OpSet
	OpDelete
)

// Op is one operation of an atomic Multi.
type Op struct {
	Kind      OpKind
	Path      string
	Data      []byte
	Version   int32
	Ephemeral bool
}

// CreateOp creates a persistent node.
func CreateOp(p string, data []byte) Op { return Op{Kind: OpCreate, Path: p, Data: data} }

// SetOp sets the data of a node.
func SetOp(p string, data []byte, version int32) Op {
	return Op{Kind: OpSet, Path: p, Data: data, Version: version}
}

// DeleteOp deletes a node.
func DeleteOp(p string, version int32) Op { return Op{Kind: OpDelete, Path: p, Version: version} }

// Config is what a coordinator backend is opened with. It is decoded from
// the task_queue_config section of the pipeline config.
type Config struct {
	// Namespace is the root node the queue keeps its state under.
	Namespace string `mapstructure:"namespace"`
	// Addresses are host:port pairs of the coordination service.
	Addresses []string `mapstructure:"addresses"`
	// Path is the database file for single host backends.
	Path string `mapstructure:"path"`

	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	PendingTimeout  time.Duration `mapstructure:"pending_timeout"`
	AvailableLevels int           `mapstructure:"available_levels"`
}

// Opener opens a named coordinator backend.
type Opener func(cfg Config) (Coordinator, error)

var backends = struct {
	sync.RWMutex
	m map[string]Opener
}{m: make(map[string]Opener)}

// RegisterCoordinator makes a backend available to OpenCoordinator.
func RegisterCoordinator(name string, open Opener) {
	backends.Lock()
	defer backends.Unlock()
	backends.m[name] = open
}

// OpenCoordinator opens the named backend.
func OpenCoordinator(name string, cfg Config) (Coordinator, error) {
	backends.RLock()
	open, ok := backends.m[name]
	backends.RUnlock()
	if !ok {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "unknown task queue '%s' (have %s)", name, strings.Join(CoordinatorNames(), ", "))
	}
	c, err := open(cfg)
	return c, errors.Wrapf(err, "opening %s coordinator", name)
}

// CoordinatorNames lists the registered backends.
func CoordinatorNames() []string {
	backends.RLock()
	defer backends.RUnlock()
	names := make([]string, 0, len(backends.m))
	for n := range backends.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parents returns every proper ancestor of p, shallowest first, excluding
// the root.
func Parents(p string) []string {
	var out []string
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}
