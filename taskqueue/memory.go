package taskqueue

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

func init() {
	RegisterCoordinator("memory", func(Config) (Coordinator, error) {
		return NewMemory(), nil
	})
}

type memNode struct {
	data    []byte
	version int32
	// owner is the session an ephemeral node belongs to.
	owner *Memory
}

type memStore struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

// Memory is an in-process Coordinator. Sessions made with Session share the
// same nodes, and each session's ephemeral nodes are removed when it is
// closed.
type Memory struct {
	s *memStore
}

// NewMemory returns an empty Memory coordinator.
func NewMemory() *Memory {
	return &Memory{s: &memStore{nodes: map[string]*memNode{"/": {}}}}
}

// Session returns another handle on the same nodes.
func (m *Memory) Session() *Memory {
	return &Memory{s: m.s}
}

func (m *Memory) create(nodes map[string]*memNode, p string, data []byte, ephemeral bool) error {
	if _, ok := nodes[p]; ok {
		return errors.Wrap(ErrNodeExists, p)
	}
	for _, parent := range Parents(p) {
		if _, ok := nodes[parent]; !ok {
			nodes[parent] = &memNode{}
		}
	}
	n := &memNode{data: append([]byte(nil), data...)}
	if ephemeral {
		n.owner = m
	}
	nodes[p] = n
	return nil
}

func check(nodes map[string]*memNode, p string, version int32) (*memNode, error) {
	n, ok := nodes[p]
	if !ok {
		return nil, errors.Wrap(ErrNoNode, p)
	}
	if version != AnyVersion && version != n.version {
		return nil, errors.Wrapf(ErrBadVersion, "%s is at version %d, not %d", p, n.version, version)
	}
	return n, nil
}

func memChildren(nodes map[string]*memNode, p string) []string {
	prefix := strings.TrimSuffix(p, "/") + "/"
	var out []string
	for k := range nodes {
		if k == p || !strings.HasPrefix(k, prefix) {
			continue
		}
		if rest := k[len(prefix):]; !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out
}

func memDelete(nodes map[string]*memNode, p string, version int32) error {
	if _, err := check(nodes, p, version); err != nil {
		return err
	}
	if len(memChildren(nodes, p)) > 0 {
		return errors.Wrap(ErrNotEmpty, p)
	}
	delete(nodes, p)
	return nil
}

func clean(p string) string { return path.Clean("/" + p) }

// Create implements Coordinator.
func (m *Memory) Create(p string, data []byte, ephemeral bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.create(m.s.nodes, clean(p), data, ephemeral)
}

// Get implements Coordinator.
func (m *Memory) Get(p string) ([]byte, int32, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n, err := check(m.s.nodes, clean(p), AnyVersion)
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), n.data...), n.version, nil
}

// Set implements Coordinator.
func (m *Memory) Set(p string, data []byte, version int32) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n, err := check(m.s.nodes, clean(p), version)
	if err != nil {
		return err
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return nil
}

// Delete implements Coordinator.
func (m *Memory) Delete(p string, version int32) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return memDelete(m.s.nodes, clean(p), version)
}

// Children implements Coordinator.
func (m *Memory) Children(p string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p = clean(p)
	if _, ok := m.s.nodes[p]; !ok {
		return nil, errors.Wrap(ErrNoNode, p)
	}
	return memChildren(m.s.nodes, p), nil
}

// Exists implements Coordinator.
func (m *Memory) Exists(p string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	_, ok := m.s.nodes[clean(p)]
	return ok, nil
}

// Multi implements Coordinator. It works on a copy of the tree and swaps it
// in only if every op succeeds.
func (m *Memory) Multi(ops ...Op) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	scratch := make(map[string]*memNode, len(m.s.nodes))
	for k, n := range m.s.nodes {
		cp := *n
		scratch[k] = &cp
	}
	for i, op := range ops {
		p := clean(op.Path)
		var err error
		switch op.Kind {
		case OpCreate:
			err = m.create(scratch, p, op.Data, op.Ephemeral)
		case OpSet:
			var n *memNode
			if n, err = check(scratch, p, op.Version); err == nil {
				n.data = append([]byte(nil), op.Data...)
				n.version++
			}
		case OpDelete:
			err = memDelete(scratch, p, op.Version)
		default:
			err = errors.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return errors.Wrapf(err, "op %d", i)
		}
	}
	m.s.nodes = scratch
	return nil
}

// Close removes the ephemeral nodes created through this session.
func (m *Memory) Close() error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for p, n := range m.s.nodes {
		if n.owner == m {
			delete(m.s.nodes, p)
		}
	}
	return nil
}
