package streamcorpus

import (
	"sync"

	"github.com/pkg/errors"
)

// MentionKey identifies a mention in the sentence-local numbering used by
// v0_2 records.
type MentionKey struct {
	Sentence int
	Local    int32
}

// IDMap assigns dense ids, starting at 0, to values in the order they are
// first seen. Values must be usable as map keys.
type IDMap struct {
	l sync.RWMutex
	m map[interface{}]int64
	s []interface{}
	n *Nexter
}

// NewIDMap creates an empty IDMap.
func NewIDMap() *IDMap {
	return &IDMap{
		m: make(map[interface{}]int64),
		n: NewNexter(),
	}
}

// GetID returns the id of val, allocating the next one if val is new.
func (m *IDMap) GetID(val interface{}) int64 {
	m.l.RLock()
	id, ok := m.m[val]
	m.l.RUnlock()
	if ok {
		return id
	}
	m.l.Lock()
	defer m.l.Unlock()
	if id, ok := m.m[val]; ok {
		return id
	}
	id = m.n.Next()
	m.m[val] = id
	m.s = append(m.s, val)
	return id
}

// Get returns the value mapped to id.
func (m *IDMap) Get(id int64) (interface{}, error) {
	m.l.RLock()
	defer m.l.RUnlock()
	if id < 0 || id >= int64(len(m.s)) {
		return nil, errors.Errorf("unknown id %d", id)
	}
	return m.s[id], nil
}

// Len is the number of ids allocated so far.
func (m *IDMap) Len() int {
	m.l.RLock()
	defer m.l.RUnlock()
	return len(m.s)
}
