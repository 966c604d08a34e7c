package streamcorpus

import (
	"sync/atomic"
)

// Nexter is a threadsafe monotonic unique id generator.
type Nexter struct {
	id *int64
}

// NexterOption configures a Nexter.
type NexterOption func(n *Nexter)

// NexterStartFrom makes the first id returned by Next be s.
func NexterStartFrom(s int64) NexterOption {
	return func(n *Nexter) {
		*n.id = s
	}
}

// NewNexter creates a new id generator starting at 0, or wherever the
// options say.
func NewNexter(opts ...NexterOption) *Nexter {
	var id int64
	n := &Nexter{id: &id}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Next generates a new id and returns it.
func (n *Nexter) Next() (nextID int64) {
	nextID = atomic.AddInt64(n.id, 1)
	return nextID - 1
}

// Last returns the most recently generated id.
func (n *Nexter) Last() (lastID int64) {
	lastID = atomic.LoadInt64(n.id) - 1
	return
}
