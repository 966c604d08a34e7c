package streamcorpus

import (
	"sync"
	"sync/atomic"
)

// ShutdownFlag is raised once to ask long running loops to stop at their
// next safe point. The zero value is ready to use.
type ShutdownFlag struct {
	raised int32
	once   sync.Once
	mu     sync.Mutex
	done   chan struct{}
}

func (f *ShutdownFlag) ch() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// Raise sets the flag. Calling it more than once is harmless.
func (f *ShutdownFlag) Raise() {
	f.once.Do(func() {
		atomic.StoreInt32(&f.raised, 1)
		close(f.ch())
	})
}

// Raised reports whether Raise was called. A nil flag is never raised.
func (f *ShutdownFlag) Raised() bool {
	return f != nil && atomic.LoadInt32(&f.raised) == 1
}

// Done returns a channel that is closed when the flag is raised. A nil flag
// returns a nil channel, which blocks forever.
func (f *ShutdownFlag) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.ch()
}
