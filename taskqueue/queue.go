// Package taskqueue distributes task strings to workers through a
// Coordinator. Every task is in exactly one of three states, available,
// pending or completed, and moves between them with atomic multi-node
// operations so that at most one worker holds a task at a time.
//
// The namespace layout is
//
//	<ns>/available/<bucket>.../<hash>  task string
//	<ns>/pending/<hash>                json{owner, claimed_at, heartbeat, offset, task_string}
//	<ns>/completed/<hash>              json{result, finished_at, task_string}
//	<ns>/progress/<hash>               json{offset, outputs}
//	<ns>/workers/<owner>               ephemeral json{host, pid, started}
//	<ns>/mode                          RUN_FOREVER | FINISH | TERMINATE
package taskqueue

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

// Mode tells workers whether to keep waiting for tasks.
type Mode string

const (
	// ModeRunForever keeps workers polling for new tasks.
	ModeRunForever Mode = "RUN_FOREVER"
	// ModeFinish lets workers exit once no tasks are available.
	ModeFinish Mode = "FINISH"
	// ModeTerminate makes workers stop before claiming anything else.
	ModeTerminate Mode = "TERMINATE"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(s)); m {
	case ModeRunForever, ModeFinish, ModeTerminate:
		return m, nil
	}
	return "", errors.Wrapf(streamcorpus.ErrConfiguration, "unknown mode '%s'", s)
}

const (
	// ErrNotOwner is returned when a worker updates a task it no longer
	// holds.
	ErrNotOwner = streamcorpus.Error("task is held by another worker")
	// ErrFinished is returned when a task is used after it was committed,
	// released or abandoned.
	ErrFinished = streamcorpus.Error("task already finished")
)

const (
	DefaultPendingTimeout  = 5 * time.Minute
	DefaultAvailableLevels = 2
	DefaultMinBackoff      = 2 * time.Second
	DefaultMaxBackoff      = 128 * time.Second
)

// Queue is a handle on a namespace of tasks. A Queue is safe for
// concurrent use, but each Iterator should be used by one goroutine.
type Queue struct {
	c              Coordinator
	ns             string
	owner          string
	levels         int
	pendingTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration

	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	shutdown *streamcorpus.ShutdownFlag
	log      streamcorpus.Logger

	rmu  sync.Mutex
	rand *rand.Rand
}

// QueueOption is a functional option for New.
type QueueOption func(q *Queue)

// OptQueueAvailableLevels sets how many levels of two hex character buckets
// available tasks are sharded into.
func OptQueueAvailableLevels(n int) QueueOption {
	return func(q *Queue) {
		q.levels = n
	}
}

// OptQueuePendingTimeout sets how old a pending task's heartbeat must be
// before ResetPending makes it available again.
func OptQueuePendingTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.pendingTimeout = d
	}
}

// OptQueueOwner sets the identity written into claimed tasks. It defaults to
// a random uuid.
func OptQueueOwner(owner string) QueueOption {
	return func(q *Queue) {
		q.owner = owner
	}
}

// OptQueueBackoff sets the polling backoff bounds.
func OptQueueBackoff(min, max time.Duration) QueueOption {
	return func(q *Queue) {
		q.minBackoff, q.maxBackoff = min, max
	}
}

// OptQueueSleep replaces the function used to wait between polls. It must
// return an error if ctx is done before d elapses.
func OptQueueSleep(sleep func(ctx context.Context, d time.Duration) error) QueueOption {
	return func(q *Queue) {
		q.sleep = sleep
	}
}

// OptQueueClock replaces time.Now.
func OptQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// OptQueueShutdown makes iteration stop when flag is raised.
func OptQueueShutdown(flag *streamcorpus.ShutdownFlag) QueueOption {
	return func(q *Queue) {
		q.shutdown = flag
	}
}

// OptQueueLogger sets the logger.
func OptQueueLogger(l streamcorpus.Logger) QueueOption {
	return func(q *Queue) {
		q.log = l
	}
}

// OptQueueSeed makes random task selection reproducible.
func OptQueueSeed(seed int64) QueueOption {
	return func(q *Queue) {
		q.rand = rand.New(rand.NewSource(seed))
	}
}

// New returns a Queue over namespace ns of c.
func New(c Coordinator, ns string, opts ...QueueOption) *Queue {
	q := &Queue{
		c:              c,
		ns:             "/" + strings.Trim(ns, "/"),
		owner:          uuid.New().String(),
		levels:         DefaultAvailableLevels,
		pendingTimeout: DefaultPendingTimeout,
		minBackoff:     DefaultMinBackoff,
		maxBackoff:     DefaultMaxBackoff,
		sleep:          sleepCtx,
		now:            time.Now,
		log:            streamcorpus.NopLogger{},
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Owner is the identity this queue claims tasks as.
func (q *Queue) Owner() string { return q.owner }

// Hash is the fixed width key of a task string.
func Hash(task string) string {
	sum := md5.Sum([]byte(task))
	return hex.EncodeToString(sum[:])
}

func (q *Queue) dir(name string) string { return path.Join(q.ns, name) }

func (q *Queue) availablePath(hash string) string {
	parts := []string{q.ns, "available"}
	for i := 0; i < q.levels && 2*i+2 <= len(hash); i++ {
		parts = append(parts, hash[2*i:2*i+2])
	}
	return path.Join(append(parts, hash)...)
}

func (q *Queue) pendingPath(hash string) string   { return path.Join(q.ns, "pending", hash) }
func (q *Queue) completedPath(hash string) string { return path.Join(q.ns, "completed", hash) }
func (q *Queue) progressPath(hash string) string  { return path.Join(q.ns, "progress", hash) }

type pendingRecord struct {
	Owner      string    `json:"owner"`
	ClaimedAt  time.Time `json:"claimed_at"`
	Heartbeat  time.Time `json:"heartbeat"`
	Offset     int64     `json:"offset"`
	TaskString string    `json:"task_string"`
}

type completedRecord struct {
	Result     interface{} `json:"result"`
	FinishedAt time.Time   `json:"finished_at"`
	TaskString string      `json:"task_string"`
}

type progressRecord struct {
	Offset  int64    `json:"offset"`
	Outputs []string `json:"outputs"`
}

type workerRecord struct {
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// InitAll creates the namespace structure. Existing state is kept.
func (q *Queue) InitAll() error {
	for _, d := range []string{"available", "pending", "completed", "progress", "workers"} {
		if err := q.c.Create(q.dir(d), nil, false); err != nil && errors.Cause(err) != ErrNodeExists {
			return errors.Wrapf(err, "creating %s", q.dir(d))
		}
	}
	err := q.c.Create(q.dir("mode"), []byte(ModeRunForever), false)
	if err != nil && errors.Cause(err) != ErrNodeExists {
		return errors.Wrap(err, "creating mode")
	}
	return nil
}

// DeleteAll removes the namespace and everything in it.
func (q *Queue) DeleteAll() error {
	return errors.Wrap(q.deleteTree(q.ns), "deleting namespace")
}

func (q *Queue) deleteTree(p string) error {
	kids, err := q.c.Children(p)
	if errors.Cause(err) == ErrNoNode {
		return nil
	} else if err != nil {
		return err
	}
	for _, k := range kids {
		if err := q.deleteTree(path.Join(p, k)); err != nil {
			return err
		}
	}
	err = q.c.Delete(p, AnyVersion)
	if errors.Cause(err) == ErrNoNode {
		return nil
	}
	return err
}

// Push adds tasks to the available set and returns how many were new. A
// task that is already available, pending or completed is not added again.
func (q *Queue) Push(tasks ...string) (int, error) {
	n := 0
	for _, task := range tasks {
		h := Hash(task)
		// Creating and deleting the pending and completed nodes in the same
		// transaction fails it if either already exists.
		err := q.c.Multi(
			CreateOp(q.pendingPath(h), nil),
			DeleteOp(q.pendingPath(h), AnyVersion),
			CreateOp(q.completedPath(h), nil),
			DeleteOp(q.completedPath(h), AnyVersion),
			CreateOp(q.availablePath(h), []byte(task)),
		)
		if errors.Cause(err) == ErrNodeExists {
			continue
		} else if err != nil {
			return n, errors.Wrapf(err, "pushing '%s'", task)
		}
		n++
	}
	return n, nil
}

// SetMode broadcasts a mode to every worker.
func (q *Queue) SetMode(m Mode) error {
	err := q.c.Set(q.dir("mode"), []byte(m), AnyVersion)
	if errors.Cause(err) == ErrNoNode {
		err = q.c.Create(q.dir("mode"), []byte(m), false)
	}
	return errors.Wrapf(err, "setting mode %s", m)
}

// Mode returns the current mode. An uninitialized namespace runs forever.
func (q *Queue) Mode() (Mode, error) {
	data, _, err := q.c.Get(q.dir("mode"))
	if errors.Cause(err) == ErrNoNode {
		return ModeRunForever, nil
	} else if err != nil {
		return "", errors.Wrap(err, "reading mode")
	}
	return ParseMode(string(data))
}

// Counts is a snapshot of the number of tasks in each state.
type Counts struct {
	Available int `json:"available"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Tasks     int `json:"tasks"`
}

// Counts counts tasks in each state.
func (q *Queue) Counts() (Counts, error) {
	var c Counts
	var err error
	if c.Available, err = q.countLeaves(q.dir("available"), q.levels); err != nil {
		return c, errors.Wrap(err, "counting available")
	}
	if c.Pending, err = q.countChildren(q.dir("pending")); err != nil {
		return c, errors.Wrap(err, "counting pending")
	}
	if c.Completed, err = q.countChildren(q.dir("completed")); err != nil {
		return c, errors.Wrap(err, "counting completed")
	}
	c.Tasks = c.Available + c.Pending + c.Completed
	return c, nil
}

func (q *Queue) countChildren(p string) (int, error) {
	kids, err := q.c.Children(p)
	if errors.Cause(err) == ErrNoNode {
		return 0, nil
	}
	return len(kids), err
}

func (q *Queue) countLeaves(p string, depth int) (int, error) {
	if depth == 0 {
		return q.countChildren(p)
	}
	kids, err := q.c.Children(p)
	if errors.Cause(err) == ErrNoNode {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	total := 0
	for _, k := range kids {
		n, err := q.countLeaves(path.Join(p, k), depth-1)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// PurgeCompleted deletes every completed task and returns how many there
// were. Purged tasks may be pushed again.
func (q *Queue) PurgeCompleted() (int, error) {
	kids, err := q.c.Children(q.dir("completed"))
	if errors.Cause(err) == ErrNoNode {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "listing completed")
	}
	n := 0
	for _, k := range kids {
		err := q.c.Delete(q.completedPath(k), AnyVersion)
		if err != nil && errors.Cause(err) != ErrNoNode {
			return n, errors.Wrapf(err, "purging %s", k)
		}
		n++
	}
	return n, nil
}

// Register announces this worker with an ephemeral node which goes away
// when the coordinator connection closes.
func (q *Queue) Register() error {
	host, _ := os.Hostname()
	data, err := json.Marshal(workerRecord{Host: host, PID: os.Getpid(), Started: q.now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshaling worker record")
	}
	err = q.c.Create(path.Join(q.ns, "workers", q.owner), data, true)
	return errors.Wrap(err, "registering worker")
}

// Workers lists the owners of registered workers.
func (q *Queue) Workers() ([]string, error) {
	kids, err := q.c.Children(q.dir("workers"))
	if errors.Cause(err) == ErrNoNode {
		return nil, nil
	}
	return kids, errors.Wrap(err, "listing workers")
}

// PendingTask describes a claimed task.
type PendingTask struct {
	Hash       string    `json:"hash"`
	Owner      string    `json:"owner"`
	ClaimedAt  time.Time `json:"claimed_at"`
	Heartbeat  time.Time `json:"heartbeat"`
	Offset     int64     `json:"offset"`
	TaskString string    `json:"task_string"`
}

// Pending lists every pending task.
func (q *Queue) Pending() ([]PendingTask, error) {
	kids, err := q.c.Children(q.dir("pending"))
	if errors.Cause(err) == ErrNoNode {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "listing pending")
	}
	var out []PendingTask
	for _, h := range kids {
		rec, _, err := q.readPending(h)
		if errors.Cause(err) == ErrNoNode {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, PendingTask{
			Hash:       h,
			Owner:      rec.Owner,
			ClaimedAt:  rec.ClaimedAt,
			Heartbeat:  rec.Heartbeat,
			Offset:     rec.Offset,
			TaskString: rec.TaskString,
		})
	}
	return out, nil
}

func (q *Queue) readPending(hash string) (pendingRecord, int32, error) {
	var rec pendingRecord
	data, version, err := q.c.Get(q.pendingPath(hash))
	if err != nil {
		return rec, 0, errors.Wrapf(err, "reading pending %s", hash)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, 0, errors.Wrapf(err, "decoding pending %s", hash)
	}
	return rec, version, nil
}

func (q *Queue) readProgress(hash string) (progressRecord, bool, error) {
	var rec progressRecord
	data, _, err := q.c.Get(q.progressPath(hash))
	if errors.Cause(err) == ErrNoNode {
		return rec, false, nil
	} else if err != nil {
		return rec, false, errors.Wrapf(err, "reading progress %s", hash)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "decoding progress %s", hash)
	}
	return rec, true, nil
}

// ResetPending makes every pending task whose heartbeat is at least the
// pending timeout old available again. Recorded progress is kept so the
// next claimant resumes where the last partial commit left off. It returns
// the number of tasks reset.
func (q *Queue) ResetPending() (int, error) {
	kids, err := q.c.Children(q.dir("pending"))
	if errors.Cause(err) == ErrNoNode {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "listing pending")
	}
	now := q.now()
	n := 0
	for _, h := range kids {
		rec, version, err := q.readPending(h)
		if errors.Cause(err) == ErrNoNode {
			continue
		} else if err != nil {
			return n, err
		}
		if now.Sub(rec.Heartbeat) < q.pendingTimeout {
			continue
		}
		err = q.c.Multi(
			CreateOp(q.availablePath(h), []byte(rec.TaskString)),
			DeleteOp(q.pendingPath(h), version),
		)
		switch errors.Cause(err) {
		case nil:
			q.log.Printf("reset pending task %s held by %s since %v", rec.TaskString, rec.Owner, rec.Heartbeat)
			n++
		case ErrBadVersion, ErrNoNode, ErrNodeExists:
			// heartbeat or reset by someone else in the meantime
		default:
			return n, errors.Wrapf(err, "resetting %s", h)
		}
	}
	return n, nil
}

func (q *Queue) shuffle(names []string) {
	q.rmu.Lock()
	q.rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	q.rmu.Unlock()
}

// claimRandom walks the available buckets in random order and claims the
// first task it can. It returns nil if there was nothing to claim.
func (q *Queue) claimRandom() (*Task, error) {
	return q.claimUnder(q.dir("available"), q.levels)
}

func (q *Queue) claimUnder(p string, depth int) (*Task, error) {
	kids, err := q.c.Children(p)
	if errors.Cause(err) == ErrNoNode {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	q.shuffle(kids)
	for _, k := range kids {
		child := path.Join(p, k)
		if depth > 0 {
			t, err := q.claimUnder(child, depth-1)
			if t != nil || err != nil {
				return t, err
			}
			continue
		}
		t, err := q.claim(k, child)
		if t != nil || err != nil {
			return t, err
		}
	}
	return nil, nil
}

// claim tries to take the task at availPath. A lost race returns nil, nil.
func (q *Queue) claim(hash, availPath string) (*Task, error) {
	data, _, err := q.c.Get(availPath)
	if errors.Cause(err) == ErrNoNode {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	prog, _, err := q.readProgress(hash)
	if err != nil {
		return nil, err
	}
	now := q.now().UTC()
	rec := pendingRecord{
		Owner:      q.owner,
		ClaimedAt:  now,
		Heartbeat:  now,
		Offset:     prog.Offset,
		TaskString: string(data),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling pending record")
	}
	err = q.c.Multi(
		CreateOp(q.pendingPath(hash), buf),
		DeleteOp(availPath, AnyVersion),
	)
	switch errors.Cause(err) {
	case nil:
	case ErrNodeExists, ErrNoNode:
		return nil, nil
	default:
		return nil, errors.Wrapf(err, "claiming %s", hash)
	}
	return &Task{
		q:          q,
		Hash:       hash,
		TaskString: rec.TaskString,
		Offset:     rec.Offset,
		ClaimedAt:  now,
		outputs:    prog.Outputs,
	}, nil
}

// Iter returns an Iterator that claims tasks until the mode or ctx says to
// stop.
func (q *Queue) Iter(ctx context.Context) *Iterator {
	return &Iterator{q: q, ctx: ctx}
}

// Iterator claims one task at a time.
type Iterator struct {
	q    *Queue
	ctx  context.Context
	prev *Task

	// Sleeps counts backoff waits, for observing polling behaviour.
	Sleeps int
}

// Next finishes the previous task, committing it with a nil result unless
// it was already committed, released or abandoned, then claims another. It
// blocks with capped exponential backoff while nothing is available. It
// returns io.EOF when the mode is TERMINATE, or FINISH with nothing
// available, streamcorpus.ErrGracefulShutdown if the shutdown flag is raised
// and ctx.Err() if ctx is done.
func (it *Iterator) Next() (*Task, error) {
	q := it.q
	if it.prev != nil {
		t := it.prev
		it.prev = nil
		if !t.Finished() {
			if err := t.Commit(nil); errors.Cause(err) == ErrNotOwner {
				q.log.Warnf("task '%s' was lost before it could be committed: %v", t.TaskString, err)
			} else if err != nil {
				return nil, errors.Wrap(err, "committing previous task")
			}
		}
	}
	backoff := q.minBackoff
	for {
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		if q.shutdown.Raised() {
			return nil, streamcorpus.ErrGracefulShutdown
		}
		t, mode, err := it.poll()
		if err != nil {
			if errors.Cause(err) != ErrDisconnected {
				return nil, err
			}
			q.log.Warnf("task queue disconnected, retrying in %v: %v", backoff, err)
		} else if t != nil {
			it.prev = t
			return t, nil
		} else if mode == ModeTerminate || mode == ModeFinish {
			return nil, io.EOF
		}
		if err := it.wait(backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > q.maxBackoff {
			backoff = q.maxBackoff
		}
	}
}

func (it *Iterator) poll() (*Task, Mode, error) {
	mode, err := it.q.Mode()
	if err != nil {
		return nil, "", err
	}
	if mode == ModeTerminate {
		return nil, mode, nil
	}
	t, err := it.q.claimRandom()
	return t, mode, err
}

// wait sleeps for d, returning early if ctx is done or the shutdown flag is
// raised.
func (it *Iterator) wait(d time.Duration) error {
	it.Sleeps++
	ctx, cancel := context.WithCancel(it.ctx)
	defer cancel()
	go func() {
		select {
		case <-it.q.shutdown.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := it.q.sleep(ctx, d)
	if it.q.shutdown.Raised() {
		return streamcorpus.ErrGracefulShutdown
	}
	if err != nil {
		if cerr := it.ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	return nil
}

type taskState int

const (
	taskClaimed taskState = iota
	taskCommitted
	taskReleased
	taskAbandoned
	// taskLost means another worker took the task over, usually after
	// ResetPending found its heartbeat stale.
	taskLost
)

// Task is a claimed task.
type Task struct {
	q *Queue

	// Hash is the fixed width key of TaskString.
	Hash       string
	TaskString string
	// Offset is the number of input records already handled by earlier
	// partial commits. Processing should resume there.
	Offset    int64
	ClaimedAt time.Time

	mu      sync.Mutex
	state   taskState
	outputs []string
}

// Finished reports whether the task was committed, released, abandoned or
// lost to another worker.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != taskClaimed
}

// Outputs are the paths recorded by partial commits so far, including
// those made by earlier claimants.
func (t *Task) Outputs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.outputs...)
}

// checkOwner reads the pending node and verifies this queue still holds it.
// Caller must hold t.mu.
func (t *Task) checkOwner() (pendingRecord, int32, error) {
	if t.state != taskClaimed {
		return pendingRecord{}, 0, ErrFinished
	}
	rec, version, err := t.q.readPending(t.Hash)
	if errors.Cause(err) == ErrNoNode {
		return rec, 0, t.lost(errors.Wrapf(ErrNotOwner, "task %s is no longer pending", t.Hash))
	} else if err != nil {
		return rec, 0, err
	}
	if rec.Owner != t.q.owner {
		return rec, 0, t.lost(errors.Wrapf(ErrNotOwner, "task %s is held by %s", t.Hash, rec.Owner))
	}
	return rec, version, nil
}

// lost marks the task finished if err says it changed hands. Caller must
// hold t.mu.
func (t *Task) lost(err error) error {
	if errors.Cause(err) == ErrNotOwner {
		t.state = taskLost
	}
	return err
}

// Heartbeat refreshes the task's heartbeat so ResetPending leaves it alone.
func (t *Task) Heartbeat() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, version, err := t.checkOwner()
	if err != nil {
		return err
	}
	rec.Heartbeat = t.q.now().UTC()
	return t.setPending(rec, version)
}

func (t *Task) setPending(rec pendingRecord, version int32) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshaling pending record")
	}
	if err := t.q.c.Set(t.q.pendingPath(t.Hash), buf, version); err != nil {
		if errors.Cause(err) == ErrBadVersion {
			return t.lost(errors.Wrapf(ErrNotOwner, "task %s changed underneath us", t.Hash))
		}
		return errors.Wrap(err, "updating pending record")
	}
	return nil
}

// PartialCommit records that input records [start, end) are done and their
// results were written to outputs. A later claimant of the task resumes at
// end. The heartbeat is refreshed and ownership is kept.
func (t *Task) PartialCommit(start, end int64, outputs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, version, err := t.checkOwner()
	if err != nil {
		return err
	}
	if end < start || start < rec.Offset {
		return errors.Errorf("partial commit [%d, %d) does not continue from offset %d", start, end, rec.Offset)
	}
	rec.Offset = end
	rec.Heartbeat = t.q.now().UTC()
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshaling pending record")
	}
	all := append(append([]string(nil), t.outputs...), outputs...)
	prog, err := json.Marshal(progressRecord{Offset: end, Outputs: all})
	if err != nil {
		return errors.Wrap(err, "marshaling progress")
	}
	progOp := CreateOp(t.q.progressPath(t.Hash), prog)
	if ok, err := t.q.c.Exists(t.q.progressPath(t.Hash)); err != nil {
		return errors.Wrap(err, "checking progress")
	} else if ok {
		progOp = SetOp(t.q.progressPath(t.Hash), prog, AnyVersion)
	}
	err = t.q.c.Multi(SetOp(t.q.pendingPath(t.Hash), buf, version), progOp)
	if errors.Cause(err) == ErrBadVersion {
		return t.lost(errors.Wrapf(ErrNotOwner, "task %s changed underneath us", t.Hash))
	} else if err != nil {
		return errors.Wrap(err, "partial commit")
	}
	t.outputs = all
	t.Offset = end
	return nil
}

// Commit marks the task completed with result, which must marshal to JSON.
func (t *Task) Commit(result interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, version, err := t.checkOwner()
	if err != nil {
		return err
	}
	buf, err := json.Marshal(completedRecord{Result: result, FinishedAt: t.q.now().UTC(), TaskString: rec.TaskString})
	if err != nil {
		return errors.Wrap(err, "marshaling result")
	}
	ops := []Op{DeleteOp(t.q.pendingPath(t.Hash), version)}
	if ok, err := t.q.c.Exists(t.q.completedPath(t.Hash)); err != nil {
		return errors.Wrap(err, "checking completed")
	} else if ok {
		ops = append(ops, SetOp(t.q.completedPath(t.Hash), buf, AnyVersion))
	} else {
		ops = append(ops, CreateOp(t.q.completedPath(t.Hash), buf))
	}
	if ok, err := t.q.c.Exists(t.q.progressPath(t.Hash)); err != nil {
		return errors.Wrap(err, "checking progress")
	} else if ok {
		ops = append(ops, DeleteOp(t.q.progressPath(t.Hash), AnyVersion))
	}
	if err := t.q.c.Multi(ops...); err != nil {
		if errors.Cause(err) == ErrBadVersion {
			return t.lost(errors.Wrapf(ErrNotOwner, "task %s changed underneath us", t.Hash))
		}
		return errors.Wrap(err, "committing")
	}
	t.state = taskCommitted
	return nil
}

// Release gives the task back to the available set. Progress recorded by
// partial commits is kept.
func (t *Task) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, version, err := t.checkOwner()
	if err != nil {
		return err
	}
	err = t.q.c.Multi(
		CreateOp(t.q.availablePath(t.Hash), []byte(rec.TaskString)),
		DeleteOp(t.q.pendingPath(t.Hash), version),
	)
	if errors.Cause(err) == ErrBadVersion {
		return t.lost(errors.Wrapf(ErrNotOwner, "task %s changed underneath us", t.Hash))
	} else if err != nil {
		return errors.Wrap(err, "releasing")
	}
	t.state = taskReleased
	return nil
}

// Abandon leaves the task pending without heartbeats so that a later
// ResetPending returns it to the available set.
func (t *Task) Abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == taskClaimed {
		t.state = taskAbandoned
	}
}
