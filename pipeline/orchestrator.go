package pipeline

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"golang.org/x/sync/errgroup"
)

// Exit codes of the pipeline command.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitStageFailed = 2
	ExitInterrupted = 130
)

// OpenQueue returns the task queue conf names. The args and stdin queues are
// in-process queues holding tasks in FINISH mode; other names are
// coordinator backends opened with task_queue_config. The returned closer
// releases the coordinator.
func OpenQueue(conf *Config, tasks []string, opts ...taskqueue.QueueOption) (*taskqueue.Queue, io.Closer, error) {
	qc, err := conf.QueueConfig()
	if err != nil {
		return nil, nil, err
	}
	if qc.PendingTimeout > 0 {
		opts = append([]taskqueue.QueueOption{taskqueue.OptQueuePendingTimeout(qc.PendingTimeout)}, opts...)
	}
	if qc.AvailableLevels > 0 {
		opts = append([]taskqueue.QueueOption{taskqueue.OptQueueAvailableLevels(qc.AvailableLevels)}, opts...)
	}
	switch conf.TaskQueue {
	case "args", "stdin":
		c := taskqueue.NewMemory()
		q := taskqueue.New(c, qc.Namespace, opts...)
		if err := q.InitAll(); err != nil {
			return nil, nil, err
		}
		if _, err := q.Push(tasks...); err != nil {
			return nil, nil, err
		}
		if err := q.SetMode(taskqueue.ModeFinish); err != nil {
			return nil, nil, err
		}
		return q, c, nil
	}
	c, err := taskqueue.OpenCoordinator(conf.TaskQueue, qc)
	if err != nil {
		return nil, nil, err
	}
	q := taskqueue.New(c, qc.Namespace, opts...)
	if err := q.Register(); err != nil {
		c.Close()
		return nil, nil, errors.Wrap(err, "registering worker")
	}
	return q, c, nil
}

// Orchestrator runs Workers processors in this process, each claiming tasks
// from Queue until the queue is drained, the mode says to stop, the
// shutdown flag is raised or ctx is cancelled.
type Orchestrator struct {
	Config   *Config
	Registry *streamcorpus.Registry
	Queue    *taskqueue.Queue
	Workers  int

	Log      streamcorpus.Logger
	Stats    streamcorpus.Statter
	Shutdown *streamcorpus.ShutdownFlag

	mu       sync.Mutex
	failures int
	first    error
	done     int64
}

func (o *Orchestrator) log() streamcorpus.Logger {
	if o.Log == nil {
		return streamcorpus.NopLogger{}
	}
	return o.Log
}

// Completed is the number of tasks committed so far.
func (o *Orchestrator) Completed() int64 { return atomic.LoadInt64(&o.done) }

// Run assembles a processor per worker and drives them. A failed task is
// abandoned so that the pending sweep returns it to the available set, and
// the worker moves on. Run returns an error wrapping the first failure if
// any task failed, nil after a graceful shutdown and ctx.Err() if ctx was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	workers := o.Workers
	if workers < 1 {
		workers = o.Config.Workers
	}
	if workers < 1 {
		workers = 1
	}
	procs := make([]*Processor, 0, workers)
	defer func() {
		for _, p := range procs {
			if err := p.Close(); err != nil {
				o.log().Warnf("%v", err)
			}
		}
	}()
	for i := 0; i < workers; i++ {
		p, err := Assemble(o.Registry, o.Config,
			OptAssembleLogger(o.log()),
			OptAssembleStatter(o.Stats),
			OptAssembleShutdown(o.Shutdown),
		)
		if err != nil {
			return errors.Wrap(err, "assembling pipeline")
		}
		procs = append(procs, p)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		o.sweep(sweepCtx)
	}()

	eg, ectx := errgroup.WithContext(ctx)
	for i, p := range procs {
		i, p := i, p
		eg.Go(func() error {
			return o.work(ectx, i, p)
		})
	}
	err := eg.Wait()
	stopSweep()
	<-sweepDone
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures > 0 {
		return errors.Wrapf(o.first, "%d tasks failed, first", o.failures)
	}
	return nil
}

// sweep calls ResetPending every ResetPendingEvery until ctx is done.
func (o *Orchestrator) sweep(ctx context.Context) {
	every := o.Config.ResetPendingEvery
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Shutdown.Done():
			return
		case <-t.C:
			n, err := o.Queue.ResetPending()
			if err != nil {
				o.log().Warnf("resetting pending tasks: %v", err)
			} else if n > 0 {
				o.log().Printf("reset %d stale pending tasks", n)
			}
		}
	}
}

func (o *Orchestrator) work(ctx context.Context, id int, p *Processor) error {
	it := o.Queue.Iter(ctx)
	for {
		t, err := it.Next()
		switch {
		case err == io.EOF:
			o.log().Debugf("worker %d: no more tasks", id)
			return nil
		case streamcorpus.Is(err, streamcorpus.ErrGracefulShutdown):
			o.log().Printf("worker %d: shutting down", id)
			return nil
		case err != nil:
			return errors.Wrap(err, "claiming task")
		}
		o.log().Printf("worker %d: processing '%s' from record %d", id, t.TaskString, t.Offset)
		res, err := p.Process(ctx, Unit{IStr: t.TaskString, Offset: t.Offset, PartialCommit: t.PartialCommit})
		switch {
		case err == nil:
			if cerr := t.Commit(res); cerr != nil {
				o.log().Errorf("committing '%s': %v", t.TaskString, cerr)
				continue
			}
			atomic.AddInt64(&o.done, 1)
		case streamcorpus.Is(err, streamcorpus.ErrGracefulShutdown):
			if rerr := t.Release(); rerr != nil {
				o.log().Errorf("releasing '%s': %v", t.TaskString, rerr)
			}
			o.log().Printf("worker %d: stopped '%s' at record %d", id, t.TaskString, res.End)
			return nil
		case ctx.Err() != nil:
			t.Abandon()
			return ctx.Err()
		case streamcorpus.Is(err, taskqueue.ErrNotOwner):
			o.log().Warnf("worker %d: lost '%s' to another worker: %v", id, t.TaskString, err)
		default:
			t.Abandon()
			o.fail(t.TaskString, err)
		}
	}
}

func (o *Orchestrator) fail(iStr string, err error) {
	if !streamcorpus.IsChunkFailure(err) {
		err = &streamcorpus.ChunkFailure{Stage: "reader", Path: iStr, Err: err}
	}
	o.log().Errorf("task '%s' failed: %v", iStr, err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
	if o.first == nil {
		o.first = err
	}
}

// Signals arranges for SIGTERM to raise flag and for SIGINT to cancel the
// returned context. interrupted reports whether SIGINT arrived. stop
// restores default signal handling.
func Signals(ctx context.Context, flag *streamcorpus.ShutdownFlag, log streamcorpus.Logger) (sctx context.Context, interrupted func() bool, stop func()) {
	sctx, cancel := context.WithCancel(ctx)
	var intr int32
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			case s := <-ch:
				if s == syscall.SIGTERM {
					log.Printf("SIGTERM: finishing the current chunk")
					flag.Raise()
					continue
				}
				log.Printf("SIGINT: stopping without commit")
				atomic.StoreInt32(&intr, 1)
				cancel()
			}
		}
	}()
	var once sync.Once
	return sctx, func() bool { return atomic.LoadInt32(&intr) == 1 }, func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			cancel()
		})
	}
}

// ExitCode maps the error returned by Run to a process exit code.
func ExitCode(err error, interrupted bool) int {
	switch {
	case interrupted:
		return ExitInterrupted
	case err == nil, streamcorpus.Is(err, streamcorpus.ErrGracefulShutdown):
		return ExitOK
	case streamcorpus.Is(err, streamcorpus.ErrConfiguration), streamcorpus.Is(err, streamcorpus.ErrUnknownStage):
		return ExitConfig
	}
	return ExitStageFailed
}
