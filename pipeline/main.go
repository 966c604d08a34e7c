package pipeline

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"github.com/streamcorpus/go-streamcorpus/termstat"
)

// Main holds the command line configuration of a pipeline run.
type Main struct {
	Config        string        `help:"Pipeline YAML file with a streamcorpus.pipeline section."`
	Workers       int           `help:"Concurrent workers in this process. Zero uses the config's workers."`
	LogPath       string        `help:"Log file to write to. Empty means stderr."`
	LogLevel      string        `help:"Overrides log_level from the config file."`
	Stats         bool          `help:"Print running record and chunk counts to stderr."`
	StatsInterval time.Duration `help:"How often running counts are printed."`

	Tasks    []string              `flag:"-"`
	Stdin    io.Reader             `flag:"-"`
	Stderr   io.Writer             `flag:"-"`
	Registry *streamcorpus.Registry `flag:"-"`

	log streamcorpus.Logger
}

// NewMain returns a Main with defaults.
func NewMain() *Main {
	return &Main{
		StatsInterval: time.Second,
		Stdin:         os.Stdin,
		Stderr:        os.Stderr,
		Registry:      streamcorpus.DefaultRegistry,
		log:           streamcorpus.NopLogger{},
	}
}

// Log is the logger set up by Run.
func (m *Main) Log() streamcorpus.Logger { return m.log }

// Run loads the config, opens the task queue and processes tasks until the
// queue is drained or a signal arrives. It returns the process exit code
// along with the error that caused it.
func (m *Main) Run(ctx context.Context) (int, error) {
	conf, err := m.setup()
	if err != nil {
		return ExitConfig, errors.Wrap(err, "setting up")
	}
	for name, cause := range m.Registry.Unavailable() {
		m.log.Debugf("optional stage %s is unavailable: %v", name, cause)
	}

	tasks := m.Tasks
	if conf.TaskQueue == "stdin" {
		if tasks, err = readTasks(m.Stdin); err != nil {
			return ExitConfig, err
		}
	}

	flag := &streamcorpus.ShutdownFlag{}
	ctx, interrupted, stop := Signals(ctx, flag, m.log)
	defer stop()

	q, closer, err := OpenQueue(conf, tasks, taskqueue.OptQueueShutdown(flag), taskqueue.OptQueueLogger(m.log))
	if err != nil {
		return ExitConfig, errors.Wrap(err, "opening task queue")
	}
	defer closer.Close()

	var stats streamcorpus.Statter = streamcorpus.NopStatter{}
	if m.Stats {
		c := termstat.NewCollector(m.Stderr, m.StatsInterval)
		defer c.Stop()
		stats = c
	}

	o := &Orchestrator{
		Config:   conf,
		Registry: m.Registry,
		Queue:    q,
		Workers:  m.Workers,
		Log:      m.log,
		Stats:    stats,
		Shutdown: flag,
	}
	start := time.Now()
	err = o.Run(ctx)
	code := ExitCode(err, interrupted())
	m.log.Printf("finished %d tasks in %v, exit code %d", o.Completed(), time.Since(start).Round(time.Millisecond), code)
	if code == ExitOK {
		return code, nil
	}
	return code, err
}

func (m *Main) setup() (*Config, error) {
	if m.Config == "" {
		return nil, errors.Wrap(streamcorpus.ErrConfiguration, "no config file given")
	}
	conf, err := LoadConfig(m.Config)
	if err != nil {
		return nil, err
	}
	level := conf.LogLevel
	if m.LogLevel != "" {
		level = m.LogLevel
	}
	lvl, err := streamcorpus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var logOut io.Writer = m.Stderr
	if m.LogPath != "" {
		f, err := os.OpenFile(m.LogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		logOut = f
	}
	m.log = streamcorpus.NewLevelLogger(log.New(logOut, "", log.LstdFlags), lvl)
	m.Registry.Log = m.log
	return conf, nil
}

// readTasks returns the non-blank lines of r.
func readTasks(r io.Reader) ([]string, error) {
	var tasks []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			tasks = append(tasks, line)
		}
	}
	return tasks, errors.Wrap(s.Err(), "reading tasks from stdin")
}
