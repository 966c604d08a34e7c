package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/pipeline"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
)

// QueueMain holds the flags shared by the queue subcommands.
type QueueMain struct {
	Config    string
	Namespace string
}

// Open opens the task queue named in the pipeline config without
// registering as a worker.
func (m *QueueMain) Open() (*taskqueue.Queue, io.Closer, error) {
	if m.Config == "" {
		return nil, nil, errors.Wrap(streamcorpus.ErrConfiguration, "no config file given")
	}
	conf, err := pipeline.LoadConfig(m.Config)
	if err != nil {
		return nil, nil, err
	}
	switch conf.TaskQueue {
	case "args", "stdin":
		return nil, nil, errors.Wrapf(streamcorpus.ErrConfiguration, "task_queue '%s' is not shared, nothing to manage", conf.TaskQueue)
	}
	qc, err := conf.QueueConfig()
	if err != nil {
		return nil, nil, err
	}
	if m.Namespace != "" {
		qc.Namespace = m.Namespace
	}
	c, err := taskqueue.OpenCoordinator(conf.TaskQueue, qc)
	if err != nil {
		return nil, nil, err
	}
	return taskqueue.New(c, qc.Namespace,
		taskqueue.OptQueuePendingTimeout(qc.PendingTimeout),
		taskqueue.OptQueueAvailableLevels(qc.AvailableLevels),
	), c, nil
}

// withQueue adapts fn into a RunE that opens and closes the queue.
func (m *QueueMain) withQueue(fn func(q *taskqueue.Queue, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		q, closer, err := m.Open()
		if err != nil {
			return &ExitError{Code: pipeline.ExitConfig, Err: err}
		}
		defer closer.Close()
		return fn(q, args)
	}
}

// NewQueueCommand returns the queue administration command tree.
func NewQueueCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	m := &QueueMain{}
	queueCommand := &cobra.Command{
		Use:   "queue",
		Short: "inspect and manage the shared task queue",
		Long: `Administers the task queue named by task_queue and task_queue_config
in the pipeline config, for the bolt and zookeeper backends.`,
	}
	flags := queueCommand.PersistentFlags()
	flags.StringVarP(&m.Config, "config", "c", "", "Pipeline YAML file with a streamcorpus.pipeline section.")
	flags.StringVarP(&m.Namespace, "namespace", "n", "", "Overrides task_queue_config.namespace.")

	queueCommand.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "create the queue's namespace",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				return q.InitAll()
			}),
		},
		&cobra.Command{
			Use:   "delete",
			Short: "delete the namespace and every task in it",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				return q.DeleteAll()
			}),
		},
		&cobra.Command{
			Use:   "push [TASK...|-]",
			Short: "add tasks, or read them one per line from stdin with -",
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				tasks := args
				if len(args) == 1 && args[0] == "-" {
					var err error
					if tasks, err = readLines(stdin); err != nil {
						return err
					}
				}
				if err := q.InitAll(); err != nil {
					return err
				}
				n, err := q.Push(tasks...)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "added %d of %d tasks\n", n, len(tasks))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "counts",
			Short: "print the number of tasks in each state as JSON",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				c, err := q.Counts()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			}),
		},
		&cobra.Command{
			Use:   "mode [RUN_FOREVER|FINISH|TERMINATE]",
			Short: "print or set the queue mode",
			Args:  cobra.MaximumNArgs(1),
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				if len(args) == 1 {
					mode, err := taskqueue.ParseMode(args[0])
					if err != nil {
						return err
					}
					return q.SetMode(mode)
				}
				mode, err := q.Mode()
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, mode)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "reset-pending",
			Short: "make pending tasks with stale heartbeats available again",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				n, err := q.ResetPending()
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "reset %d tasks\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "purge",
			Short: "delete completed tasks",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				n, err := q.PurgeCompleted()
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "purged %d tasks\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "list pending tasks and registered workers",
			Args:  cobra.NoArgs,
			RunE: m.withQueue(func(q *taskqueue.Queue, args []string) error {
				return listQueue(q, stdout)
			}),
		},
	)
	return queueCommand
}

func listQueue(q *taskqueue.Queue, out io.Writer) error {
	workers, err := q.Workers()
	if err != nil {
		return err
	}
	pending, err := q.Pending()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "WORKERS\t%d\n", len(workers))
	for _, wk := range workers {
		fmt.Fprintf(w, "\t%s\n", wk)
	}
	fmt.Fprintln(w, "PENDING\tOWNER\tCLAIMED\tHEARTBEAT\tOFFSET")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.TaskString, p.Owner, humanize.Time(p.ClaimedAt), humanize.Time(p.Heartbeat), p.Offset)
	}
	return w.Flush()
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, errors.Wrap(s.Err(), "reading stdin")
}

func init() {
	subcommandFns["queue"] = NewQueueCommand
}
