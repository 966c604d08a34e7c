package cmd

import (
	"context"
	"io"

	"github.com/jaffee/commandeer"
	"github.com/spf13/cobra"
	"github.com/streamcorpus/go-streamcorpus/pipeline"
)

// RunMain is wrapped by the run subcommand.
var RunMain *pipeline.Main

// NewRunCommand returns a new cobra command wrapping RunMain.
func NewRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var err error
	RunMain = pipeline.NewMain()
	RunMain.Stdin = stdin
	RunMain.Stderr = stderr
	runCommand := &cobra.Command{
		Use:   "run [TASK...]",
		Short: "run a pipeline over tasks from the configured task queue",
		Long: `Runs the pipeline described by --config. With the "args" task queue
each positional argument is one input, with "stdin" inputs are read one
per line from standard input, and with any other queue tasks are claimed
from the shared queue until it is drained or the process is signalled.

SIGTERM finishes the current chunk and releases the task. SIGINT stops
immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			RunMain.Tasks = args
			code, err := RunMain.Run(context.Background())
			if code != pipeline.ExitOK {
				return &ExitError{Code: code, Err: err}
			}
			return nil
		},
	}
	flags := runCommand.Flags()
	err = commandeer.Flags(flags, RunMain)
	if err != nil {
		panic(err)
	}
	return runCommand
}

func init() {
	subcommandFns["run"] = NewRunCommand
}
