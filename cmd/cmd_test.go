package cmd_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/streamcorpus/go-streamcorpus/chunk"
	"github.com/streamcorpus/go-streamcorpus/cmd"
	"github.com/streamcorpus/go-streamcorpus/pipeline"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"github.com/streamcorpus/go-streamcorpus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boltConfig = `
streamcorpus.pipeline:
  root_path: %s
  tmp_dir_path: tmp
  task_queue: bolt
  task_queue_config:
    path: queue.db
  readers: [from_local_chunks]
  loaders: [to_local_chunks]
  to_local_chunks:
    output_type: otherdir
    output_path: out
`

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	rc := cmd.NewRootCommand(stdin, stdout, ioutil.Discard)
	rc.SetArgs(args)
	err := rc.Execute()
	return stdout.String(), err
}

func setup(t *testing.T) (dir, conf string) {
	dir, err := ioutil.TempDir("", "cmd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	items := test.Items(6)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "in"), 0755))
	for i := 0; i < 3; i++ {
		require.NoError(t, chunk.WriteAtomic(filepath.Join(dir, "in", fmt.Sprintf("%d.sc", i)), items[i*2:i*2+2]))
	}
	conf = filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, ioutil.WriteFile(conf, []byte(fmt.Sprintf(boltConfig, dir)), 0644))
	return dir, conf
}

func TestQueueAndRun(t *testing.T) {
	dir, conf := setup(t)

	out, err := execute(t, strings.NewReader("in/0.sc\nin/1.sc\n"), "queue", "push", "-c", conf, "-")
	require.NoError(t, err)
	assert.Equal(t, "added 2 of 2 tasks\n", out)
	out, err = execute(t, nil, "queue", "push", "-c", conf, "in/1.sc", "in/2.sc")
	require.NoError(t, err)
	assert.Equal(t, "added 1 of 2 tasks\n", out, "pushing a task twice is a no-op")

	_, err = execute(t, nil, "queue", "mode", "-c", conf, "finish")
	require.NoError(t, err)
	out, err = execute(t, nil, "queue", "mode", "-c", conf)
	require.NoError(t, err)
	assert.Equal(t, "FINISH\n", out)

	t.Setenv("SCP_WORKERS", "2")
	_, err = execute(t, nil, "run", "--config", conf)
	require.NoError(t, err)

	written, err := filepath.Glob(filepath.Join(dir, "out", "*.sc"))
	require.NoError(t, err)
	assert.Len(t, written, 3)

	out, err = execute(t, nil, "queue", "counts", "-c", conf)
	require.NoError(t, err)
	var counts taskqueue.Counts
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, taskqueue.Counts{Completed: 3, Tasks: 3}, counts)

	out, err = execute(t, nil, "queue", "purge", "-c", conf)
	require.NoError(t, err)
	assert.Equal(t, "purged 3 tasks\n", out)

	out, err = execute(t, nil, "queue", "list", "-c", conf)
	require.NoError(t, err)
	assert.Contains(t, out, "WORKERS")
	assert.Contains(t, out, "PENDING")
}

func TestRunFailureExitCode(t *testing.T) {
	_, conf := setup(t)
	_, err := execute(t, nil, "run", "--config", filepath.Join(filepath.Dir(conf), "missing.yaml"))
	require.Error(t, err)
	ee, ok := err.(*cmd.ExitError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, pipeline.ExitConfig, ee.Code)
}

func TestQueueRejectsLocalQueues(t *testing.T) {
	dir, conf := setup(t)
	doc, err := ioutil.ReadFile(conf)
	require.NoError(t, err)
	argsConf := filepath.Join(dir, "args.yaml")
	require.NoError(t, ioutil.WriteFile(argsConf, bytes.Replace(doc, []byte("task_queue: bolt"), []byte("task_queue: args"), 1), 0644))

	_, err = execute(t, nil, "queue", "counts", "-c", argsConf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not shared")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "streamcorpus_pipeline v0.0.0"), out)
}
