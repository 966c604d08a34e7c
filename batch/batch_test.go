package batch

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestSortByTime(t *testing.T) {
	dir, err := ioutil.TempDir("", "batch")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)

	items := test.Items(4)
	shuffled := []*streamcorpus.StreamItem{items[2], items[0], items[3], items[1]}
	path := filepath.Join(dir, "c.sc")
	test.ErrNil(t, chunk.WriteAtomic(path, shuffled), "WriteAtomic")

	bt, err := streamcorpus.DefaultRegistry.BuildBatch("sort_by_time", nil)
	test.ErrNil(t, err, "BuildBatch")
	out, err := bt.Process(context.Background(), path)
	test.ErrNil(t, err, "Process")
	test.MustBe(t, path, out)
	got, err := chunk.ReadAll(out)
	test.ErrNil(t, err, "ReadAll")
	test.MustBe(t, test.StreamIDs(items), test.StreamIDs(got))
}

func TestExternalCommand(t *testing.T) {
	if !streamcorpus.DefaultRegistry.Has(streamcorpus.ShapeBatch, "external_command") {
		t.Skip("no sh on this system")
	}
	dir, err := ioutil.TempDir("", "batch")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "c.sc")
	test.ErrNil(t, chunk.WriteAtomic(path, test.Items(2)), "WriteAtomic")

	bt, err := streamcorpus.DefaultRegistry.BuildBatch("external_command", streamcorpus.StageConfig{
		"args":   []interface{}{"-c", `cp "$0" "$SC_OUTPUT"`},
		"output": "copied.sc",
	})
	test.ErrNil(t, err, "BuildBatch")
	out, err := bt.Process(context.Background(), path)
	test.ErrNil(t, err, "Process")
	test.MustBe(t, filepath.Join(dir, "copied.sc"), out)
	got, err := chunk.ReadAll(out)
	test.ErrNil(t, err, "ReadAll")
	test.MustBe(t, 2, len(got))

	bt, err = streamcorpus.DefaultRegistry.BuildBatch("external_command", streamcorpus.StageConfig{
		"args": []interface{}{"-c", "echo broken >&2; exit 3"},
	})
	test.ErrNil(t, err, "BuildBatch")
	if _, err := bt.Process(context.Background(), path); err == nil {
		t.Fatalf("expected failure from exit status 3")
	}
}

func TestExternalCommandUnavailable(t *testing.T) {
	r := streamcorpus.NewRegistry()
	RegisterExternalCommand(r, "definitely-not-a-real-binary-xyz")
	test.MustBe(t, false, r.Has(streamcorpus.ShapeBatch, "external_command"))
	if _, ok := r.Unavailable()["external_command"]; !ok {
		t.Fatalf("expected external_command to be reported unavailable")
	}
	_, err := r.BuildBatch("external_command", nil)
	if !streamcorpus.Is(err, streamcorpus.ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
}
