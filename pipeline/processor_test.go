package pipeline_test

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/batch"
	"github.com/streamcorpus/go-streamcorpus/mock"
	"github.com/streamcorpus/go-streamcorpus/pipeline"
	"github.com/streamcorpus/go-streamcorpus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commit struct {
	start, end int64
	outputs    []string
}

type commits []commit

func (c *commits) record(start, end int64, outputs []string) error {
	*c = append(*c, commit{start, end, outputs})
	return nil
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "pipeline")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newProcessor(t *testing.T, items []*streamcorpus.StreamItem) (*pipeline.Processor, *mock.Loader, *mock.RecordingStatter) {
	loader := &mock.Loader{}
	stats := &mock.RecordingStatter{}
	p := &pipeline.Processor{
		Reader:     &mock.Reader{Items: map[string][]*streamcorpus.StreamItem{"task": items}},
		ReaderName: "mock",
		Loaders:    []pipeline.Loader{{Name: "mock", Loader: loader}},
		TmpDir:     tempDir(t),
		Stats:      stats,
	}
	return p, loader, stats
}

func TestProcessSplitsChunks(t *testing.T) {
	items := test.Items(10)
	p, loader, stats := newProcessor(t, items)
	p.MaxItems = 4
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	require.NoError(t, err)

	require.Len(t, loader.Loads, 3)
	for i, want := range []int{4, 4, 2} {
		assert.Equal(t, want, loader.Loads[i].Info.Num, "chunk %d", i)
		assert.Equal(t, "task", loader.Loads[i].IStr)
	}
	test.MustBe(t, test.StreamIDs(items), loader.StreamIDs())
	test.MustBe(t, commits{
		{0, 4, []string{"mock:" + loader.Loads[0].Info.MD5}},
		{4, 8, []string{"mock:" + loader.Loads[1].Info.MD5}},
		{8, 10, []string{"mock:" + loader.Loads[2].Info.MD5}},
	}, cs)
	assert.Equal(t, int64(10), res.End)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, int64(10), stats.Get("records.in"))
	assert.Equal(t, int64(10), stats.Get("records.out"))
	assert.Equal(t, int64(3), stats.Get("chunks.written"))
	assert.Equal(t, items[4].StreamID, loader.Loads[1].Info.FirstStreamID)
}

func TestProcessDropsAndRecordFailures(t *testing.T) {
	items := test.Items(8)
	p, loader, stats := newProcessor(t, items)
	var seen []string
	p.Incremental = []pipeline.Incremental{
		{Name: "drop_odd", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
			for i, it := range items {
				if it == si && i%2 == 1 {
					return nil, nil
				}
			}
			return si, nil
		})},
		{Name: "flaky", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
			switch si {
			case items[2]:
				return nil, errors.New("bad record")
			case items[4]:
				panic("worse record")
			}
			return si, nil
		})},
		{Name: "observer", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
			seen = append(seen, si.StreamID)
			return si, nil
		})},
	}

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task"})
	require.NoError(t, err)

	want := []string{items[0].StreamID, items[6].StreamID}
	test.MustBe(t, want, seen, "records reaching the last transform")
	test.MustBe(t, want, loader.StreamIDs())
	assert.Equal(t, 4, res.Dropped)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, int64(4), stats.Get("records.dropped"))
	assert.Equal(t, int64(2), stats.Get("records.failed"))
	assert.Equal(t, int64(8), res.End)
}

func TestProcessContext(t *testing.T) {
	p, _, _ := newProcessor(t, test.Items(2))
	p.Values = map[string]interface{}{"config_hash": "abc"}
	var got []*streamcorpus.Context
	p.Incremental = []pipeline.Incremental{{Name: "ctx", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
		got = append(got, ctx)
		return si, nil
	})}}

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task", got[0].IStr)
	assert.Equal(t, "abc", got[0].Values["config_hash"])
	assert.True(t, got[0] == got[1], "one context per unit")
	assert.Equal(t, "abc", res.ConfigHash)
}

func TestProcessResumesAtOffset(t *testing.T) {
	items := test.Items(10)
	p, loader, _ := newProcessor(t, items)
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", Offset: 6, PartialCommit: cs.record})
	require.NoError(t, err)
	test.MustBe(t, test.StreamIDs(items[6:]), loader.StreamIDs())
	require.Len(t, cs, 1)
	assert.Equal(t, int64(6), cs[0].start)
	assert.Equal(t, int64(10), cs[0].end)
	assert.Equal(t, int64(6), res.Start)
}

func TestProcessEmptyInput(t *testing.T) {
	p, loader, _ := newProcessor(t, nil)
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	require.NoError(t, err)
	require.Len(t, loader.Loads, 1, "an empty input still produces a chunk")
	assert.Equal(t, 0, loader.Loads[0].Info.Num)
	assert.Empty(t, cs)
	assert.Equal(t, 1, res.Chunks)
}

func TestProcessReaderFailsMidStream(t *testing.T) {
	items := test.Items(10)
	p, loader, _ := newProcessor(t, items)
	boom := errors.New("connection reset")
	p.Reader = &mock.Reader{
		Items:     map[string][]*streamcorpus.StreamItem{"task": items},
		FailAfter: map[string]int{"task": 5},
		Err:       boom,
	}
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
	test.MustBe(t, test.StreamIDs(items[:5]), loader.StreamIDs())
	require.Len(t, cs, 1)
	assert.Equal(t, int64(5), cs[0].end)
	assert.Equal(t, int64(5), res.End)
}

func TestProcessLoaderFailureIsChunkFailure(t *testing.T) {
	p, _, _ := newProcessor(t, test.Items(3))
	p.Loaders = append(p.Loaders, pipeline.Loader{Name: "broken", Loader: &mock.Loader{Err: errors.New("disk full")}})
	var cs commits
	dir := p.TmpDir

	_, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	require.Error(t, err)
	assert.True(t, streamcorpus.IsChunkFailure(err))
	assert.Equal(t, "broken", err.(*streamcorpus.ChunkFailure).Stage)
	assert.Empty(t, cs)

	left, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left, "temporary chunks are removed")
}

func TestProcessGracefulShutdown(t *testing.T) {
	items := test.Items(10)
	p, loader, _ := newProcessor(t, items)
	p.Shutdown = &streamcorpus.ShutdownFlag{}
	p.Incremental = []pipeline.Incremental{{Name: "sigterm", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
		if si == items[2] {
			p.Shutdown.Raise()
		}
		return si, nil
	})}}
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	assert.True(t, streamcorpus.Is(err, streamcorpus.ErrGracefulShutdown), "got %v", err)
	test.MustBe(t, test.StreamIDs(items[:3]), loader.StreamIDs())
	require.Len(t, cs, 1)
	assert.Equal(t, int64(3), cs[0].end)
	assert.Equal(t, int64(3), res.End)
}

func TestProcessShutdownOnLastRecordCompletes(t *testing.T) {
	items := test.Items(4)
	p, loader, _ := newProcessor(t, items)
	p.Shutdown = &streamcorpus.ShutdownFlag{}
	p.Incremental = []pipeline.Incremental{{Name: "sigterm", IncrementalTransform: streamcorpus.IncrementalFunc(func(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
		if si == items[3] {
			p.Shutdown.Raise()
		}
		return si, nil
	})}}
	var cs commits

	res, err := p.Process(context.Background(), pipeline.Unit{IStr: "task", PartialCommit: cs.record})
	require.NoError(t, err, "nothing is left to hand over")
	test.MustBe(t, test.StreamIDs(items), loader.StreamIDs())
	require.Len(t, loader.Loads, 1)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(4), cs[0].end)
	assert.Equal(t, int64(4), res.End)
}

func TestProcessBatchTransformRenamesChunk(t *testing.T) {
	items := test.Items(5)
	for i, si := range items {
		si.StreamTime = streamcorpus.MakeStreamTime(test.Epoch.Add(time.Duration(10-i) * time.Minute))
	}
	p, loader, _ := newProcessor(t, items)
	p.Batch = []pipeline.Batch{{Name: "sort_by_time", BatchTransform: batch.SortByTime{}}}

	_, err := p.Process(context.Background(), pipeline.Unit{IStr: "task"})
	require.NoError(t, err)
	want := make([]string, len(items))
	for i, si := range items {
		want[len(items)-1-i] = si.StreamID
	}
	test.MustBe(t, want, loader.StreamIDs())
	require.Len(t, loader.Loads, 1)
	assert.Equal(t, items[4].StreamID, loader.Loads[0].Info.FirstStreamID, "name info follows the rewritten chunk")
}

func TestProcessCancelled(t *testing.T) {
	p, loader, _ := newProcessor(t, test.Items(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, pipeline.Unit{IStr: "task"})
	assert.Equal(t, context.Canceled, err)
	assert.Empty(t, loader.Loads)
}
