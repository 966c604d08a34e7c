package pipeline_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/pipeline"
	"github.com/streamcorpus/go-streamcorpus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
streamcorpus.pipeline:
  root_path: /data/run
  tmp_dir_path: tmp
  task_queue: bolt
  task_queue_config:
    namespace: kba
    path: queue.db
    pending_timeout: 2m
  log_level: DEBUG
  output_chunk_max_count: 500
  reset_pending_every: 30s
  readers: [from_local_chunks]
  incremental_transforms: [dedup, upgrade_streamcorpus_v0_3_0]
  loaders: [to_local_chunks]
  dedup:
    use_nilsimsa: true
    log_dir_path: dedup-log
  to_local_chunks:
    output_type: otherdir
    output_path: /abs/out
    nested:
      - scratch_path: scratch
`

func TestReadConfig(t *testing.T) {
	conf, err := pipeline.ReadConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/data/run/tmp", conf.TmpDirPath)
	assert.Equal(t, "bolt", conf.TaskQueue)
	assert.Equal(t, 500, conf.OutputChunkMaxCount)
	assert.Equal(t, 30*time.Second, conf.ResetPendingEvery)
	test.MustBe(t, []string{"dedup", "upgrade_streamcorpus_v0_3_0"}, conf.IncrementalTransforms)

	dedup := conf.StageConfig("dedup")
	assert.Equal(t, "/data/run/dedup-log", dedup["log_dir_path"])
	assert.Equal(t, "/data/run", dedup["root_path"])
	assert.Equal(t, "/data/run/tmp", dedup["tmp_dir_path"])

	out := conf.StageConfig("to_local_chunks")
	assert.Equal(t, "/abs/out", out["output_path"], "absolute paths are left alone")
	nested := out["nested"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "/data/run/scratch", nested["scratch_path"])

	qc, err := conf.QueueConfig()
	require.NoError(t, err)
	assert.Equal(t, "kba", qc.Namespace)
	assert.Equal(t, "/data/run/queue.db", qc.Path)
	assert.Equal(t, 2*time.Minute, qc.PendingTimeout)

	var back map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(conf.JSON), &back))
	assert.Equal(t, "/data/run/tmp", back["tmp_dir_path"])
}

func TestStageConfigOfUnconfiguredStage(t *testing.T) {
	conf, err := pipeline.ReadConfig([]byte(sampleConfig))
	require.NoError(t, err)
	sc := conf.StageConfig("upgrade_streamcorpus_v0_3_0")
	test.MustBe(t, streamcorpus.StageConfig{"root_path": "/data/run", "tmp_dir_path": "/data/run/tmp"}, sc)
	var into struct {
		TaggerID string `mapstructure:"tagger_id"`
	}
	test.ErrNil(t, sc.Decode(&into), "inherited keys decode into any stage")
}

func TestConfigHashIgnoresOrder(t *testing.T) {
	a := map[string]interface{}{
		"readers": []interface{}{"r"},
		"loaders": []interface{}{"l"},
		"l":       map[string]interface{}{"x": 1, "y": "two"},
	}
	b := map[string]interface{}{
		"l":       map[string]interface{}{"y": "two", "x": 1.0},
		"loaders": []interface{}{"l"},
		"readers": []interface{}{"r"},
	}
	ca, err := pipeline.NewConfig(a)
	require.NoError(t, err)
	cb, err := pipeline.NewConfig(b)
	require.NoError(t, err)
	assert.Equal(t, ca.Hash, cb.Hash)
	assert.Len(t, ca.Hash, 16)

	b["l"].(map[string]interface{})["x"] = 2
	cc, err := pipeline.NewConfig(b)
	require.NoError(t, err)
	assert.NotEqual(t, ca.Hash, cc.Hash)

	assert.NotEqual(t, pipeline.HashConfig([]interface{}{"a", "b"}), pipeline.HashConfig([]interface{}{"b", "a"}), "sequences are ordered")
	assert.NotEqual(t, pipeline.HashConfig("1"), pipeline.HashConfig(1))
}

func TestConfigErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"no section":  "other: {}\n",
		"two readers": "streamcorpus.pipeline:\n  readers: [a, b]\n  loaders: [l]\n",
		"no loaders":  "streamcorpus.pipeline:\n  readers: [a]\n",
		"bad level":   "streamcorpus.pipeline:\n  readers: [a]\n  loaders: [l]\n  log_level: LOUD\n",
		"bad yaml":    "streamcorpus.pipeline: [\n",
	} {
		_, err := pipeline.ReadConfig([]byte(doc))
		assert.True(t, streamcorpus.Is(err, streamcorpus.ErrConfiguration), "%s: got %v", name, err)
	}
}

func TestNormalizePathsWithoutRoot(t *testing.T) {
	conf, err := pipeline.NewConfig(map[string]interface{}{
		"readers": []interface{}{"r"},
		"loaders": []interface{}{"l"},
		"l":       map[string]interface{}{"output_path": "relative"},
	})
	require.NoError(t, err)
	assert.Equal(t, "relative", conf.StageConfig("l")["output_path"])
}

func TestRelativeRootPath(t *testing.T) {
	conf, err := pipeline.NewConfig(map[string]interface{}{
		"root_path": "data",
		"readers":   []interface{}{"r"},
		"loaders":   []interface{}{"l"},
		"l":         map[string]interface{}{"output_path": "out", "root_path": "data"},
	})
	require.NoError(t, err)
	assert.Equal(t, "data", conf.RootPath)
	sc := conf.StageConfig("l")
	assert.Equal(t, filepath.Join("data", "out"), sc["output_path"])
	assert.Equal(t, "data", sc["root_path"])
}
