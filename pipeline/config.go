package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"gopkg.in/yaml.v3"
)

// ConfigKey is the top level key of a pipeline config file.
const ConfigKey = "streamcorpus.pipeline"

// Config is the streamcorpus.pipeline section of a config file. Stage
// sections are kept in Raw and looked up by stage name.
type Config struct {
	RootPath              string                 `mapstructure:"root_path"`
	TmpDirPath            string                 `mapstructure:"tmp_dir_path"`
	TaskQueue             string                 `mapstructure:"task_queue"`
	TaskQueueConfig       map[string]interface{} `mapstructure:"task_queue_config"`
	Readers               []string               `mapstructure:"readers"`
	IncrementalTransforms []string               `mapstructure:"incremental_transforms"`
	BatchTransforms       []string               `mapstructure:"batch_transforms"`
	Loaders               []string               `mapstructure:"loaders"`
	LogLevel              string                 `mapstructure:"log_level"`
	OutputChunkMaxCount   int                    `mapstructure:"output_chunk_max_count"`
	ResetPendingEvery     time.Duration          `mapstructure:"reset_pending_every"`
	Workers               int                    `mapstructure:"workers"`

	// Raw is the whole section after path normalization.
	Raw map[string]interface{} `mapstructure:"-"`
	// Hash identifies the configuration. Equal configs hash equally
	// regardless of key order.
	Hash string `mapstructure:"-"`
	// JSON is Raw serialized with sorted keys.
	JSON string `mapstructure:"-"`
}

// LoadConfig reads the pipeline section of the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "reading config: %v", err)
	}
	return ReadConfig(buf)
}

// ReadConfig parses a YAML document holding a streamcorpus.pipeline section.
func ReadConfig(buf []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "parsing config: %v", err)
	}
	section, ok := stringMap(doc[ConfigKey])
	if !ok {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "config has no %s section", ConfigKey)
	}
	return NewConfig(section)
}

// NewConfig normalizes paths in raw, hashes it and decodes the pipeline
// keys. raw is not modified.
func NewConfig(raw map[string]interface{}) (*Config, error) {
	norm, ok := stringMap(raw)
	if !ok {
		norm = make(map[string]interface{})
	}
	root, _ := norm["root_path"].(string)
	if root != "" {
		norm = NormalizePaths(norm, root).(map[string]interface{})
	}
	c := &Config{
		TaskQueue: "args",
		Workers:   1,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating decoder")
	}
	if err := dec.Decode(norm); err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "%v", err)
	}
	if c.TmpDirPath == "" {
		c.TmpDirPath = filepath.Join(os.TempDir(), "streamcorpus-pipeline")
		norm["tmp_dir_path"] = c.TmpDirPath
	}
	c.Raw = norm
	c.Hash = HashConfig(norm)
	buf, err := json.Marshal(norm)
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "serializing config: %v", err)
	}
	c.JSON = string(buf)
	return c, c.validate()
}

func (c *Config) validate() error {
	if len(c.Readers) != 1 {
		return errors.Wrapf(streamcorpus.ErrConfiguration, "need exactly one reader, have %d", len(c.Readers))
	}
	if len(c.Loaders) == 0 {
		return errors.Wrap(streamcorpus.ErrConfiguration, "no loaders configured")
	}
	if c.OutputChunkMaxCount < 0 {
		return errors.Wrapf(streamcorpus.ErrConfiguration, "output_chunk_max_count must not be negative, got %d", c.OutputChunkMaxCount)
	}
	if c.Workers < 1 {
		return errors.Wrapf(streamcorpus.ErrConfiguration, "workers must be at least 1, got %d", c.Workers)
	}
	if _, err := streamcorpus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// StageConfig returns the section for the named stage with the inherited
// top level keys filled in.
func (c *Config) StageConfig(name string) streamcorpus.StageConfig {
	sc := streamcorpus.StageConfig{}
	if m, ok := c.Raw[name].(map[string]interface{}); ok {
		for k, v := range m {
			sc[k] = v
		}
	}
	for _, k := range streamcorpus.InheritedKeys {
		if _, ok := sc[k]; ok {
			continue
		}
		if v, ok := c.Raw[k]; ok {
			sc[k] = v
		}
	}
	return sc
}

// QueueConfig decodes task_queue_config.
func (c *Config) QueueConfig() (taskqueue.Config, error) {
	qc := taskqueue.Config{
		Namespace:       "streamcorpus",
		PendingTimeout:  taskqueue.DefaultPendingTimeout,
		AvailableLevels: taskqueue.DefaultAvailableLevels,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &qc,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return qc, errors.Wrap(err, "creating decoder")
	}
	if err := dec.Decode(c.TaskQueueConfig); err != nil {
		return qc, errors.Wrapf(streamcorpus.ErrConfiguration, "task_queue_config: %v", err)
	}
	return qc, nil
}

// NormalizePaths joins root to every relative string value whose key ends
// in "path", at any depth. root_path itself is left alone.
func NormalizePaths(v interface{}, root string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok && k != "root_path" && strings.HasSuffix(k, "path") && s != "" && !filepath.IsAbs(s) {
				out[k] = filepath.Join(root, s)
				continue
			}
			out[k] = NormalizePaths(val, root)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = NormalizePaths(val, root)
		}
		return out
	}
	return v
}

// canonical copies v, turning every map into a map[string]interface{}.
func canonical(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonical(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = canonical(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	}
	return v
}

func stringMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := canonical(v).(map[string]interface{})
	return m, ok
}

// HashConfig returns a hash of v that depends only on its contents: map
// keys are visited in sorted order and every value is prefixed with its
// kind.
func HashConfig(v interface{}) string {
	h := xxhash.New()
	hashValue(h, v)
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashValue(h io.Writer, v interface{}) {
	var num [8]byte
	writeString := func(kind byte, s string) {
		binary.BigEndian.PutUint64(num[:], uint64(len(s)))
		h.Write([]byte{kind})
		h.Write(num[:])
		h.Write([]byte(s))
	}
	switch t := v.(type) {
	case nil:
		h.Write([]byte{'z'})
	case bool:
		if t {
			h.Write([]byte{'t'})
		} else {
			h.Write([]byte{'f'})
		}
	case string:
		writeString('s', t)
	case int:
		hashNumber(h, float64(t))
	case int64:
		hashNumber(h, float64(t))
	case uint64:
		hashNumber(h, float64(t))
	case float64:
		hashNumber(h, t)
	case []interface{}:
		binary.BigEndian.PutUint64(num[:], uint64(len(t)))
		h.Write([]byte{'l'})
		h.Write(num[:])
		for _, e := range t {
			hashValue(h, e)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		binary.BigEndian.PutUint64(num[:], uint64(len(t)))
		h.Write([]byte{'m'})
		h.Write(num[:])
		for _, k := range keys {
			writeString('k', k)
			hashValue(h, t[k])
		}
	default:
		writeString('?', fmt.Sprintf("%v", t))
	}
}

// hashNumber hashes every number as a float so that 5 and 5.0 agree.
func hashNumber(h io.Writer, f float64) {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], math.Float64bits(f))
	h.Write([]byte{'n'})
	h.Write(num[:])
}
