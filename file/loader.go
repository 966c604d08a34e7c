package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

// Output placement for to_local_chunks.
const (
	OutputOtherDir = "otherdir"
	OutputSameDir  = "samedir"
	OutputInPlace  = "inplace"
)

// NameFromInput as the output_name keeps the input file's name.
const NameFromInput = "input"

// LoaderConfig configures to_local_chunks.
type LoaderConfig struct {
	// OutputType is one of otherdir, samedir or inplace.
	OutputType string `mapstructure:"output_type"`
	OutputPath string `mapstructure:"output_path"`
	// OutputName is a text/template over the chunk's name info, or "input".
	OutputName string `mapstructure:"output_name"`
	Compress   bool   `mapstructure:"compress"`
	RootPath   string `mapstructure:"root_path"`
}

// Loader is the to_local_chunks stage.
type Loader struct {
	conf LoaderConfig
	name *template.Template
	log  streamcorpus.Logger
}

// NewLoaderFromConfig builds a Loader.
func NewLoaderFromConfig(cfg streamcorpus.StageConfig) (streamcorpus.Loader, error) {
	conf := LoaderConfig{OutputType: OutputOtherDir, OutputName: "{{.source}}-{{.num}}-{{.md5}}"}
	if err := cfg.Decode(&conf); err != nil {
		return nil, err
	}
	return NewLoader(conf)
}

// NewLoader validates conf and returns a Loader.
func NewLoader(conf LoaderConfig) (*Loader, error) {
	l := &Loader{conf: conf, log: streamcorpus.NopLogger{}}
	switch conf.OutputType {
	case OutputOtherDir:
		if conf.OutputPath == "" {
			return nil, errors.Wrap(streamcorpus.ErrConfiguration, "to_local_chunks: otherdir needs output_path")
		}
	case OutputSameDir, OutputInPlace:
	default:
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "to_local_chunks: unknown output_type '%s'", conf.OutputType)
	}
	if conf.OutputType != OutputInPlace && conf.OutputName != NameFromInput {
		var err error
		l.name, err = template.New("output_name").Option("missingkey=error").Parse(conf.OutputName)
		if err != nil {
			return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "to_local_chunks: parsing output_name: %v", err)
		}
	}
	return l, nil
}

// SetLogger implements streamcorpus.LoggerSetter.
func (l *Loader) SetLogger(log streamcorpus.Logger) { l.log = log }

// InputBase strips the directory and chunk extensions from a task string.
func InputBase(iStr string) string {
	base := filepath.Base(iStr)
	base = strings.TrimSuffix(base, ".xz")
	return strings.TrimSuffix(base, ".sc")
}

// OutputPath is where Load will put a chunk.
func (l *Loader) OutputPath(info streamcorpus.NameInfo, iStr string) (string, error) {
	input := iStr
	if !filepath.IsAbs(input) && l.conf.RootPath != "" {
		input = filepath.Join(l.conf.RootPath, input)
	}
	var dir string
	switch l.conf.OutputType {
	case OutputOtherDir:
		dir = l.conf.OutputPath
	default:
		dir = filepath.Dir(input)
	}
	name := InputBase(input)
	if l.name != nil {
		fields := info.Fields()
		fields["input_base"] = InputBase(input)
		buf := &bytes.Buffer{}
		if err := l.name.Execute(buf, fields); err != nil {
			return "", errors.Wrap(err, "expanding output_name")
		}
		name = buf.String()
	}
	ext := ".sc"
	if l.conf.Compress {
		ext = ".sc.xz"
	}
	return filepath.Join(dir, name+ext), nil
}

// Load implements streamcorpus.Loader.
func (l *Loader) Load(ctx context.Context, chunkPath string, info streamcorpus.NameInfo, iStr string) (string, error) {
	out, err := l.OutputPath(info, iStr)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}
	n, err := chunk.Copy(chunkPath, out)
	if err != nil {
		return "", errors.Wrapf(err, "writing %s", out)
	}
	l.log.Printf("to_local_chunks: wrote %d items to %s (%s)", info.Num, out, humanize.Bytes(uint64(n)))
	return out, nil
}
