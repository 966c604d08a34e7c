// Package johnsmith reads the Bagga and Baldwin John Smith coreference
// corpus: a directory with one subdirectory per John Smith, each holding
// plain text articles that mention him.
package johnsmith

import (
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

// Source is the source every item is tagged with, and the annotator of its
// rating.
const Source = "bagga-and-baldwin"

// corpusTime is the stream time given to every article; the corpus carries
// no dates of its own.
var corpusTime = time.Date(1998, 12, 31, 23, 59, 59, 999999000, time.UTC)

func init() {
	streamcorpus.DefaultRegistry.RegisterReader("john_smith", func(cfg streamcorpus.StageConfig) (streamcorpus.Reader, error) {
		var conf struct {
			RootPath string `mapstructure:"root_path"`
		}
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		return &Reader{RootPath: conf.RootPath}, nil
	})
}

// Reader is the john_smith stage. The task string is the corpus directory.
type Reader struct {
	RootPath string
}

type file struct {
	target string
	path   string
	rel    string
}

// Read implements streamcorpus.Reader.
func (r *Reader) Read(ctx context.Context, iStr string) (streamcorpus.ItemIterator, error) {
	dir := iStr
	if !filepath.IsAbs(dir) && r.RootPath != "" {
		dir = filepath.Join(r.RootPath, dir)
	}
	targets, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading corpus directory")
	}
	var files []file
	for _, t := range targets {
		if !t.IsDir() {
			continue
		}
		docs, err := ioutil.ReadDir(filepath.Join(dir, t.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", t.Name())
		}
		for _, d := range docs {
			if d.IsDir() {
				continue
			}
			files = append(files, file{
				target: t.Name(),
				path:   filepath.Join(dir, t.Name(), d.Name()),
				rel:    filepath.Join(t.Name(), d.Name()),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return &iterator{ctx: ctx, files: files}, nil
}

type iterator struct {
	ctx   context.Context
	files []file
}

func (it *iterator) Next() (*streamcorpus.StreamItem, error) {
	if len(it.files) == 0 {
		return nil, io.EOF
	}
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	f := it.files[0]
	it.files = it.files[1:]
	raw, err := ioutil.ReadFile(f.path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", f.rel)
	}
	si := streamcorpus.MakeStreamItem(corpusTime, f.rel)
	si.Source = Source
	si.Body.Raw = raw
	si.Body.MediaType = "text/plain"
	si.Body.Encoding = "UTF-8"
	si.Body.Language = streamcorpus.Language{Code: "en", Name: "English"}
	si.Ratings = []streamcorpus.Rating{{
		AnnotatorID:     Source,
		TargetID:        f.target,
		ContainsMention: true,
		Mentions:        []string{"john", "smith"},
	}}
	return si, nil
}

func (it *iterator) Close() error {
	it.files = nil
	return nil
}

