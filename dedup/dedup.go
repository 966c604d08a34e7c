// Package dedup provides an incremental transform that drops near duplicate
// stream items, comparing nilsimsa fingerprints of their content.
package dedup

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/dedup/nilsimsa"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterIncremental("dedup", func(cfg streamcorpus.StageConfig) (streamcorpus.IncrementalTransform, error) {
		conf := DefaultConfig()
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		return New(conf)
	})
}

// Config holds the dedup options.
type Config struct {
	// ContentForm is raw, clean_html or clean_visible.
	ContentForm      string `mapstructure:"content_form"`
	RequireSameDocID bool   `mapstructure:"require_same_doc_id"`
	// UseNilsimsa records the fingerprints of content shorter than
	// MinCleanLength so that later items are compared against them.
	UseNilsimsa bool `mapstructure:"use_nilsimsa"`
	// ExactnessThreshold is the similarity at or above which an item is
	// a duplicate. Similarity is 128 minus the number of differing digest
	// bits, so a bit agreement count of a out of 256 scores a-128: 128 is
	// identical, 0 is unrelated and -128 is complementary.
	ExactnessThreshold int `mapstructure:"exactness_threshold"`
	// LogNilsimsaThreshold is the similarity at or above which a pair of
	// items is written to LogDirPath.
	LogNilsimsaThreshold int    `mapstructure:"log_nilsimsa_threshold"`
	MinCleanLength       int    `mapstructure:"min_clean_length"`
	MinLenSimThousandths int    `mapstructure:"min_len_sim_thousandths_clean"`
	LogDirPath           string `mapstructure:"log_dir_path"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ContentForm:          "clean_visible",
		UseNilsimsa:          true,
		ExactnessThreshold:   128,
		LogNilsimsaThreshold: 100,
		MinCleanLength:       500,
		MinLenSimThousandths: 850,
	}
}

type fingerprint [nilsimsa.Size]byte

type seen struct {
	absURL  []byte
	fp      fingerprint
	content []byte
}

// Dedup is the dedup stage. It remembers every item it accepts for the life
// of the stage.
type Dedup struct {
	conf Config
	log  streamcorpus.Logger

	mu    sync.Mutex
	seen  map[string]*seen
	order []string
}

// New validates conf and returns a Dedup.
func New(conf Config) (*Dedup, error) {
	if _, ok := (&streamcorpus.ContentItem{}).ContentForm(conf.ContentForm); !ok {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "dedup: unknown content_form '%s'", conf.ContentForm)
	}
	return &Dedup{
		conf: conf,
		log:  streamcorpus.NopLogger{},
		seen: make(map[string]*seen),
	}, nil
}

// SetLogger implements streamcorpus.LoggerSetter.
func (d *Dedup) SetLogger(log streamcorpus.Logger) { d.log = log }

func (d *Dedup) fingerprint(c []byte) fingerprint {
	return fingerprint(nilsimsa.Sum(c))
}

// Similarity ranges from -128 to 128, and is 128 only for equal
// fingerprints.
func (d *Dedup) similarity(a, b fingerprint) int {
	return nilsimsa.Compare(nilsimsa.Digest(a), nilsimsa.Digest(b))
}

// lengthsMatch reports whether |L-L'|/max(L,L') in thousandths is within
// MinLenSimThousandths.
func (d *Dedup) lengthsMatch(a, b []byte) bool {
	la, lb := len(a), len(b)
	max, diff := la, la-lb
	if lb > max {
		max = lb
	}
	if diff < 0 {
		diff = -diff
	}
	if max == 0 {
		return true
	}
	return diff*1000 <= d.conf.MinLenSimThousandths*max
}

func (d *Dedup) duplicate(s int, c, other []byte) bool {
	return s >= d.conf.ExactnessThreshold && d.lengthsMatch(c, other)
}

// Transform implements streamcorpus.IncrementalTransform.
func (d *Dedup) Transform(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
	c, _ := si.Body.ContentForm(d.conf.ContentForm)
	if len(c) == 0 {
		d.log.Criticalf("dedup: %s has no body.%s, passing it through", si.StreamID, d.conf.ContentForm)
		return si, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fp := d.fingerprint(c)
	if len(c) < d.conf.MinCleanLength {
		if d.conf.UseNilsimsa {
			d.remember(si, fp, c)
		}
		return si, nil
	}

	if prev, ok := d.seen[si.DocID]; ok {
		if d.duplicate(d.similarity(fp, prev.fp), c, prev.content) {
			d.log.Debugf("dedup: dropping %s, same doc_id as %s", si.StreamID, prev.absURL)
			return nil, nil
		}
	}

	if !d.conf.RequireSameDocID {
		for _, docID := range d.order {
			prev := d.seen[docID]
			s := d.similarity(fp, prev.fp)
			if d.duplicate(s, c, prev.content) {
				d.log.Debugf("dedup: dropping %s, similarity %d to %s", si.StreamID, s, prev.absURL)
				return nil, nil
			}
			if s >= d.conf.LogNilsimsaThreshold {
				d.trace(si, c, docID, prev, s)
			}
		}
	}

	d.remember(si, fp, c)
	return si, nil
}

func (d *Dedup) remember(si *streamcorpus.StreamItem, fp fingerprint, c []byte) {
	if _, ok := d.seen[si.DocID]; !ok {
		d.order = append(d.order, si.DocID)
	}
	d.seen[si.DocID] = &seen{
		absURL:  append([]byte(nil), si.AbsURL...),
		fp:      fp,
		content: append([]byte(nil), c...),
	}
}

// trace writes a near miss to LogDirPath for inspection.
func (d *Dedup) trace(si *streamcorpus.StreamItem, c []byte, docID string, prev *seen, s int) {
	if d.conf.LogDirPath == "" {
		d.log.Debugf("dedup: %s is similar (%d) to %s", si.StreamID, s, prev.absURL)
		return
	}
	if err := os.MkdirAll(d.conf.LogDirPath, 0755); err != nil {
		d.log.Errorf("dedup: creating log_dir_path: %v", err)
		return
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "similarity %d\n%s\n%s\n\n", s, si.AbsURL, prev.absURL)
	buf.Write(c)
	buf.WriteString("\n\n----------\n\n")
	buf.Write(prev.content)
	name := filepath.Join(d.conf.LogDirPath, fmt.Sprintf("%d-%s-%s.txt", s, si.DocID, docID))
	if err := ioutil.WriteFile(name, buf.Bytes(), 0644); err != nil {
		d.log.Errorf("dedup: writing %s: %v", name, err)
	}
}
