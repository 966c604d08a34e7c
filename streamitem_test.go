package streamcorpus_test

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestMakeStreamItem(t *testing.T) {
	ts := time.Date(2013, 1, 2, 3, 4, 5, 0, time.UTC)
	si := streamcorpus.MakeStreamItem(ts, "http://example.com/")
	test.MustBe(t, streamcorpus.Version03, si.Version)
	test.MustBe(t, "2013-01-02T03:04:05.000000Z", si.StreamTime.ZuluTimestamp)
	test.MustBe(t, float64(ts.Unix()), si.StreamTime.EpochTicks)
	test.MustBe(t, "a6bf1757fff057f266b697df9cf176fd", si.DocID)
	test.MustBe(t, "1357095845-a6bf1757fff057f266b697df9cf176fd", si.StreamID)
	test.MustBe(t, ts, si.StreamTime.Time())
	test.MustBe(t, "2013-01-02-03", streamcorpus.DateHour(int64(si.StreamTime.EpochTicks)))
}

func TestContentForm(t *testing.T) {
	ci := &streamcorpus.ContentItem{Raw: []byte("r"), CleanVisible: []byte("cv")}
	b, ok := ci.ContentForm("clean_visible")
	test.MustBe(t, true, ok)
	test.MustBe(t, []byte("cv"), b)
	if _, ok := ci.ContentForm("bogus"); ok {
		t.Fatalf("bogus form reported as known")
	}
	var nilCI *streamcorpus.ContentItem
	if _, ok := nilCI.ContentForm("raw"); ok {
		t.Fatalf("nil content item has no forms")
	}
}

func TestLevelLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	lvl, err := streamcorpus.ParseLevel("warning")
	test.ErrNil(t, err, "ParseLevel")
	l := streamcorpus.NewLevelLogger(log.New(buf, "", 0), lvl)
	l.Debugf("d %d", 1)
	l.Printf("i %d", 2)
	l.Warnf("w %d", 3)
	l.Criticalf("c %d", 4)
	test.MustBe(t, "WARNING w 3\nCRITICAL c 4\n", buf.String())

	if _, err := streamcorpus.ParseLevel("loud"); !streamcorpus.Is(err, streamcorpus.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestShutdownFlag(t *testing.T) {
	var f streamcorpus.ShutdownFlag
	if f.Raised() {
		t.Fatalf("zero flag raised")
	}
	f.Raise()
	f.Raise()
	select {
	case <-f.Done():
	default:
		t.Fatalf("Done not closed after Raise")
	}
	var nilFlag *streamcorpus.ShutdownFlag
	if nilFlag.Raised() || !strings.Contains(streamcorpus.ShapeLoader.String(), "loader") {
		t.Fatalf("nil flag should never be raised")
	}
}
