package streamcorpus_test

import (
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestIDMapDense(t *testing.T) {
	m := streamcorpus.NewIDMap()
	keys := []streamcorpus.MentionKey{{0, 0}, {0, 1}, {0, 0}, {1, 0}, {1, 0}, {2, 7}}
	var got []int64
	for _, k := range keys {
		got = append(got, m.GetID(k))
	}
	test.MustBe(t, []int64{0, 1, 0, 2, 2, 3}, got)
	test.MustBe(t, 4, m.Len())

	v, err := m.Get(2)
	test.ErrNil(t, err, "Get")
	test.MustBe(t, streamcorpus.MentionKey{Sentence: 1, Local: 0}, v)

	if _, err := m.Get(4); err == nil {
		t.Fatalf("expected error for unallocated id")
	}
}
