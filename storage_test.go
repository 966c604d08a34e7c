package streamcorpus_test

import (
	"bytes"
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestStreamItemKeyOrder(t *testing.T) {
	items := test.Items(3)
	var prev []byte
	for _, si := range items {
		k, err := streamcorpus.StreamItemKey(si)
		test.ErrNil(t, err, "StreamItemKey")
		b := k.Bytes()
		if prev != nil && bytes.Compare(prev, b) >= 0 {
			t.Fatalf("keys not increasing with time: %x >= %x", prev, b)
		}
		prev = b

		back, err := streamcorpus.ParseKey(b)
		test.ErrNil(t, err, "ParseKey")
		test.MustBe(t, k, back)
	}
}

func TestDocIDUUIDRejectsBadHex(t *testing.T) {
	if _, err := streamcorpus.DocIDUUID("zz"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := streamcorpus.DocIDUUID("abcd"); err == nil {
		t.Fatalf("expected error for short doc id")
	}
}

func TestUpperBound(t *testing.T) {
	test.MustBe(t, []byte{1, 3}, streamcorpus.UpperBound([]byte{1, 2}))
	test.MustBe(t, []byte{2}, streamcorpus.UpperBound([]byte{1, 0xff}))
	if streamcorpus.UpperBound([]byte{0xff, 0xff}) != nil {
		t.Fatalf("expected nil upper bound")
	}
}
