package test

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

// MustBe uses reflect.DeepEqual to assert that thing1 and thing2 are equal, and
// fails otherwise.
func MustBe(t *testing.T, thing1, thing2 interface{}, context ...string) {
	t.Helper()
	var ctx string
	if len(context) == 0 {
		ctx = ""
	} else {
		ctx = context[0] + ": "
	}
	if !reflect.DeepEqual(thing1, thing2) {
		t.Fatalf("%v'%#v' != '%#v'", ctx, thing1, thing2)
	}
}

// ErrNil asserts that the err is nil and fails otherwise.
func ErrNil(t *testing.T, err error, ctx string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%v: %v", ctx, err)
	}
}

// Epoch is the observation time of the first item made by Items.
var Epoch = time.Date(2012, 5, 1, 10, 0, 0, 0, time.UTC)

// Items makes n distinct v0_3 stream items, one second apart, each with a
// short clean_visible body.
func Items(n int) []*streamcorpus.StreamItem {
	items := make([]*streamcorpus.StreamItem, n)
	for i := range items {
		si := streamcorpus.MakeStreamItem(Epoch.Add(time.Duration(i)*time.Second), fmt.Sprintf("http://example.com/doc/%d", i))
		si.Source = "test"
		si.Body.CleanVisible = []byte(fmt.Sprintf("document number %d", i))
		items[i] = si
	}
	return items
}

// StreamIDs returns the stream ids of items, in order.
func StreamIDs(items []*streamcorpus.StreamItem) []string {
	ids := make([]string, len(items))
	for i, si := range items {
		ids[i] = si.StreamID
	}
	return ids
}
