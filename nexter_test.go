package streamcorpus_test

import (
	"sync"
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

func TestNexter(t *testing.T) {
	n := streamcorpus.NewNexter(streamcorpus.NexterStartFrom(19))
	if num := n.Next(); num != 19 {
		t.Fatalf("expected 19 for Next, but %d", num)
	}
	if num := n.Last(); num != 19 {
		t.Fatalf("expected 19 for Last, but %d", num)
	}
}

func TestNexterConcurrent(t *testing.T) {
	n := streamcorpus.NewNexter()
	seen := make([]int32, 1000)
	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				seen[n.Next()]++
			}
		}()
	}
	wg.Wait()
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("id %d handed out %d times", i, c)
		}
	}
}
