package zookeeper_test

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"github.com/streamcorpus/go-streamcorpus/taskqueue/taskqueuetest"
	"github.com/streamcorpus/go-streamcorpus/zookeeper"
)

// The contract runs against a live ensemble when ZOOKEEPER_ADDRS lists one.
func TestZookeeperCoordinator(t *testing.T) {
	addrs := os.Getenv("ZOOKEEPER_ADDRS")
	if addrs == "" {
		t.Skip("ZOOKEEPER_ADDRS not set")
	}
	root := fmt.Sprintf("/streamcorpus-test-%d", time.Now().UnixNano())
	open := func() taskqueue.Coordinator {
		c, err := zookeeper.Dial(strings.Split(addrs, ","), 5*time.Second, nil)
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		return c
	}
	taskqueuetest.Contract(t, root, open)

	c := open()
	defer c.Close()
	if err := taskqueue.New(c, root).DeleteAll(); err != nil {
		t.Fatalf("cleaning up: %v", err)
	}
}

func TestDialNeedsAddresses(t *testing.T) {
	if _, err := zookeeper.Dial(nil, time.Second, nil); err == nil {
		t.Fatalf("expected error")
	}
}
