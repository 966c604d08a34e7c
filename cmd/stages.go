package cmd

// Stages and task queue backends register themselves when imported.
import (
	_ "github.com/streamcorpus/go-streamcorpus/batch"
	_ "github.com/streamcorpus/go-streamcorpus/boltdb"
	_ "github.com/streamcorpus/go-streamcorpus/dedup"
	_ "github.com/streamcorpus/go-streamcorpus/file"
	_ "github.com/streamcorpus/go-streamcorpus/johnsmith"
	_ "github.com/streamcorpus/go-streamcorpus/kvlayer"
	_ "github.com/streamcorpus/go-streamcorpus/leveldb"
	_ "github.com/streamcorpus/go-streamcorpus/sqlite"
	_ "github.com/streamcorpus/go-streamcorpus/upgrade"
	_ "github.com/streamcorpus/go-streamcorpus/zookeeper"
)
