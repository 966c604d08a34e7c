package sqlite

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/storagetest"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestSQLiteStorage(t *testing.T) {
	dir, err := ioutil.TempDir("", "sqlite")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)

	s, err := Open(context.Background(), filepath.Join(dir, "kv.db"))
	test.ErrNil(t, err, "Open")
	defer s.Close()
	storagetest.Contract(t, s)
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := streamcorpus.OpenStorage("sqlite", streamcorpus.StageConfig{"storage_path": ":memory:"})
	test.ErrNil(t, err, "OpenStorage")
	defer s.Close()
	storagetest.Contract(t, s)
}
