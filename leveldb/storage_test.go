package leveldb

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/google/uuid"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/storagetest"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func TestLevelDBStorage(t *testing.T) {
	dir, err := ioutil.TempDir("", "leveldb")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)

	s, err := NewStorage(dir)
	test.ErrNil(t, err, "NewStorage")
	storagetest.Contract(t, s)
	test.ErrNil(t, s.Close(), "Close")
}

func TestLevelDBNamespacesPersist(t *testing.T) {
	dir, err := ioutil.TempDir("", "leveldb")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)

	s, err := NewStorage(dir)
	test.ErrNil(t, err, "NewStorage")
	test.ErrNil(t, s.SetupNamespace(streamcorpus.StreamItemsTable, 2), "SetupNamespace")
	key := streamcorpus.Key{streamcorpus.TicksUUID(5), uuid.New()}
	test.ErrNil(t, s.Put(streamcorpus.StreamItemsTable, key, []byte("v")), "Put")
	test.ErrNil(t, s.Close(), "Close")

	s, err = NewStorage(dir)
	test.ErrNil(t, err, "reopening")
	defer s.Close()
	it, err := s.Get(streamcorpus.StreamItemsTable, nil, nil)
	test.ErrNil(t, err, "Get")
	got := storagetest.Collect(t, it)
	test.MustBe(t, 1, len(got))
	test.MustBe(t, key, got[0].Key)
}

func TestMemStorage(t *testing.T) {
	storagetest.Contract(t, NewMemStorage())
}

func TestOpenRegistered(t *testing.T) {
	_, err := streamcorpus.OpenStorage("leveldb", streamcorpus.StageConfig{})
	if err == nil {
		t.Fatalf("expected error without storage_path")
	}
	s, err := streamcorpus.OpenStorage("memory", streamcorpus.StageConfig{})
	test.ErrNil(t, err, "OpenStorage")
	s.Close()
}
