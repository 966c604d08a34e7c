//go:build !nos3

package s3

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
	"github.com/streamcorpus/go-streamcorpus/test"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
	fail    int // calls still to fail
	calls   int
}

func (f *fakeS3) flake() error {
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("RequestTimeout")
	}
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	b, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.flake(); err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.flake(); err != nil {
		return nil, err
	}
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(b))}, nil
}

func writeChunk(t *testing.T, dir string, items []*streamcorpus.StreamItem) (string, streamcorpus.NameInfo) {
	path := filepath.Join(dir, "tmp.sc")
	w, err := chunk.Create(path)
	test.ErrNil(t, err, "Create")
	for _, si := range items {
		test.ErrNil(t, w.Add(si), "Add")
	}
	info := w.NameInfo("in")
	test.ErrNil(t, w.Close(), "Close")
	return path, info
}

func drain(t *testing.T, it streamcorpus.ItemIterator) []string {
	var ids []string
	for {
		si, err := it.Next()
		if err == io.EOF {
			return ids
		}
		test.ErrNil(t, err, "Next")
		ids = append(ids, si.StreamID)
	}
}

func TestLoadThenRead(t *testing.T) {
	dir, err := ioutil.TempDir("", "s3")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)
	items := test.Items(3)
	path, info := writeChunk(t, dir, items)

	svc := newFakeS3()
	conf := Config{Bucket: "corpus", Prefix: "runs/", OutputName: "{{.source}}-{{.md5}}"}
	l, err := NewLoader(svc, conf)
	test.ErrNil(t, err, "NewLoader")
	out, err := l.Load(context.Background(), path, info, "in")
	test.ErrNil(t, err, "Load")
	test.MustBe(t, "s3://corpus/runs/test-"+info.MD5+".sc.xz", out)

	r, err := NewReader(svc, conf)
	test.ErrNil(t, err, "NewReader")
	it, err := r.Read(context.Background(), out)
	test.ErrNil(t, err, "Read url")
	test.MustBe(t, test.StreamIDs(items), drain(t, it))

	it, err = r.Read(context.Background(), "test-"+info.MD5+".sc.xz")
	test.ErrNil(t, err, "Read key")
	test.MustBe(t, 3, len(drain(t, it)))

	r.retry.Sleep = noSleep
	_, err = r.Read(context.Background(), "missing.sc")
	if !streamcorpus.Is(err, streamcorpus.ErrTransientIO) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	dir, err := ioutil.TempDir("", "s3")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)
	items := test.Items(2)
	path, info := writeChunk(t, dir, items)

	svc := newFakeS3()
	conf := Config{Bucket: "corpus", OutputName: "{{.md5}}", MaxRetries: 3}
	l, err := NewLoader(svc, conf)
	test.ErrNil(t, err, "NewLoader")
	var waits []time.Duration
	l.retry.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	svc.fail = 2
	out, err := l.Load(context.Background(), path, info, "in")
	test.ErrNil(t, err, "Load")
	test.MustBe(t, 3, svc.calls)
	test.MustBe(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)

	r, err := NewReader(svc, conf)
	test.ErrNil(t, err, "NewReader")
	r.retry.Sleep = noSleep
	svc.calls, svc.fail = 0, 2
	it, err := r.Read(context.Background(), out)
	test.ErrNil(t, err, "Read")
	test.MustBe(t, test.StreamIDs(items), drain(t, it))
	test.MustBe(t, 3, svc.calls)

	svc.calls, svc.fail = 0, 3
	_, err = r.Read(context.Background(), out)
	if !streamcorpus.Is(err, streamcorpus.ErrTransientIO) {
		t.Fatalf("expected transient error after the last try, got %v", err)
	}
	test.MustBe(t, 3, svc.calls)
}

func writeArmored(t *testing.T, path, blockType string, write func(io.Writer) error) {
	f, err := os.Create(path)
	test.ErrNil(t, err, "creating key file")
	defer f.Close()
	w, err := armor.Encode(f, blockType, nil)
	test.ErrNil(t, err, "armor")
	test.ErrNil(t, write(w), "serializing key")
	test.ErrNil(t, w.Close(), "closing armor")
}

func TestEncryptedRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "s3")
	test.ErrNil(t, err, "TempDir")
	defer os.RemoveAll(dir)

	ent, err := openpgp.NewEntity("streamcorpus", "test", "test@example.com", nil)
	test.ErrNil(t, err, "NewEntity")
	pub := filepath.Join(dir, "pub.asc")
	sec := filepath.Join(dir, "sec.asc")
	writeArmored(t, pub, openpgp.PublicKeyType, ent.Serialize)
	writeArmored(t, sec, openpgp.PrivateKeyType, func(w io.Writer) error { return ent.SerializePrivate(w, nil) })

	items := test.Items(2)
	path, info := writeChunk(t, dir, items)
	svc := newFakeS3()
	l, err := NewLoader(svc, Config{Bucket: "b", OutputName: "x", GPGRecipientKeyPath: pub})
	test.ErrNil(t, err, "NewLoader")
	out, err := l.Load(context.Background(), path, info, "in")
	test.ErrNil(t, err, "Load")
	test.MustBe(t, "s3://b/x.sc.xz.gpg", out)

	plain, err := NewReader(svc, Config{})
	test.ErrNil(t, err, "NewReader without key")
	if _, err := plain.Read(context.Background(), out); err == nil {
		t.Fatalf("expected error reading encrypted chunk without a key")
	}

	r, err := NewReader(svc, Config{GPGDecryptionKeyPath: sec})
	test.ErrNil(t, err, "NewReader")
	it, err := r.Read(context.Background(), out)
	test.ErrNil(t, err, "Read")
	test.MustBe(t, test.StreamIDs(items), drain(t, it))
}

func TestConfigErrors(t *testing.T) {
	if _, err := NewLoader(newFakeS3(), Config{OutputName: "x"}); !streamcorpus.Is(err, streamcorpus.ErrConfiguration) {
		t.Fatalf("expected configuration error without bucket, got %v", err)
	}
	if _, err := NewReader(newFakeS3(), Config{GPGDecryptionKeyPath: "/no/such/key"}); !streamcorpus.Is(err, streamcorpus.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing key file, got %v", err)
	}
	r, _ := NewReader(newFakeS3(), Config{})
	if _, _, err := r.Locate("key-without-bucket"); err == nil {
		t.Fatalf("expected error locating key with no bucket")
	}
}
