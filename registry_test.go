package streamcorpus_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
)

type nopTransform struct {
	Prefix string `mapstructure:"prefix"`
	Limit  int    `mapstructure:"limit"`
}

func (n *nopTransform) Transform(si *streamcorpus.StreamItem, _ *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
	return si, nil
}

type nopBatch struct{}

func (nopBatch) Process(_ context.Context, p string) (string, error) { return p, nil }

func TestRegistryBuild(t *testing.T) {
	r := streamcorpus.NewRegistry()
	r.RegisterIncremental("nop", func(cfg streamcorpus.StageConfig) (streamcorpus.IncrementalTransform, error) {
		n := &nopTransform{}
		if err := cfg.Decode(n); err != nil {
			return nil, err
		}
		return n, nil
	})

	tr, err := r.BuildIncremental("nop", streamcorpus.StageConfig{"prefix": "x", "limit": "5"})
	test.ErrNil(t, err, "BuildIncremental")
	test.MustBe(t, &nopTransform{Prefix: "x", Limit: 5}, tr)

	_, err = r.BuildIncremental("nop", streamcorpus.StageConfig{"bogus": 1})
	if !streamcorpus.Is(err, streamcorpus.ErrConfiguration) {
		t.Fatalf("expected configuration error for unused key, got %v", err)
	}
	_, err = r.BuildIncremental("nop", streamcorpus.StageConfig{"root_path": "/data"})
	test.ErrNil(t, err, "inherited keys are ignored")

	_, err = r.BuildReader("nop", nil)
	if !streamcorpus.Is(err, streamcorpus.ErrUnknownStage) {
		t.Fatalf("expected unknown stage for wrong shape, got %v", err)
	}
	test.MustBe(t, []string{"nop"}, r.Names(streamcorpus.ShapeIncremental))
	test.MustBe(t, true, r.Has(streamcorpus.ShapeIncremental, "nop"))
	test.MustBe(t, false, r.Has(streamcorpus.ShapeLoader, "nop"))
}

func TestRegistryOptional(t *testing.T) {
	r := streamcorpus.NewRegistry()
	ok := func() error { return nil }
	missing := func() error { return errors.New("binary not found") }
	factory := func(streamcorpus.StageConfig) (streamcorpus.BatchTransform, error) { return nopBatch{}, nil }

	r.RegisterOptional(streamcorpus.ShapeBatch, "present", ok, factory)
	r.RegisterOptional(streamcorpus.ShapeBatch, "absent", missing, streamcorpus.BatchFactory(factory))

	test.MustBe(t, []string{"present"}, r.Names(streamcorpus.ShapeBatch))
	_, err := r.BuildBatch("absent", nil)
	if !streamcorpus.Is(err, streamcorpus.ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
	if _, ok := r.Unavailable()["absent"]; !ok {
		t.Fatalf("absent stage not recorded as unavailable")
	}
}

func TestRegistryFreeze(t *testing.T) {
	r := streamcorpus.NewRegistry()
	r.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic registering after freeze")
		}
	}()
	r.RegisterBatch("late", func(streamcorpus.StageConfig) (streamcorpus.BatchTransform, error) { return nopBatch{}, nil })
}
