// Package storagetest checks that streamcorpus.Storage backends behave alike.
package storagetest

import (
	"io"
	"testing"

	"github.com/google/uuid"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(hi, lo byte) uuid.UUID {
	var x uuid.UUID
	x[0] = hi
	x[15] = lo
	return x
}

// Collect drains it.
func Collect(t *testing.T, it streamcorpus.KVIterator) []streamcorpus.KV {
	t.Helper()
	defer it.Close()
	var out []streamcorpus.KV
	for {
		kv, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, kv)
	}
}

// Contract runs the range semantics the kvlayer stages rely on against s.
func Contract(t *testing.T, s streamcorpus.Storage) {
	require.NoError(t, s.SetupNamespace("t", 2))
	require.NoError(t, s.SetupNamespace("t", 2), "setup is idempotent")
	require.NoError(t, s.SetupNamespace("other", 2))

	for _, k := range []streamcorpus.Key{
		{u(1, 0), u(1, 1)},
		{u(1, 0), u(1, 2)},
		{u(2, 0), u(2, 1)},
		{u(3, 0), u(3, 1)},
	} {
		require.NoError(t, s.Put("t", k, []byte{k[0][0], k[1][15]}))
	}
	require.NoError(t, s.Put("other", streamcorpus.Key{u(1, 0), u(1, 1)}, []byte("x")))

	t.Run("Everything", func(t *testing.T) {
		got := Collect(t, mustGet(t, s, "t", nil, nil))
		require.Len(t, got, 4)
		assert.Equal(t, []byte{1, 1}, got[0].Value)
		assert.Equal(t, []byte{3, 1}, got[3].Value)
	})

	t.Run("InclusiveEnd", func(t *testing.T) {
		got := Collect(t, mustGet(t, s, "t",
			streamcorpus.Key{u(1, 0), u(1, 2)},
			streamcorpus.Key{u(2, 0), u(2, 1)}))
		require.Len(t, got, 2)
		assert.Equal(t, streamcorpus.Key{u(1, 0), u(1, 2)}, got[0].Key)
		assert.Equal(t, streamcorpus.Key{u(2, 0), u(2, 1)}, got[1].Key)
	})

	t.Run("PrefixEnd", func(t *testing.T) {
		got := Collect(t, mustGet(t, s, "t",
			streamcorpus.Key{u(1, 0)},
			streamcorpus.Key{u(1, 0)}))
		require.Len(t, got, 2)
		assert.Equal(t, []byte{1, 2}, got[1].Value)
	})

	t.Run("Overwrite", func(t *testing.T) {
		k := streamcorpus.Key{u(3, 0), u(3, 1)}
		require.NoError(t, s.Put("t", k, []byte("new")))
		got := Collect(t, mustGet(t, s, "t", k, k))
		require.Len(t, got, 1)
		assert.Equal(t, []byte("new"), got[0].Value)
	})

	t.Run("Errors", func(t *testing.T) {
		assert.Error(t, s.Put("t", streamcorpus.Key{u(9, 9)}, nil), "wrong arity")
		assert.Error(t, s.Put("missing", streamcorpus.Key{u(1, 0), u(1, 1)}, nil))
		_, err := s.Get("missing", nil, nil)
		assert.Error(t, err)
		assert.Error(t, s.SetupNamespace("t", 3), "arity change")
	})
}

func mustGet(t *testing.T, s streamcorpus.Storage, ns string, start, end streamcorpus.Key) streamcorpus.KVIterator {
	t.Helper()
	it, err := s.Get(ns, start, end)
	require.NoError(t, err)
	return it
}
