// Package taskqueuetest checks that Coordinator backends behave alike.
package taskqueuetest

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cause(err error) error { return errors.Cause(err) }

// Contract runs the behaviours taskqueue.Queue relies on against a fresh
// coordinator. root is a path prefix unique to this run. open must return a
// new session on the same store each time it is called.
func Contract(t *testing.T, root string, open func() taskqueue.Coordinator) {
	c := open()
	defer c.Close()

	t.Run("CreateGet", func(t *testing.T) {
		p := root + "/a/b/c"
		require.NoError(t, c.Create(p, []byte("v"), false))
		data, version, err := c.Get(p)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), data)
		assert.Equal(t, int32(0), version)

		ok, err := c.Exists(root + "/a/b")
		require.NoError(t, err)
		assert.True(t, ok, "parents are created")

		assert.Equal(t, taskqueue.ErrNodeExists, cause(c.Create(p, nil, false)))
		_, _, err = c.Get(root + "/missing")
		assert.Equal(t, taskqueue.ErrNoNode, cause(err))
	})

	t.Run("SetVersion", func(t *testing.T) {
		p := root + "/set"
		require.NoError(t, c.Create(p, []byte("1"), false))
		require.NoError(t, c.Set(p, []byte("2"), 0))
		assert.Equal(t, taskqueue.ErrBadVersion, cause(c.Set(p, []byte("3"), 0)))
		require.NoError(t, c.Set(p, []byte("3"), taskqueue.AnyVersion))
		data, version, err := c.Get(p)
		require.NoError(t, err)
		assert.Equal(t, []byte("3"), data)
		assert.Equal(t, int32(2), version)
	})

	t.Run("ChildrenDelete", func(t *testing.T) {
		dir := root + "/kids"
		for _, k := range []string{"x", "y", "z"} {
			require.NoError(t, c.Create(dir+"/"+k, nil, false))
		}
		require.NoError(t, c.Create(dir+"/y/grandchild", nil, false))
		kids, err := c.Children(dir)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"x", "y", "z"}, kids)

		assert.Equal(t, taskqueue.ErrNotEmpty, cause(c.Delete(dir+"/y", taskqueue.AnyVersion)))
		require.NoError(t, c.Delete(dir+"/x", taskqueue.AnyVersion))
		assert.Equal(t, taskqueue.ErrNoNode, cause(c.Delete(dir+"/x", taskqueue.AnyVersion)))
		_, err = c.Children(root + "/nothing")
		assert.Equal(t, taskqueue.ErrNoNode, cause(err))
	})

	t.Run("MultiIsAtomic", func(t *testing.T) {
		src, dst := root+"/multi/src", root+"/multi/dst"
		require.NoError(t, c.Create(src, []byte("task"), false))
		require.NoError(t, c.Multi(taskqueue.CreateOp(dst, []byte("task")), taskqueue.DeleteOp(src, taskqueue.AnyVersion)))
		ok, err := c.Exists(src)
		require.NoError(t, err)
		assert.False(t, ok)

		// second claim of the same node must fail as a whole
		err = c.Multi(taskqueue.CreateOp(root+"/multi/other", nil), taskqueue.DeleteOp(src, taskqueue.AnyVersion))
		assert.Equal(t, taskqueue.ErrNoNode, cause(err))
		ok, err = c.Exists(root + "/multi/other")
		require.NoError(t, err)
		assert.False(t, ok, "failed multi left a partial create")
	})

	t.Run("Ephemeral", func(t *testing.T) {
		other := open()
		p := root + "/eph/worker"
		require.NoError(t, other.Create(p, []byte("me"), true))
		ok, err := c.Exists(p)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, other.Close())
		ok, err = c.Exists(p)
		require.NoError(t, err)
		assert.False(t, ok, "ephemeral node outlived its session")
	})
}
