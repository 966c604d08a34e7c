// Package boltdb provides a taskqueue.Coordinator backed by a boltdb file.
// Only one process can open the file at a time, so it suits a single host
// running many workers in process.
package boltdb

import (
	"encoding/binary"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
)

var nodeBucket = []byte("nodes")

func init() {
	taskqueue.RegisterCoordinator("bolt", func(cfg taskqueue.Config) (taskqueue.Coordinator, error) {
		if cfg.Path == "" {
			return nil, errors.New("bolt task queue needs a path")
		}
		return NewCoordinator(cfg.Path)
	})
}

// Coordinator is a taskqueue.Coordinator which keeps every node in one bolt
// bucket, keyed by its full path. Each value is a four byte version followed
// by the node data.
type Coordinator struct {
	Db *bolt.DB

	// session is set on handles made by Session, which leave the db open
	// when closed.
	session bool

	emu       sync.Mutex
	ephemeral map[string]struct{}
}

// NewCoordinator opens (creating if necessary) the bolt file at filename.
func NewCoordinator(filename string) (*Coordinator, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening db file '%v'", filename)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodeBucket)
		return errors.Wrap(err, "creating nodes bucket")
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return &Coordinator{Db: db, ephemeral: make(map[string]struct{})}, nil
}

// Session returns another handle on the same db with its own set of
// ephemeral nodes. Closing it only removes those nodes.
func (c *Coordinator) Session() *Coordinator {
	return &Coordinator{Db: c.Db, session: true, ephemeral: make(map[string]struct{})}
}

// Close removes the ephemeral nodes this Coordinator created, then syncs and
// closes the underlying boltdb.
func (c *Coordinator) Close() error {
	c.emu.Lock()
	eph := c.ephemeral
	c.ephemeral = make(map[string]struct{})
	c.emu.Unlock()
	if len(eph) > 0 {
		err := c.Db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(nodeBucket)
			for p := range eph {
				if err := b.Delete([]byte(p)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "removing ephemeral nodes")
		}
	}
	if c.session {
		return nil
	}
	if err := c.Db.Sync(); err != nil {
		return errors.Wrap(err, "syncing db")
	}
	return c.Db.Close()
}

func encode(version int32, data []byte) []byte {
	v := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(v, uint32(version))
	copy(v[4:], data)
	return v
}

func decode(v []byte) (int32, []byte) {
	data := make([]byte, len(v)-4)
	copy(data, v[4:])
	return int32(binary.BigEndian.Uint32(v)), data
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func create(b *bolt.Bucket, p string, data []byte) error {
	if b.Get([]byte(p)) != nil {
		return errors.Wrap(taskqueue.ErrNodeExists, p)
	}
	for _, parent := range taskqueue.Parents(p) {
		if b.Get([]byte(parent)) == nil {
			if err := b.Put([]byte(parent), encode(0, nil)); err != nil {
				return errors.Wrapf(err, "creating parent %s", parent)
			}
		}
	}
	return b.Put([]byte(p), encode(0, data))
}

func set(b *bolt.Bucket, p string, data []byte, version int32) error {
	v := b.Get([]byte(p))
	if v == nil {
		return errors.Wrap(taskqueue.ErrNoNode, p)
	}
	cur, _ := decode(v)
	if version != taskqueue.AnyVersion && version != cur {
		return errors.Wrapf(taskqueue.ErrBadVersion, "%s is at version %d, not %d", p, cur, version)
	}
	return b.Put([]byte(p), encode(cur+1, data))
}

func del(b *bolt.Bucket, p string, version int32) error {
	v := b.Get([]byte(p))
	if v == nil {
		return errors.Wrap(taskqueue.ErrNoNode, p)
	}
	cur, _ := decode(v)
	if version != taskqueue.AnyVersion && version != cur {
		return errors.Wrapf(taskqueue.ErrBadVersion, "%s is at version %d, not %d", p, cur, version)
	}
	if len(children(b, p)) > 0 {
		return errors.Wrap(taskqueue.ErrNotEmpty, p)
	}
	return b.Delete([]byte(p))
}

func children(b *bolt.Bucket, p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var out []string
	cur := b.Cursor()
	for k, _ := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = cur.Next() {
		rest := string(k[len(prefix):])
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	return out
}

func (c *Coordinator) track(p string, ephemeral bool) {
	c.emu.Lock()
	defer c.emu.Unlock()
	if ephemeral {
		c.ephemeral[p] = struct{}{}
	} else {
		delete(c.ephemeral, p)
	}
}

// Create implements taskqueue.Coordinator.
func (c *Coordinator) Create(p string, data []byte, ephemeral bool) error {
	p = clean(p)
	err := c.Db.Update(func(tx *bolt.Tx) error {
		return create(tx.Bucket(nodeBucket), p, data)
	})
	if err == nil {
		c.track(p, ephemeral)
	}
	return err
}

// Get implements taskqueue.Coordinator.
func (c *Coordinator) Get(p string) (data []byte, version int32, err error) {
	p = clean(p)
	err = c.Db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(nodeBucket).Get([]byte(p))
		if v == nil {
			return errors.Wrap(taskqueue.ErrNoNode, p)
		}
		version, data = decode(v)
		return nil
	})
	return data, version, err
}

// Set implements taskqueue.Coordinator.
func (c *Coordinator) Set(p string, data []byte, version int32) error {
	p = clean(p)
	return c.Db.Update(func(tx *bolt.Tx) error {
		return set(tx.Bucket(nodeBucket), p, data, version)
	})
}

// Delete implements taskqueue.Coordinator.
func (c *Coordinator) Delete(p string, version int32) error {
	p = clean(p)
	err := c.Db.Update(func(tx *bolt.Tx) error {
		return del(tx.Bucket(nodeBucket), p, version)
	})
	if err == nil {
		c.track(p, false)
	}
	return err
}

// Children implements taskqueue.Coordinator.
func (c *Coordinator) Children(p string) (kids []string, err error) {
	p = clean(p)
	err = c.Db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		if p != "/" && b.Get([]byte(p)) == nil {
			return errors.Wrap(taskqueue.ErrNoNode, p)
		}
		kids = children(b, p)
		return nil
	})
	return kids, err
}

// Exists implements taskqueue.Coordinator.
func (c *Coordinator) Exists(p string) (ok bool, err error) {
	p = clean(p)
	err = c.Db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(nodeBucket).Get([]byte(p)) != nil
		return nil
	})
	return ok, err
}

// Multi implements taskqueue.Coordinator. All ops run in one bolt
// transaction, which is rolled back if any of them fails.
func (c *Coordinator) Multi(ops ...taskqueue.Op) error {
	err := c.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		for i, op := range ops {
			p := clean(op.Path)
			var err error
			switch op.Kind {
			case taskqueue.OpCreate:
				err = create(b, p, op.Data)
			case taskqueue.OpSet:
				err = set(b, p, op.Data, op.Version)
			case taskqueue.OpDelete:
				err = del(b, p, op.Version)
			default:
				err = errors.Errorf("unknown op kind %d", op.Kind)
			}
			if err != nil {
				return errors.Wrapf(err, "op %d", i)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case taskqueue.OpCreate:
			c.track(clean(op.Path), op.Ephemeral)
		case taskqueue.OpDelete:
			c.track(clean(op.Path), false)
		}
	}
	return nil
}
