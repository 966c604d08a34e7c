// Package zookeeper provides a taskqueue.Coordinator backed by a Zookeeper
// ensemble, for task queues shared by workers on many hosts.
package zookeeper

import (
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/streamcorpus/go-streamcorpus/taskqueue"
)

// DefaultSessionTimeout is used when the config does not give one.
const DefaultSessionTimeout = 30 * time.Second

func init() {
	taskqueue.RegisterCoordinator("zookeeper", func(cfg taskqueue.Config) (taskqueue.Coordinator, error) {
		return Dial(cfg.Addresses, cfg.SessionTimeout, nil)
	})
}

// Coordinator adapts a Zookeeper connection to taskqueue.Coordinator.
// Ephemeral nodes live as long as the Zookeeper session does.
type Coordinator struct {
	conn *zk.Conn
	acl  []zk.ACL
}

// Logger is satisfied by streamcorpus.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Dial connects to the ensemble at addrs. If log is not nil the client
// library logs through it.
func Dial(addrs []string, sessionTimeout time.Duration, log Logger) (*Coordinator, error) {
	if len(addrs) == 0 {
		return nil, errors.New("zookeeper task queue needs at least one address")
	}
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	var conn *zk.Conn
	var err error
	if log != nil {
		conn, _, err = zk.Connect(addrs, sessionTimeout, zk.WithLogger(log))
	} else {
		conn, _, err = zk.Connect(addrs, sessionTimeout)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", strings.Join(addrs, ","))
	}
	return &Coordinator{conn: conn, acl: zk.WorldACL(zk.PermAll)}, nil
}

// translate maps client errors onto the taskqueue error values.
func translate(err error, p string) error {
	switch err {
	case nil:
		return nil
	case zk.ErrNoNode:
		return errors.Wrap(taskqueue.ErrNoNode, p)
	case zk.ErrNodeExists:
		return errors.Wrap(taskqueue.ErrNodeExists, p)
	case zk.ErrBadVersion:
		return errors.Wrap(taskqueue.ErrBadVersion, p)
	case zk.ErrNotEmpty:
		return errors.Wrap(taskqueue.ErrNotEmpty, p)
	case zk.ErrConnectionClosed, zk.ErrNoServer, zk.ErrSessionExpired, zk.ErrSessionMoved, zk.ErrClosing:
		return errors.Wrapf(taskqueue.ErrDisconnected, "%s: %v", p, err)
	}
	return errors.Wrap(err, p)
}

func (c *Coordinator) ensureParents(p string) error {
	for _, parent := range taskqueue.Parents(p) {
		_, err := c.conn.Create(parent, nil, 0, c.acl)
		if err != nil && err != zk.ErrNodeExists {
			return translate(err, parent)
		}
	}
	return nil
}

// Create implements taskqueue.Coordinator.
func (c *Coordinator) Create(p string, data []byte, ephemeral bool) error {
	if err := c.ensureParents(p); err != nil {
		return err
	}
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := c.conn.Create(p, data, flags, c.acl)
	return translate(err, p)
}

// Get implements taskqueue.Coordinator.
func (c *Coordinator) Get(p string) ([]byte, int32, error) {
	data, stat, err := c.conn.Get(p)
	if err != nil {
		return nil, 0, translate(err, p)
	}
	return data, stat.Version, nil
}

// Set implements taskqueue.Coordinator.
func (c *Coordinator) Set(p string, data []byte, version int32) error {
	_, err := c.conn.Set(p, data, version)
	return translate(err, p)
}

// Delete implements taskqueue.Coordinator.
func (c *Coordinator) Delete(p string, version int32) error {
	return translate(c.conn.Delete(p, version), p)
}

// Children implements taskqueue.Coordinator.
func (c *Coordinator) Children(p string) ([]string, error) {
	kids, _, err := c.conn.Children(p)
	if err != nil {
		return nil, translate(err, p)
	}
	return kids, nil
}

// Exists implements taskqueue.Coordinator.
func (c *Coordinator) Exists(p string) (bool, error) {
	ok, _, err := c.conn.Exists(p)
	return ok, translate(err, p)
}

// Multi implements taskqueue.Coordinator with a Zookeeper transaction.
// Parents of created nodes are made beforehand, outside the transaction.
func (c *Coordinator) Multi(ops ...taskqueue.Op) error {
	reqs := make([]interface{}, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case taskqueue.OpCreate:
			if err := c.ensureParents(op.Path); err != nil {
				return err
			}
			var flags int32
			if op.Ephemeral {
				flags = zk.FlagEphemeral
			}
			reqs[i] = &zk.CreateRequest{Path: op.Path, Data: op.Data, Acl: c.acl, Flags: flags}
		case taskqueue.OpSet:
			reqs[i] = &zk.SetDataRequest{Path: op.Path, Data: op.Data, Version: op.Version}
		case taskqueue.OpDelete:
			reqs[i] = &zk.DeleteRequest{Path: op.Path, Version: op.Version}
		default:
			return errors.Errorf("unknown op kind %d", op.Kind)
		}
	}
	resps, err := c.conn.Multi(reqs...)
	for i, r := range resps {
		switch r.Error {
		case zk.ErrNoNode, zk.ErrNodeExists, zk.ErrBadVersion, zk.ErrNotEmpty:
			return errors.Wrapf(translate(r.Error, ops[i].Path), "op %d", i)
		}
	}
	if err != nil {
		return translate(err, "multi")
	}
	return nil
}

// Close ends the session, which removes its ephemeral nodes.
func (c *Coordinator) Close() error {
	c.conn.Close()
	return nil
}
