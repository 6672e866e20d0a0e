package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/go-zookeeper/zk"
)

const leaseRoot = "/order-saga/leases"

// Conn is the part of *zk.Conn the lease needs.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
}

func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper %v: %w", servers, err)
	}
	return conn, nil
}

// Lease is an outbox.Locker backed by an ephemeral node per lease name. The
// node vanishes with the holder's session; its data carries an expiry so a
// live but stuck holder loses the lease after ttl as well.
type Lease struct {
	conn Conn
	root string
	now  func() time.Time
}

func NewLease(conn Conn) *Lease {
	return &Lease{conn: conn, root: leaseRoot, now: time.Now}
}

func (l *Lease) TryLock(_ context.Context, name string, ttl time.Duration) (outbox.Unlock, bool, error) {
	if err := l.ensureRoot(); err != nil {
		return nil, false, err
	}
	path := l.root + "/" + name
	expiry := []byte(strconv.FormatInt(l.now().Add(ttl).UnixNano(), 10))

	for attempt := 0; attempt < 2; attempt++ {
		_, err := l.conn.Create(path, expiry, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			return l.unlock(path, expiry), true, nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return nil, false, fmt.Errorf("create lease node %s: %w", path, err)
		}

		data, stat, err := l.conn.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read lease node %s: %w", path, err)
		}
		if !l.expired(data) {
			return nil, false, nil
		}
		if err := l.conn.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return nil, false, fmt.Errorf("delete expired lease node %s: %w", path, err)
		}
	}
	return nil, false, nil
}

func (l *Lease) unlock(path string, token []byte) outbox.Unlock {
	return func(context.Context) error {
		data, stat, err := l.conn.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lease node %s: %w", path, err)
		}
		if string(data) != string(token) {
			return nil // taken over after expiry
		}
		if err := l.conn.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) {
			return fmt.Errorf("delete lease node %s: %w", path, err)
		}
		return nil
	}
}

func (l *Lease) expired(data []byte) bool {
	ns, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return true
	}
	return !l.now().Before(time.Unix(0, ns))
}

// ensureRoot creates the persistent parents of the lease nodes.
func (l *Lease) ensureRoot() error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(l.root, "/"), "/") {
		cur += "/" + part
		ok, _, err := l.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("check %s: %w", cur, err)
		}
		if ok {
			continue
		}
		if _, err := l.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}
