// Package memorycache is an in-process sessioncache.Cache used for
// tests and single-process deployments.
package memorycache

import (
	"context"
	"sync"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/sessioncache"
)

type Cache struct {
	mu   sync.RWMutex
	sess *identity.Session
}

func New() *Cache {
	return &Cache{}
}

var _ sessioncache.Cache = (*Cache)(nil)

func (c *Cache) Load(ctx context.Context) (*identity.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess.Clone(), nil
}

func (c *Cache) Save(ctx context.Context, sess *identity.Session) error {
	// Round-trip through the shared codec so partial sessions are
	// rejected here exactly as they would be by durable backends.
	data, err := sessioncache.Encode(sess)
	if err != nil {
		return err
	}
	decoded, err := sessioncache.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sess = decoded
	c.mu.Unlock()
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	return nil
}

func (c *Cache) Close() error { return nil }
