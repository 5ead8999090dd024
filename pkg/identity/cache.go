/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

var logger = logging.MustGetLogger("gateway.identity")

// CreateTrigger is invoked at most once per identity, right after its
// first successful creation. The cache's insert-once semantics are the
// guard: repeated resolutions of the same (username, organization) pair
// never re-fire it.
type CreateTrigger func(id *Identity)

type call struct {
	done chan struct{}
	id   *Identity
	err  error
}

// Cache resolves (username, organization) pairs to identities, creating
// them through the Issuer on first use and memoizing them for the process
// lifetime. Concurrent resolutions of the same key collapse onto a single
// issuer call.
type Cache struct {
	issuer  Issuer
	trigger CreateTrigger

	mutex    sync.Mutex
	backend  map[string]*Identity
	inflight map[string]*call
}

func NewCache(issuer Issuer, trigger CreateTrigger) *Cache {
	return &Cache{
		issuer:   issuer,
		trigger:  trigger,
		backend:  map[string]*Identity{},
		inflight: map[string]*call{},
	}
}

// Resolve returns the identity for (username, organization). On a cache
// hit the issuer is not contacted. On a miss with allowCreate set, the
// identity is registered and enrolled through the issuer, stored, and the
// create trigger fired. A miss with allowCreate unset, or an issuer
// failure, yields ErrIdentityUnavailable.
func (c *Cache) Resolve(ctx context.Context, username, organization string, allowCreate bool) (*Identity, error) {
	if len(username) == 0 || len(organization) == 0 {
		return nil, errors.Wrap(gateway.ErrIdentityUnavailable, "username and organization must be set")
	}
	key := Key(username, organization)

	c.mutex.Lock()
	if id, ok := c.backend[key]; ok {
		c.mutex.Unlock()
		logger.Debugf("resolved [%s] from cache", key)
		return id, nil
	}
	if !allowCreate {
		c.mutex.Unlock()
		return nil, errors.Wrapf(gateway.ErrIdentityUnavailable, "no identity registered for [%s]", key)
	}
	if cl, ok := c.inflight[key]; ok {
		// another request is already enrolling this identity, wait for it
		c.mutex.Unlock()
		select {
		case <-cl.done:
			return cl.id, cl.err
		case <-ctx.Done():
			return nil, errors.Wrapf(gateway.ErrIdentityUnavailable, "context done while enrolling [%s]", key)
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mutex.Unlock()

	id, err := c.issuer.RegisterAndEnroll(ctx, username, organization)
	if err != nil {
		cl.err = errors.Wrapf(gateway.ErrIdentityUnavailable, "failed registering [%s]: %s", key, err)
	} else {
		cl.id = id
	}

	c.mutex.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.backend[key] = cl.id
	}
	c.mutex.Unlock()
	close(cl.done)

	if cl.err != nil {
		logger.Errorf("registration failed for [%s]: %s", key, cl.err)
		return nil, cl.err
	}

	logger.Infof("registered and enrolled [%s]", key)
	if c.trigger != nil {
		c.trigger(cl.id)
	}
	return cl.id, nil
}

// Peek returns the cached identity for key without creating one.
func (c *Cache) Peek(username, organization string) (*Identity, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	id, ok := c.backend[Key(username, organization)]
	return id, ok
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.backend)
}
