/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
)

type fakeIssuer struct {
	mutex sync.Mutex
	calls int
	fail  bool
}

func (f *fakeIssuer) RegisterAndEnroll(_ context.Context, username, organization string) (*Identity, error) {
	f.mutex.Lock()
	f.calls++
	fail := f.fail
	f.mutex.Unlock()
	if fail {
		return nil, errors.New("issuer unreachable")
	}
	return NewIdentity(username, organization, organization+"MSP", nil), nil
}

func (f *fakeIssuer) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

func TestResolveCachesIdentity(t *testing.T) {
	issuer := &fakeIssuer{}
	cache := NewCache(issuer, nil)

	first, err := cache.Resolve(context.Background(), "alice", "org1", true)
	require.NoError(t, err)
	require.Equal(t, "alice", first.Username)
	require.Equal(t, "org1", first.Organization)
	require.True(t, first.Enrolled)

	second, err := cache.Resolve(context.Background(), "alice", "org1", true)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, issuer.callCount())
}

func TestResolveWithoutCreate(t *testing.T) {
	issuer := &fakeIssuer{}
	cache := NewCache(issuer, nil)

	_, err := cache.Resolve(context.Background(), "bob", "org1", false)
	require.Error(t, err)
	require.True(t, gateway.HasCause(err, gateway.ErrIdentityUnavailable))
	require.Equal(t, 0, issuer.callCount())

	// once created, resolution without create succeeds
	_, err = cache.Resolve(context.Background(), "bob", "org1", true)
	require.NoError(t, err)
	id, err := cache.Resolve(context.Background(), "bob", "org1", false)
	require.NoError(t, err)
	require.Equal(t, "bob", id.Username)
}

func TestResolveIssuerFailure(t *testing.T) {
	issuer := &fakeIssuer{fail: true}
	cache := NewCache(issuer, nil)

	_, err := cache.Resolve(context.Background(), "carol", "org2", true)
	require.Error(t, err)
	require.True(t, gateway.HasCause(err, gateway.ErrIdentityUnavailable))
	require.Equal(t, 0, cache.Len())

	// a failed registration is not memoized, the next attempt retries
	issuer.mutex.Lock()
	issuer.fail = false
	issuer.mutex.Unlock()
	_, err = cache.Resolve(context.Background(), "carol", "org2", true)
	require.NoError(t, err)
	require.Equal(t, 2, issuer.callCount())
}

func TestResolveEmptyKey(t *testing.T) {
	cache := NewCache(&fakeIssuer{}, nil)
	_, err := cache.Resolve(context.Background(), "", "org1", true)
	require.True(t, gateway.HasCause(err, gateway.ErrIdentityUnavailable))
	_, err = cache.Resolve(context.Background(), "alice", "", true)
	require.True(t, gateway.HasCause(err, gateway.ErrIdentityUnavailable))
}

func TestConcurrentResolveSingleEnrollment(t *testing.T) {
	issuer := &fakeIssuer{}
	var triggerCount int
	var triggerMutex sync.Mutex
	cache := NewCache(issuer, func(*Identity) {
		triggerMutex.Lock()
		triggerCount++
		triggerMutex.Unlock()
	})

	const n = 32
	var wg sync.WaitGroup
	ids := make([]*Identity, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := cache.Resolve(context.Background(), "dave", "org1", true)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, issuer.callCount())
	for i := 1; i < n; i++ {
		require.Same(t, ids[0], ids[i])
	}
	triggerMutex.Lock()
	defer triggerMutex.Unlock()
	require.Equal(t, 1, triggerCount)
}

func TestCreateTriggerFiresOncePerIdentity(t *testing.T) {
	issuer := &fakeIssuer{}
	var fired []string
	cache := NewCache(issuer, func(id *Identity) {
		fired = append(fired, id.Key())
	})

	_, err := cache.Resolve(context.Background(), "eve", "org1", true)
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "eve", "org1", true)
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "eve", "org2", true)
	require.NoError(t, err)

	require.Equal(t, []string{"eve@org1", "eve@org2"}, fired)
}
