package permcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(src Source, store Store) *Cache {
	c := NewCache(src, store, Config{TTL: time.Minute, RecomputeTimeout: time.Second})
	c.now = func() time.Time { return fixedNow }
	return c
}

// salesRepFixture models one user in two organizations, each with its own
// SalesRep custom role at version 3.
func salesRepFixture(t *testing.T) *fakeSource {
	src := newFakeSource()
	src.roles[10] = &fakeRole{version: 3, caps: caps(t, "contacts:read=allow", "contacts:create=allow", "contacts:update=allow")}
	src.roles[20] = &fakeRole{version: 3, caps: caps(t, "contacts:read=allow")}
	src.teams[7] = &fakeTeam{version: 1, caps: caps(t, "deals:read=allow")}
	src.memberships[100] = &fakeMembership{orgID: 1, roleID: 10, version: 1, active: true, caps: rbac.CapabilitySet{}, teams: []int64{7}}
	src.memberships[200] = &fakeMembership{orgID: 2, roleID: 20, version: 1, active: true, caps: rbac.CapabilitySet{}}
	return src
}

func TestResolve_ComputesLayeredCapabilities(t *testing.T) {
	src := newFakeSource()
	src.roles[1] = &fakeRole{version: 1, caps: caps(t, "contacts:*=allow", "deals:read=allow")}
	src.teams[2] = &fakeTeam{version: 4, caps: caps(t, "deals:read=deny", "reports:read=allow")}
	src.teams[1] = &fakeTeam{version: 2, caps: caps(t, "reports:read=deny")}
	src.memberships[5] = &fakeMembership{
		orgID: 9, roleID: 1, version: 3, active: true,
		caps:  caps(t, "contacts:delete=deny"),
		teams: []int64{2, 1},
	}
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	snap, err := c.Resolve(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, int64(9), snap.OrganizationID)
	assert.Equal(t, Stamp{MembershipVersion: 3, RoleID: 1, RoleVersion: 1, TeamVersion: 6}, snap.Stamp)
	assert.Equal(t, fixedNow.Add(time.Minute), snap.ExpiresAt)

	set := snap.Capabilities
	assert.True(t, set.Allows("contacts", "read"))
	assert.False(t, set.Allows("contacts", "delete"), "membership deny overrides the role wildcard")
	assert.False(t, set.Allows("deals", "read"), "team deny overrides the role")
	assert.True(t, set.Allows("reports", "read"), "team 2 applies after team 1")
}

func TestResolve_NonActiveMembership(t *testing.T) {
	for _, status := range []string{"invited", "pending", "inactive", "removed"} {
		t.Run(status, func(t *testing.T) {
			src := salesRepFixture(t)
			src.memberships[100].active = false
			c := newTestCache(src, NewMemoryStore(10, time.Minute))

			_, err := c.Resolve(context.Background(), 100)
			assert.ErrorIs(t, err, authzerr.ErrNoActiveMembership)
			assert.Zero(t, src.loadCount(100))
		})
	}
}

func TestResolve_DeactivationBeatsCachedSnapshot(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	_, err := c.Resolve(context.Background(), 100)
	require.NoError(t, err)

	src.update(100, func(m *fakeMembership) { m.active = false })

	_, err = c.Resolve(context.Background(), 100)
	assert.ErrorIs(t, err, authzerr.ErrNoActiveMembership)
}

func TestResolve_HitEqualsRecompute(t *testing.T) {
	src := salesRepFixture(t)
	store := NewMemoryStore(10, time.Minute)
	c := newTestCache(src, store)
	ctx := context.Background()

	first, err := c.Resolve(ctx, 100)
	require.NoError(t, err)
	second, err := c.Resolve(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, src.loadCount(100), "second resolution is a cache hit")

	forced, err := newTestCache(src, NewMemoryStore(10, time.Minute)).Resolve(ctx, 100)
	require.NoError(t, err)

	assert.True(t, first.Capabilities.Equal(second.Capabilities))
	assert.True(t, second.Capabilities.Equal(forced.Capabilities))
	assert.Equal(t, second.Stamp, forced.Stamp)
}

func TestResolve_ReturnsCallerOwnedCopy(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	snap, err := c.Resolve(context.Background(), 100)
	require.NoError(t, err)
	snap.Capabilities[rbac.Permission{Resource: "*", Action: "*"}] = rbac.Allow

	again, err := c.Resolve(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, again.Capabilities.Allows("billing", "manage"))
}

// Editing the org 1 SalesRep role (version 3 -> 4) changes the org 1
// resolution on the next request, without any cache clear, and leaves the
// same user's org 2 membership untouched.
func TestResolve_SalesRepRoleEditAcrossOrganizations(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, NewMemoryStore(10, time.Minute))
	ctx := context.Background()

	org1, err := c.Resolve(ctx, 100)
	require.NoError(t, err)
	org2, err := c.Resolve(ctx, 200)
	require.NoError(t, err)

	assert.True(t, org1.Capabilities.Allows("contacts", "update"))
	assert.False(t, org2.Capabilities.Allows("contacts", "update"))
	assert.Equal(t, int64(3), org1.Stamp.RoleVersion)

	src.updateRole(10, caps(t, "contacts:read=allow", "contacts:create=allow", "contacts:update=deny"))

	org1, err = c.Resolve(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(4), org1.Stamp.RoleVersion)
	assert.False(t, org1.Capabilities.Allows("contacts", "update"))
	assert.True(t, org1.Capabilities.Allows("contacts", "create"))

	org2Again, err := c.Resolve(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, org2.Stamp, org2Again.Stamp)
	assert.True(t, org2Again.Capabilities.Allows("contacts", "read"))
	assert.Equal(t, 1, src.loadCount(200), "org 2 stays a cache hit")
}

func TestResolve_SeesEveryKindOfWrite(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, NewMemoryStore(10, time.Minute))
	ctx := context.Background()

	resolve := func() rbac.CapabilitySet {
		t.Helper()
		set, err := c.Capabilities(ctx, 100)
		require.NoError(t, err)
		return set
	}

	assert.True(t, resolve().Allows("deals", "read"))

	src.updateTeam(7, caps(t, "deals:read=deny"))
	assert.False(t, resolve().Allows("deals", "read"), "team override edit")

	src.update(100, func(m *fakeMembership) { m.caps = caps(t, "deals:read=allow") })
	assert.True(t, resolve().Allows("deals", "read"), "membership override edit")

	src.update(100, func(m *fakeMembership) { m.teams = nil; m.caps = rbac.CapabilitySet{} })
	assert.False(t, resolve().Allows("deals", "read"), "team removal")

	src.roles[30] = &fakeRole{version: 1, caps: caps(t, "*:*=allow")}
	src.update(100, func(m *fakeMembership) { m.roleID = 30 })
	assert.True(t, resolve().Allows("billing", "manage"), "role reassignment")

	assert.Equal(t, 5, src.loadCount(100))
}

// A replica that has not seen the latest write must not roll a newer
// snapshot back.
func TestResolve_NoTimeTravel(t *testing.T) {
	src := salesRepFixture(t)
	store := NewMemoryStore(10, time.Minute)
	c := newTestCache(src, store)
	ctx := context.Background()

	old, err := c.Resolve(ctx, 100)
	require.NoError(t, err)

	src.updateRole(10, caps(t, "contacts:read=deny"))
	fresh, err := c.Resolve(ctx, 100)
	require.NoError(t, err)
	require.True(t, fresh.Stamp.NewerThan(old.Stamp))

	src.lagging[100] = old.Stamp
	served, err := c.Resolve(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, fresh.Stamp, served.Stamp)
	assert.False(t, served.Capabilities.Allows("contacts", "read"))
	assert.Equal(t, 2, src.loadCount(100))
}

func TestResolve_LoadBehindObservedStampFails(t *testing.T) {
	src := salesRepFixture(t)
	src.lagging[100] = Stamp{MembershipVersion: 99, RoleID: 10, RoleVersion: 3, TeamVersion: 1}
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	_, err := c.Resolve(context.Background(), 100)
	assert.ErrorIs(t, err, authzerr.ErrUnavailable)
}

func TestResolve_ExpiredSnapshotIsRecomputed(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, NewMemoryStore(10, time.Hour))
	ctx := context.Background()

	_, err := c.Resolve(ctx, 100)
	require.NoError(t, err)

	c.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	_, err = c.Resolve(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loadCount(100))
}

func TestResolve_StorageFailureIsUnavailable(t *testing.T) {
	src := salesRepFixture(t)
	src.err = errors.New("connection reset")
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	_, err := c.Resolve(context.Background(), 100)
	require.Error(t, err)
	assert.Equal(t, authzerr.KindUnavailable, authzerr.KindOf(err))
}

type failingStore struct{}

func (failingStore) Get(context.Context, int64) (*Snapshot, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingStore) Put(context.Context, *Snapshot) (bool, error) {
	return false, errors.New("redis down")
}

func TestResolve_SnapshotStoreFailureFallsBackToSource(t *testing.T) {
	src := salesRepFixture(t)
	c := newTestCache(src, failingStore{})

	set, err := c.Capabilities(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, set.Allows("contacts", "read"))
}

func TestResolve_ConcurrentCallersShareOneLoad(t *testing.T) {
	src := salesRepFixture(t)
	src.gate = make(chan struct{})
	c := newTestCache(src, NewMemoryStore(10, time.Minute))

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Snapshot, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), 100)
		}(i)
	}

	require.Eventually(t, func() bool { return src.loadCount(100) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, 1, src.loadCount(100))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Capabilities.Equal(results[0].Capabilities))
	}
}

func TestResolve_CallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	src := salesRepFixture(t)
	src.gate = make(chan struct{})
	store := NewMemoryStore(10, time.Minute)
	c := newTestCache(src, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, 100)
		done <- err
	}()

	require.Eventually(t, func() bool { return src.loadCount(100) == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, authzerr.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	close(src.gate)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, time.Millisecond)

	_, err = c.Resolve(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, src.loadCount(100), "the abandoned load still populated the store")
}
