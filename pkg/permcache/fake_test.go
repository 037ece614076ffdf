package permcache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

type fakeMembership struct {
	orgID   int64
	roleID  int64
	version int64
	active  bool
	caps    rbac.CapabilitySet
	teams   []int64
}

type fakeRole struct {
	version int64
	caps    rbac.CapabilitySet
}

type fakeTeam struct {
	version int64
	caps    rbac.CapabilitySet
}

// fakeSource is an in-memory system of record with the same version
// bumping rules as the Postgres schema.
type fakeSource struct {
	mu          sync.Mutex
	memberships map[int64]*fakeMembership
	roles       map[int64]*fakeRole
	teams       map[int64]*fakeTeam

	loads   map[int64]int
	gate    chan struct{}
	lagging map[int64]Stamp
	err     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		memberships: map[int64]*fakeMembership{},
		roles:       map[int64]*fakeRole{},
		teams:       map[int64]*fakeTeam{},
		loads:       map[int64]int{},
		lagging:     map[int64]Stamp{},
	}
}

func (f *fakeSource) stampLocked(m *fakeMembership) Stamp {
	s := Stamp{MembershipVersion: m.version, RoleID: m.roleID, RoleVersion: f.roles[m.roleID].version}
	for _, id := range m.teams {
		s.TeamVersion += f.teams[id].version
	}
	return s
}

func (f *fakeSource) CurrentStamp(_ context.Context, id int64) (Current, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Current{}, f.err
	}
	m, ok := f.memberships[id]
	if !ok {
		return Current{}, authzerr.New(authzerr.KindNoActiveMembership, "membership %d not found", id)
	}
	stamp := f.stampLocked(m)
	if lag, ok := f.lagging[id]; ok {
		stamp = lag
	}
	return Current{OrganizationID: m.orgID, Active: m.active, Stamp: stamp}, nil
}

func (f *fakeSource) Load(ctx context.Context, id int64) (*Inputs, error) {
	f.mu.Lock()
	gate := f.gate
	f.loads[id]++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.memberships[id]
	if !ok {
		return nil, errors.New("no such membership")
	}
	in := &Inputs{
		Current:    Current{OrganizationID: m.orgID, Active: m.active, Stamp: f.stampLocked(m)},
		Role:       f.roles[m.roleID].caps.Clone(),
		Membership: m.caps.Clone(),
	}
	teams := append([]int64(nil), m.teams...)
	sort.Slice(teams, func(i, j int) bool { return teams[i] < teams[j] })
	for _, tid := range teams {
		in.Teams = append(in.Teams, f.teams[tid].caps.Clone())
	}
	return in, nil
}

func (f *fakeSource) loadCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

// updateRole replaces a role's capabilities and bumps its version
func (f *fakeSource) updateRole(id int64, c rbac.CapabilitySet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id].caps = c
	f.roles[id].version++
}

// update edits a membership and bumps its version
func (f *fakeSource) update(id int64, fn func(m *fakeMembership)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.memberships[id])
	f.memberships[id].version++
}

func (f *fakeSource) updateTeam(id int64, c rbac.CapabilitySet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams[id].caps = c
	f.teams[id].version++
}

// caps builds a set from "resource:action=decision" entries
func caps(t *testing.T, entries ...string) rbac.CapabilitySet {
	t.Helper()
	out := rbac.CapabilitySet{}
	for _, e := range entries {
		pair, decision, ok := strings.Cut(e, "=")
		require.True(t, ok, e)
		p, err := rbac.ParsePermission(pair)
		require.NoError(t, err)
		out[p] = rbac.Decision(decision)
	}
	return out
}
