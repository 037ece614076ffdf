package orgs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

var membershipRowColumns = []string{
	"id", "organization_id", "user_id", "role_id", "status", "capability_overrides",
	"version", "invited_by", "created_at", "updated_at",
}

func membershipRow(id, orgID, userID, roleID int64, status MembershipStatus, version int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(membershipRowColumns).
		AddRow(id, orgID, userID, roleID, string(status), []byte(`{}`), version, nil, now, now)
}

func TestListActiveMemberships(t *testing.T) {
	service, mock, db := newMockService(t, nil)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(membershipRowColumns).
		AddRow(10, 1, 100, 5, "active", []byte(`{"contacts:delete":"deny"}`), 2, 7, now, now).
		AddRow(11, 2, 100, 6, "active", []byte(`{}`), 1, nil, now, now)

	mock.ExpectQuery(`JOIN organizations o ON o.id = m.organization_id\s+WHERE m.user_id = \$1 AND m.status = 'active' AND o.status <> 'deleted'`).
		WithArgs(int64(100)).
		WillReturnRows(rows)

	memberships, err := service.ListActiveMemberships(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, int64(1), memberships[0].OrganizationID)
	assert.Equal(t, rbac.Deny, memberships[0].CapabilityOverrides[rbac.Permission{Resource: rbac.ResourceContact, Action: rbac.ActionDelete}])
	require.NotNil(t, memberships[0].InvitedBy)
	assert.Equal(t, int64(7), *memberships[0].InvitedBy)
	assert.Nil(t, memberships[1].InvitedBy)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInviteMember(t *testing.T) {
	ctx := context.Background()
	orgLock := `SELECT plan_tier FROM organizations WHERE id = \$1 AND status <> 'deleted' FOR UPDATE`
	roleLock := `SELECT organization_id FROM roles WHERE id = \$1 AND deleted_at IS NULL FOR SHARE`
	seatCount := `SELECT COUNT\(\*\) FROM memberships WHERE organization_id = \$1 AND status <> 'removed'`

	t.Run("custom role of the same organization", func(t *testing.T) {
		service, mock, db := newMockService(t, fixedSeats{"starter": 5})
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(orgLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("starter"))
		mock.ExpectQuery(seatCount).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
		mock.ExpectQuery(roleLock).WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO memberships`).
			WithArgs(int64(1), int64(100), int64(5), MembershipInvited, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectCommit()

		m, err := service.InviteMember(ctx, 1, 100, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.ID)
		assert.Equal(t, MembershipInvited, m.Status)
		assert.Equal(t, int64(1), m.Version)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system role", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(orgLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("enterprise"))
		mock.ExpectQuery(roleLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(nil))
		mock.ExpectQuery(`INSERT INTO memberships`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectCommit()

		_, err := service.InviteMember(ctx, 1, 101, 1, nil)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role of another organization", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(orgLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("starter"))
		mock.ExpectQuery(roleLock).WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(2))
		mock.ExpectRollback()

		_, err := service.InviteMember(ctx, 1, 100, 9, nil)
		assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("seat limit reached", func(t *testing.T) {
		service, mock, db := newMockService(t, fixedSeats{"trial": 3})
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(orgLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("trial"))
		mock.ExpectQuery(seatCount).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectRollback()

		_, err := service.InviteMember(ctx, 1, 100, 5, nil)
		assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
		assert.True(t, IsQuotaExceeded(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already a member", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(orgLock).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("starter"))
		mock.ExpectQuery(roleLock).WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO memberships`).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := service.InviteMember(ctx, 1, 100, 5, nil)
		assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransitionMembership(t *testing.T) {
	ctx := context.Background()
	getQuery := `FROM memberships m\s+WHERE m.id = \$1`

	t.Run("pending to active", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectQuery(getQuery).WithArgs(int64(10)).
			WillReturnRows(membershipRow(10, 1, 100, 5, MembershipPending, 2))
		mock.ExpectQuery(`UPDATE memberships\s+SET status = \$1, version = version \+ 1`).
			WithArgs(MembershipActive, sqlmock.AnyArg(), int64(10), int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

		m, err := service.TransitionMembership(ctx, 10, 2, MembershipActive)
		require.NoError(t, err)
		assert.Equal(t, MembershipActive, m.Status)
		assert.Equal(t, int64(3), m.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("illegal transition", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectQuery(getQuery).WithArgs(int64(10)).
			WillReturnRows(membershipRow(10, 1, 100, 5, MembershipRemoved, 4))

		_, err := service.TransitionMembership(ctx, 10, 4, MembershipActive)
		assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale read version", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectQuery(getQuery).WithArgs(int64(10)).
			WillReturnRows(membershipRow(10, 1, 100, 5, MembershipActive, 5))

		_, err := service.TransitionMembership(ctx, 10, 4, MembershipInactive)
		assert.ErrorIs(t, err, authzerr.ErrConcurrentModification)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race on write", func(t *testing.T) {
		service, mock, db := newMockService(t, nil)
		defer db.Close()

		mock.ExpectQuery(getQuery).WithArgs(int64(10)).
			WillReturnRows(membershipRow(10, 1, 100, 5, MembershipActive, 5))
		mock.ExpectQuery(`UPDATE memberships`).
			WithArgs(MembershipRemoved, sqlmock.AnyArg(), int64(10), int64(5)).
			WillReturnError(sql.ErrNoRows)

		_, err := service.TransitionMembership(ctx, 10, 5, MembershipRemoved)
		assert.ErrorIs(t, err, authzerr.ErrConcurrentModification)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestChangeMembershipRole(t *testing.T) {
	service, mock, db := newMockService(t, nil)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(`FROM memberships m`).WithArgs(int64(10)).
		WillReturnRows(membershipRow(10, 1, 100, 5, MembershipActive, 3))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM roles WHERE id = \$1 AND deleted_at IS NULL FOR SHARE`).WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(1))
	mock.ExpectQuery(`UPDATE memberships\s+SET role_id = \$1`).
		WithArgs(int64(6), sqlmock.AnyArg(), int64(10), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectCommit()

	m, err := service.ChangeMembershipRole(ctx, 10, 3, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), m.RoleID)
	assert.Equal(t, int64(4), m.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetMembershipOverrides(t *testing.T) {
	service, mock, db := newMockService(t, nil)
	defer db.Close()
	ctx := context.Background()

	caps := rbac.CapabilitySet{{Resource: rbac.ResourceContact, Action: rbac.ActionDelete}: rbac.Deny}

	now := time.Now()
	mock.ExpectQuery(`UPDATE memberships m\s+SET capability_overrides = \$1`).
		WithArgs(`{"contacts:delete":"deny"}`, sqlmock.AnyArg(), int64(10), int64(3)).
		WillReturnRows(sqlmock.NewRows(membershipRowColumns).
			AddRow(10, 1, 100, 5, "active", []byte(`{"contacts:delete":"deny"}`), 4, nil, now, now))

	m, err := service.SetMembershipOverrides(ctx, 10, 3, caps)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Version)
	assert.True(t, caps.Equal(m.CapabilityOverrides))

	mock.ExpectQuery(`UPDATE memberships m`).
		WithArgs(`{"contacts:delete":"deny"}`, sqlmock.AnyArg(), int64(10), int64(3)).
		WillReturnError(sql.ErrNoRows)
	_, err = service.SetMembershipOverrides(ctx, 10, 3, caps)
	assert.ErrorIs(t, err, authzerr.ErrConcurrentModification)

	_, err = service.SetMembershipOverrides(ctx, 10, 3, rbac.CapabilitySet{{Resource: "x", Action: "y"}: "maybe"})
	assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)

	require.NoError(t, mock.ExpectationsWereMet())
}
