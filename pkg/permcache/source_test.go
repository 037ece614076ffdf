package permcache

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

func newMockSource(t *testing.T) (*PostgresSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresSource(db), mock
}

func TestPostgresSource_CurrentStamp(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery("SELECT m.organization_id, m.status, m.version, m.role_id, r.version").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "version", "role_id", "role_version", "team_version"}).
			AddRow(1, "active", 4, 10, 3, 7))

	cur, err := src.CurrentStamp(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, cur.Active)
	assert.Equal(t, int64(1), cur.OrganizationID)
	assert.Equal(t, Stamp{MembershipVersion: 4, RoleID: 10, RoleVersion: 3, TeamVersion: 7}, cur.Stamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_CurrentStampInactive(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery("SELECT m.organization_id").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "version", "role_id", "role_version", "team_version"}).
			AddRow(1, "inactive", 5, 10, 3, 0))

	cur, err := src.CurrentStamp(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, cur.Active)
}

func TestPostgresSource_CurrentStampErrors(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery("SELECT m.organization_id").WithArgs(int64(1)).WillReturnError(sql.ErrNoRows)
	_, err := src.CurrentStamp(context.Background(), 1)
	assert.ErrorIs(t, err, authzerr.ErrNoActiveMembership)

	mock.ExpectQuery("SELECT m.organization_id").WithArgs(int64(2)).WillReturnError(errors.New("timeout"))
	_, err = src.CurrentStamp(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, authzerr.KindUnavailable, authzerr.KindOf(err))
}

func TestPostgresSource_Load(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT m.organization_id, m.status, m.version, m.role_id, r.version,\\s+m.capability_overrides, r.capabilities").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "version", "role_id", "role_version", "overrides", "capabilities"}).
			AddRow(1, "active", 4, 10, 3, []byte(`{"contacts:delete":"deny"}`), []byte(`{"contacts:*":"allow"}`)))
	mock.ExpectQuery("SELECT t.id, t.version, t.capability_overrides").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "capability_overrides"}).
			AddRow(1, 2, []byte(`{"deals:read":"allow"}`)).
			AddRow(5, 5, []byte(`{"deals:read":"deny"}`)))
	mock.ExpectCommit()

	in, err := src.Load(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, Stamp{MembershipVersion: 4, RoleID: 10, RoleVersion: 3, TeamVersion: 7}, in.Stamp)
	assert.True(t, in.Active)
	require.Len(t, in.Teams, 2)

	set := in.Effective()
	assert.True(t, set.Allows("contacts", "read"))
	assert.False(t, set.Allows("contacts", "delete"))
	assert.False(t, set.Allows("deals", "read"), "team 5 applies after team 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_LoadRejectsCorruptCapabilities(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT m.organization_id").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "version", "role_id", "role_version", "overrides", "capabilities"}).
			AddRow(1, "active", 4, 10, 3, []byte(`{}`), []byte(`{"contacts:read":"maybe"}`)))
	mock.ExpectRollback()

	_, err := src.Load(context.Background(), 100)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_LoadMissing(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT m.organization_id").WithArgs(int64(100)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := src.Load(context.Background(), 100)
	assert.ErrorIs(t, err, authzerr.ErrNoActiveMembership)
}
