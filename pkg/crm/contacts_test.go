package crm

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/scope"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (*ContactRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewContactRepository(db)
	repo.now = func() time.Time { return testNow }
	return repo, mock
}

var contactRowColumns = []string{
	"id", "organization_id", "first_name", "last_name", "email", "phone", "job_title",
	"stage", "source", "owner_user_id", "custom_fields", "created_by", "created_at", "updated_at",
}

func contactRow(id, orgID int64, first string) []driverValue {
	return []driverValue{id, orgID, first, "Doe", first + "@example.com", "", "",
		"lead", "", nil, []byte(`{"tier":"gold"}`), int64(10), testNow, testNow}
}

type driverValue = interface{}

func rows(values ...[]driverValue) *sqlmock.Rows {
	r := sqlmock.NewRows(contactRowColumns)
	for _, v := range values {
		r.AddRow(v...)
	}
	return r
}

func TestContactRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM contacts\\s+WHERE organization_id = \\$1 AND id = \\$2 AND deleted_at IS NULL").
		WithArgs(int64(1), int64(5)).
		WillReturnRows(rows(contactRow(5, 1, "jane")))

	c, err := repo.Get(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.ID)
	assert.Equal(t, int64(1), c.OrganizationID)
	assert.Equal(t, "gold", c.CustomFields["tier"])
	assert.Nil(t, c.OwnerUserID)
	require.NotNil(t, c.CreatedBy)
	assert.Equal(t, int64(10), *c.CreatedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_GetOtherOrganization(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM contacts").
		WithArgs(int64(1), int64(6)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 1, 6)
	assert.ErrorIs(t, err, authzerr.ErrNotFound)
}

func TestContactRepository_List(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM contacts WHERE organization_id = \\$1 AND stage = \\$2 AND deleted_at IS NULL ORDER BY updated_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs(int64(1), "lead", 2, 0).
		WillReturnRows(rows(contactRow(1, 1, "a"), contactRow(2, 1, "b")))

	contacts, err := repo.List(context.Background(), 1, scope.Query{
		Filters: map[string]interface{}{"stage": "lead", "organization_id": int64(2)},
		OrderBy: "updated_at",
		Desc:    true,
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_ListRejectsUnknownColumn(t *testing.T) {
	repo, _ := newMockRepo(t)
	_, err := repo.List(context.Background(), 1, scope.Query{Filters: map[string]interface{}{"custom_fields": "x"}})
	assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
}

func TestContactRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	by := int64(10)

	mock.ExpectQuery("INSERT INTO contacts").
		WithArgs(int64(1), "jane", "Doe", "jane@example.com", "", "", StageLead, "", nil, []byte(`{"tier":"gold"}`), &by, testNow).
		WillReturnRows(rows(contactRow(9, 1, "jane")))

	c, err := repo.Create(context.Background(), 1, &Contact{
		FirstName:    "jane",
		LastName:     "Doe",
		Email:        "jane@example.com",
		CustomFields: map[string]interface{}{"tier": "gold"},
		CreatedBy:    &by,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_CreateValidates(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.Create(context.Background(), 1, &Contact{})
	assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)

	_, err = repo.Create(context.Background(), 1, &Contact{FirstName: "a", Stage: "vip"})
	assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)

	_, err = repo.Create(context.Background(), 1, &Contact{FirstName: "a", Email: "nope"})
	assert.ErrorIs(t, err, authzerr.ErrInvalidArgument)
}

func TestContactRepository_UpdateCarriesPredicate(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("UPDATE contacts\\s+SET .+ WHERE id = \\$11 AND organization_id = \\$12 AND deleted_at IS NULL").
		WithArgs("jane", "", "", "", "", StageCustomer, "", nil, []byte(`{}`), testNow, int64(5), int64(1)).
		WillReturnRows(rows(contactRow(5, 1, "jane")))

	_, err := repo.Update(context.Background(), 1, &Contact{ID: 5, FirstName: "jane", Stage: StageCustomer})
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE contacts").WillReturnError(sql.ErrNoRows)
	_, err = repo.Update(context.Background(), 1, &Contact{ID: 6, FirstName: "x"})
	assert.ErrorIs(t, err, authzerr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_Delete(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE contacts SET deleted_at = \\$1, updated_at = \\$1\\s+WHERE id = \\$2 AND organization_id = \\$3").
		WithArgs(testNow, int64(5), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), 1, 5))

	mock.ExpectExec("UPDATE contacts SET deleted_at").
		WithArgs(testNow, int64(6), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), 1, 6), authzerr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
