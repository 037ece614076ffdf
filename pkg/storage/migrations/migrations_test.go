package migrations

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("up")
	require.NoError(t, err)
	assert.Equal(t, Up, d)

	d, err = ParseDirection(" down ")
	require.NoError(t, err)
	assert.Equal(t, Down, d)

	for _, bad := range []string{"", "UP", "sideways"} {
		_, err := ParseDirection(bad)
		assert.Error(t, err, bad)
	}
}

func TestRun_RejectsBadInput(t *testing.T) {
	err := Run("", Up, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")

	err = Run("postgres://localhost/tenantguard", Direction("left"), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direction must be up or down")

	err = Run("postgres://localhost/tenantguard", Up, -1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps must not be negative")
}

func TestEmbeddedFilesArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestSource_WalksVersionsInOrder(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	var versions []uint
	for v := first; ; {
		versions = append(versions, v)
		next, err := src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		require.NoError(t, err)
		v = next
	}
	assert.Equal(t, []uint{1, 2, 3}, versions)

	r, _, err := src.ReadUp(3)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(body), "audit_logs_event_id_key")
}

func TestSchemaMatchesStores(t *testing.T) {
	body, err := fs.ReadFile(files, "sql/000001_tenancy.up.sql")
	require.NoError(t, err)
	schema := string(body)

	// conflict targets used by the stores
	assert.Contains(t, schema, "ON roles (name) WHERE organization_id IS NULL")
	assert.Contains(t, schema, "memberships_org_user_key")
	assert.Contains(t, schema, "WHERE status <> 'removed'")
}
