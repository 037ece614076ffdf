package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

// OrganizationColumn is the tenant predicate column every scoped table carries
const OrganizationColumn = "organization_id"

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Query is a list request: equality filters plus paging
type Query struct {
	Filters map[string]interface{}
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// withoutOrganization drops any caller supplied organization filter
func (q Query) withoutOrganization() Query {
	if _, ok := q.Filters[OrganizationColumn]; !ok {
		return q
	}
	filters := make(map[string]interface{}, len(q.Filters))
	for k, v := range q.Filters {
		if k != OrganizationColumn {
			filters[k] = v
		}
	}
	q.Filters = filters
	return q
}

// Page returns the effective limit and offset
func (q Query) Page() (limit, offset int) {
	limit = q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset = q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// BuildWhere renders the WHERE clause for a scoped list query.
//
// The organization predicate is always the first condition and binds $1.
// Caller filters on organization_id are ignored. Filters and ordering on
// columns outside allowed are rejected.
func BuildWhere(orgID int64, q Query, allowed map[string]bool) (string, []interface{}, error) {
	conditions := []string{OrganizationColumn + " = $1"}
	args := []interface{}{orgID}

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		if k == OrganizationColumn {
			continue
		}
		if !allowed[k] {
			return "", nil, authzerr.New(authzerr.KindInvalidArgument, "cannot filter on %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, q.Filters[k])
		conditions = append(conditions, fmt.Sprintf("%s = $%d", k, len(args)))
	}

	return "WHERE " + strings.Join(conditions, " AND "), args, nil
}

// BuildOrder renders ORDER BY and paging, appending the paging args
func BuildOrder(q Query, allowed map[string]bool, args []interface{}) (string, []interface{}, error) {
	order := "id"
	if q.OrderBy != "" {
		if !allowed[q.OrderBy] && q.OrderBy != "id" {
			return "", nil, authzerr.New(authzerr.KindInvalidArgument, "cannot order by %q", q.OrderBy)
		}
		order = q.OrderBy
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	limit, offset := q.Page()
	args = append(args, limit, offset)
	return fmt.Sprintf("ORDER BY %s %s LIMIT $%d OFFSET $%d", order, dir, len(args)-1, len(args)), args, nil
}
