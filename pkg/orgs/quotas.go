package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

// checkSeatQuota checks the organization can take one more membership under
// its plan. The organization row is locked so concurrent invitations are
// counted one after the other.
func (s *PostgresService) checkSeatQuota(ctx context.Context, tx *sql.Tx, orgID int64) error {
	var tier string
	err := tx.QueryRowContext(ctx,
		`SELECT plan_tier FROM organizations WHERE id = $1 AND status <> 'deleted' FOR UPDATE`,
		orgID,
	).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return authzerr.New(authzerr.KindNotFound, "organization %d not found", orgID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock organization: %w", err)
	}

	if s.seats == nil {
		return nil
	}
	limit := s.seats.MaxMembers(tier)
	if limit <= 0 {
		return nil
	}

	var count int64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE organization_id = $1 AND status <> 'removed'`,
		orgID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count memberships: %w", err)
	}

	if count >= int64(limit) {
		return authzerr.Wrap(authzerr.KindInvalidArgument, &QuotaExceededError{
			Resource: "members",
			Current:  count,
			Limit:    int64(limit),
		}, "member limit reached for plan "+tier)
	}
	return nil
}
