package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haasonsaas/relay/internal/imerr"
)

// Subscription maps a routing id to the user it delivers to. The row's
// age is its liveness signal: only subscriptions created or refreshed
// within the routing window count as reachable.
type Subscription struct {
	SubscriptionID string `db:"subscription_id"`
	UserID         int64  `db:"user_id"`
}

// InsertSubscription records a new routing id for a user. Idempotent
// under retries of the same id.
func (s *Store) InsertSubscription(ctx context.Context, subscriptionID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subscription_id, user_id) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE subscription_id = subscription_id`,
		subscriptionID, userID,
	)
	if err != nil {
		return dbErr("insert subscription", err)
	}
	return nil
}

// FreshSubscriptionIDs returns the user's routing ids created within the
// last windowHours, newest first. Older rows belong to sessions that have
// since gone away and are not routed to.
func (s *Store) FreshSubscriptionIDs(ctx context.Context, userID int64, windowHours int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT subscription_id FROM subscriptions
		 WHERE user_id = ?
		 AND created_at >= DATE_SUB(NOW(), INTERVAL ? HOUR)
		 ORDER BY created_at DESC`,
		userID, windowHours,
	)
	if err != nil {
		return nil, dbErr("query subscriptions", err)
	}
	return ids, nil
}

// LatestFreshSubscriptionID returns the user's newest in-window routing
// id, or not found when every subscription has aged out.
func (s *Store) LatestFreshSubscriptionID(ctx context.Context, userID int64, windowHours int) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT subscription_id FROM subscriptions
		 WHERE user_id = ?
		 AND created_at >= DATE_SUB(NOW(), INTERVAL ? HOUR)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, windowHours,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", imerr.NotFound("no fresh subscription")
		}
		return "", dbErr("query subscription", err)
	}
	return id, nil
}

// UserIDBySubscription resolves a routing id back to its user regardless
// of age; the caller decides whether staleness matters.
func (s *Store) UserIDBySubscription(ctx context.Context, subscriptionID string) (int64, error) {
	var userID int64
	err := s.db.GetContext(ctx, &userID,
		`SELECT user_id FROM subscriptions WHERE subscription_id = ? LIMIT 1`,
		subscriptionID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, imerr.NotFound("subscription not found")
		}
		return 0, dbErr("query subscription user", err)
	}
	return userID, nil
}

// TouchSubscription resets the routing window for a live session. Called
// on heartbeat so a connection idle past windowHours stays routable.
func (s *Store) TouchSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET created_at = NOW() WHERE subscription_id = ?`,
		subscriptionID,
	)
	if err != nil {
		return dbErr("touch subscription", err)
	}
	return nil
}

// PruneSubscriptions deletes rows older than windowHours. Run from the
// maintenance cron; delivery ignores stale rows either way, pruning just
// keeps the table bounded.
func (s *Store) PruneSubscriptions(ctx context.Context, windowHours int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions
		 WHERE created_at < DATE_SUB(NOW(), INTERVAL ? HOUR)`,
		windowHours,
	)
	if err != nil {
		return 0, dbErr("prune subscriptions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
