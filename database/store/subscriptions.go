// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	subscriptionRow struct {
		Topic       string `db:"topic"`
		Hub         string `db:"hub"`
		VerifyToken string `db:"verify_token"`
		Secret      string `db:"secret"`
		State       string `db:"state"`
		ID          int64  `db:"id"`
		LeaseStart  int64  `db:"lease_start"`
		LeaseEnd    int64  `db:"lease_end"`
	}
)

const subscriptionColumns = `id, topic, hub, verify_token, secret, state, lease_start, lease_end`

func (r *subscriptionRow) model() *model.Subscription {
	return &model.Subscription{
		ID:          r.ID,
		Topic:       r.Topic,
		Hub:         r.Hub,
		VerifyToken: r.VerifyToken,
		Secret:      r.Secret,
		State:       model.SubscriptionState(r.State),
		LeaseStart:  unixNanoOrZero(r.LeaseStart),
		LeaseEnd:    unixNanoOrZero(r.LeaseEnd),
	}
}

// UpsertSubscription creates the subscription to topic or resets an existing one to unverified with fresh credentials.
func (db *DB) UpsertSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	const sql = `insert into websub_subscriptions (topic, hub, verify_token, secret, state, lease_start, lease_end)
		values (:topic, :hub, :verify_token, :secret, 'unverified', 0, 0)
		on conflict (topic) do update set
			hub = excluded.hub,
			verify_token = excluded.verify_token,
			secret = excluded.secret,
			state = 'unverified',
			lease_start = 0,
			lease_end = 0`
	row := subscriptionRow{Topic: sub.Topic, Hub: sub.Hub, VerifyToken: sub.VerifyToken, Secret: sub.Secret}
	if _, err := db.exec(ctx, sql, &row); err != nil {
		return nil, errors.Wrapf(err, "failed to upsert subscription to %v", sub.Topic)
	}

	return db.SubscriptionByTopic(ctx, sub.Topic)
}

func (db *DB) SubscriptionByTopic(ctx context.Context, topic string) (*model.Subscription, error) {
	const sql = `select ` + subscriptionColumns + ` from websub_subscriptions where topic = :topic`
	var row subscriptionRow
	if err := db.get(ctx, &row, sql, map[string]any{"topic": topic}); err != nil {
		return nil, errors.Wrapf(err, "failed to get subscription to %v", topic)
	}

	return row.model(), nil
}

func (db *DB) SubscriptionByID(ctx context.Context, id int64) (*model.Subscription, error) {
	const sql = `select ` + subscriptionColumns + ` from websub_subscriptions where id = :id`
	var row subscriptionRow
	if err := db.get(ctx, &row, sql, map[string]any{"id": id}); err != nil {
		return nil, errors.Wrapf(err, "failed to get subscription %v", id)
	}

	return row.model(), nil
}

// VerifySubscription starts or extends the lease of a subscription that is unverified or already verified.
// Expired and unsubscribing subscriptions are left alone and yield ErrNotFound, as do missing ones.
func (db *DB) VerifySubscription(ctx context.Context, id int64, leaseStart, leaseEnd time.Time) error {
	const sql = `update websub_subscriptions set state = 'verified', lease_start = :lease_start, lease_end = :lease_end
		where id = :id and state in ('unverified', 'verified')`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{
		"id":          id,
		"lease_start": unixNanoOrZeroValue(leaseStart),
		"lease_end":   unixNanoOrZeroValue(leaseEnd),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to verify subscription %v", id)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkUnsubscribing keeps the lease but flags the record so it survives until the hub confirms.
func (db *DB) MarkUnsubscribing(ctx context.Context, id int64) error {
	const sql = `update websub_subscriptions set state = 'unsubscribing' where id = :id`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return errors.Wrapf(err, "failed to mark subscription %v unsubscribing", id)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *DB) DeleteSubscription(ctx context.Context, id int64) error {
	const sql = `delete from websub_subscriptions where id = :id`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return errors.Wrapf(err, "failed to delete subscription %v", id)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ExpireSubscriptions moves every verified subscription whose lease ended at or before now to expired.
func (db *DB) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	const sql = `update websub_subscriptions set state = 'expired'
		where state = 'verified' and lease_end > 0 and lease_end <= :now`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{"now": now.UnixNano()})

	return rowsAffected, errors.Wrap(err, "failed to expire subscriptions")
}

// SubscriptionsExpiringBefore lists verified subscriptions whose lease ends before deadline.
func (db *DB) SubscriptionsExpiringBefore(ctx context.Context, deadline time.Time) ([]*model.Subscription, error) {
	const sql = `select ` + subscriptionColumns + ` from websub_subscriptions
		where state = 'verified' and lease_end > 0 and lease_end < :deadline
		order by lease_end, id`
	var rows []*subscriptionRow
	if err := db.selectAll(ctx, &rows, sql, map[string]any{"deadline": deadline.UnixNano()}); err != nil {
		return nil, errors.Wrap(err, "failed to select expiring subscriptions")
	}
	subs := make([]*model.Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, row.model())
	}

	return subs, nil
}

// InsertPushReceipt records that content with hash was delivered for the subscription.
// It returns ErrDuplicate when the same content was already recorded.
func (db *DB) InsertPushReceipt(ctx context.Context, subscriptionID int64, hash string, receivedAt time.Time) error {
	const sql = `insert into websub_push_receipts (subscription_id, content_hash, received_at)
		values (:subscription_id, :content_hash, :received_at)
		on conflict (subscription_id, content_hash) do nothing`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{
		"subscription_id": subscriptionID,
		"content_hash":    hash,
		"received_at":     receivedAt.UnixNano(),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to insert push receipt for subscription %v", subscriptionID)
	}
	if rowsAffected == 0 {
		return ErrDuplicate
	}

	return nil
}

// DeletePushReceipt forgets a receipt so the same content can be delivered again.
func (db *DB) DeletePushReceipt(ctx context.Context, subscriptionID int64, hash string) error {
	const sql = `delete from websub_push_receipts where subscription_id = :subscription_id and content_hash = :content_hash`
	_, err := db.exec(ctx, sql, map[string]any{"subscription_id": subscriptionID, "content_hash": hash})

	return errors.Wrapf(err, "failed to delete push receipt for subscription %v", subscriptionID)
}

func unixNanoOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, v).UTC()
}

func unixNanoOrZeroValue(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
