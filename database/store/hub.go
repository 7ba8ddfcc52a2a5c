// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	hubSubscriberRow struct {
		Topic     string `db:"topic"`
		Callback  string `db:"callback"`
		Secret    string `db:"secret"`
		ID        int64  `db:"id"`
		LeaseEnd  int64  `db:"lease_end"`
		CreatedAt int64  `db:"created_at"`
	}
)

const (
	hubSubscriberColumns = `id, topic, callback, secret, lease_end, created_at`

	hubSubscriberBatchSize = 100
)

func (r *hubSubscriberRow) model() *model.HubSubscriber {
	return &model.HubSubscriber{
		ID:        r.ID,
		Topic:     r.Topic,
		Callback:  r.Callback,
		Secret:    r.Secret,
		LeaseEnd:  unixNanoOrZero(r.LeaseEnd),
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// UpsertHubSubscriber registers callback for topic, refreshing the secret and lease of an existing registration.
func (db *DB) UpsertHubSubscriber(ctx context.Context, sub *model.HubSubscriber) (*model.HubSubscriber, error) {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const sql = `insert into websub_hub_subscribers (topic, callback, secret, lease_end, created_at)
		values (:topic, :callback, :secret, :lease_end, :created_at)
		on conflict (topic, callback) do update set
			secret = excluded.secret,
			lease_end = excluded.lease_end`
	row := hubSubscriberRow{
		Topic:     sub.Topic,
		Callback:  sub.Callback,
		Secret:    sub.Secret,
		LeaseEnd:  unixNanoOrZeroValue(sub.LeaseEnd),
		CreatedAt: createdAt.UnixNano(),
	}
	if _, err := db.exec(ctx, sql, &row); err != nil {
		return nil, errors.Wrapf(err, "failed to upsert hub subscriber %v for %v", sub.Callback, sub.Topic)
	}

	return db.HubSubscriber(ctx, sub.Topic, sub.Callback)
}

func (db *DB) HubSubscriber(ctx context.Context, topic, callback string) (*model.HubSubscriber, error) {
	const sql = `select ` + hubSubscriberColumns + ` from websub_hub_subscribers where topic = :topic and callback = :callback`
	var row hubSubscriberRow
	if err := db.get(ctx, &row, sql, map[string]any{"topic": topic, "callback": callback}); err != nil {
		return nil, errors.Wrapf(err, "failed to get hub subscriber %v for %v", callback, topic)
	}

	return row.model(), nil
}

func (db *DB) HubSubscriberByID(ctx context.Context, id int64) (*model.HubSubscriber, error) {
	const sql = `select ` + hubSubscriberColumns + ` from websub_hub_subscribers where id = :id`
	var row hubSubscriberRow
	if err := db.get(ctx, &row, sql, map[string]any{"id": id}); err != nil {
		return nil, errors.Wrapf(err, "failed to get hub subscriber %v", id)
	}

	return row.model(), nil
}

func (db *DB) DeleteHubSubscriber(ctx context.Context, topic, callback string) (int64, error) {
	const sql = `delete from websub_hub_subscribers where topic = :topic and callback = :callback`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{"topic": topic, "callback": callback})

	return rowsAffected, errors.Wrapf(err, "failed to delete hub subscriber %v for %v", callback, topic)
}

// SelectHubSubscribers yields the subscribers of topic whose lease is still running at now.
func (db *DB) SelectHubSubscribers(ctx context.Context, topic string, now time.Time) iter.Seq2[*model.HubSubscriber, error] {
	const sql = `select ` + hubSubscriberColumns + ` from websub_hub_subscribers
		where topic = :topic and id > :pivot and (lease_end = 0 or lease_end > :now)
		order by id
		limit :limit`
	it := &pivotIterator[*model.HubSubscriber]{
		fetch: func(ctx context.Context, pivot int64) ([]*model.HubSubscriber, error) {
			var rows []*hubSubscriberRow
			if err := db.selectAll(ctx, &rows, sql, map[string]any{
				"topic": topic,
				"pivot": pivot,
				"now":   now.UnixNano(),
				"limit": hubSubscriberBatchSize,
			}); err != nil {
				return nil, err
			}
			subs := make([]*model.HubSubscriber, 0, len(rows))
			for _, row := range rows {
				subs = append(subs, row.model())
			}

			return subs, nil
		},
		pivotOf: func(sub *model.HubSubscriber) int64 { return sub.ID },
	}

	return it.Seq(ctx)
}
