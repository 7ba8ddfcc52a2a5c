// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	activityRow struct {
		URI       string `db:"uri"`
		Type      string `db:"type"`
		ActorURI  string `db:"actor_uri"`
		ObjectURI string `db:"object_uri"`
		Object    string `db:"object"`
		Raw       string `db:"raw"`
		ToJSON    string `db:"to_json"`
		CcJSON    string `db:"cc_json"`
		ID        int64  `db:"id"`
		ActorID   int64  `db:"actor_id"`
		CreatedAt int64  `db:"created_at"`
	}
)

const activityColumns = `ac.id, ac.uri, ac.type, ac.actor_id, ac.actor_uri, ac.object_uri, ac.object, ac.raw, ac.to_json, ac.cc_json, ac.created_at`

var ErrMissingActivityURI = errors.New("activity has no uri")

func newActivityRow(activity *model.Activity) (*activityRow, error) {
	to, err := json.Marshal(nonNilList(activity.To))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal to")
	}
	cc, err := json.Marshal(nonNilList(activity.Cc))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal cc")
	}
	createdAt := activity.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &activityRow{
		URI:       activity.URI,
		Type:      activity.Type,
		ActorID:   activity.ActorID,
		ActorURI:  activity.ActorURI,
		ObjectURI: activity.ObjectURI,
		Object:    string(activity.Object),
		Raw:       string(activity.Raw),
		ToJSON:    string(to),
		CcJSON:    string(cc),
		CreatedAt: createdAt.UnixNano(),
	}, nil
}

func (r *activityRow) model() (*model.Activity, error) {
	activity := &model.Activity{
		ID:        r.ID,
		URI:       r.URI,
		Type:      r.Type,
		ActorID:   r.ActorID,
		ActorURI:  r.ActorURI,
		ObjectURI: r.ObjectURI,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		To:        []string{},
		Cc:        []string{},
	}
	if r.Object != "" {
		activity.Object = json.RawMessage(r.Object)
	}
	if r.Raw != "" {
		activity.Raw = json.RawMessage(r.Raw)
	}
	if err := json.Unmarshal([]byte(r.ToJSON), &activity.To); err != nil {
		return nil, errors.Wrapf(err, "failed to decode to of activity %v", r.URI)
	}
	if err := json.Unmarshal([]byte(r.CcJSON), &activity.Cc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode cc of activity %v", r.URI)
	}

	return activity, nil
}

// StoreActivityIfAbsent persists the activity and its addressing keyed by its URI.
// It reports whether the activity was newly stored; for an already known URI the stored copy is returned untouched.
func (db *DB) StoreActivityIfAbsent(ctx context.Context, activity *model.Activity) (stored bool, _ *model.Activity, err error) {
	if activity.URI == "" {
		return false, nil, ErrMissingActivityURI
	}
	row, err := newActivityRow(activity)
	if err != nil {
		return false, nil, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if stored, err = insertActivity(ctx, tx, row); err != nil {
		return false, nil, err
	}
	if err = tx.Commit(); err != nil {
		return false, nil, errors.Wrap(err, "failed to commit activity")
	}
	existing, err := db.ActivityByURI(ctx, activity.URI)

	return stored, existing, err
}

func insertActivity(ctx context.Context, tx *sqlx.Tx, row *activityRow) (bool, error) {
	result, err := tx.NamedExecContext(ctx, `insert into activities
			(uri, type, actor_id, actor_uri, object_uri, object, raw, to_json, cc_json, created_at)
		values
			(:uri, :type, :actor_id, :actor_uri, :object_uri, :object, :raw, :to_json, :cc_json, :created_at)
		on conflict (uri) do nothing`, row)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert activity %v", row.URI)
	}
	if rowsAffected, rErr := result.RowsAffected(); rErr != nil || rowsAffected == 0 {
		return false, errors.Wrapf(rErr, "failed to process rows affected for activity %v", row.URI)
	}
	var id int64
	if err = tx.GetContext(ctx, &id, `select id from activities where uri = ?`, row.URI); err != nil {
		return false, errors.Wrapf(err, "failed to get id of activity %v", row.URI)
	}
	var to, cc []string
	if err = json.Unmarshal([]byte(row.ToJSON), &to); err != nil {
		return false, errors.Wrap(err, "failed to decode to")
	}
	if err = json.Unmarshal([]byte(row.CcJSON), &cc); err != nil {
		return false, errors.Wrap(err, "failed to decode cc")
	}
	for _, uri := range append(to, cc...) {
		if _, err = tx.ExecContext(ctx, `insert into activity_addressing (activity_id, uri) values (?, ?) on conflict do nothing`, id, uri); err != nil {
			return false, errors.Wrapf(err, "failed to address activity %v to %v", row.URI, uri)
		}
	}

	return true, nil
}

func (db *DB) ActivityByURI(ctx context.Context, uri string) (*model.Activity, error) {
	const sql = `select ` + activityColumns + ` from activities ac where ac.uri = :uri`
	var row activityRow
	if err := db.get(ctx, &row, sql, map[string]any{"uri": uri}); err != nil {
		return nil, errors.Wrapf(err, "failed to get activity %v", uri)
	}

	return row.model()
}

// CountAuthored counts the activities whose author is actorID.
func (db *DB) CountAuthored(ctx context.Context, actorID int64) (int64, error) {
	const sql = `select count(*) from activities ac where ac.actor_id = :actor_id`
	var count int64
	if err := db.get(ctx, &count, sql, map[string]any{"actor_id": actorID}); err != nil {
		return 0, errors.Wrapf(err, "failed to count activities of actor %v", actorID)
	}

	return count, nil
}

// SelectAuthored returns a window of the activities authored by actorID, newest first.
func (db *DB) SelectAuthored(ctx context.Context, actorID, limit, offset int64) ([]*model.Activity, error) {
	const sql = `select ` + activityColumns + ` from activities ac
		where ac.actor_id = :actor_id
		order by ac.created_at desc, ac.id desc
		limit :limit offset :offset`

	return db.selectActivities(ctx, sql, map[string]any{"actor_id": actorID, "limit": limit, "offset": offset})
}

// CountAddressedTo counts the activities that name uri in to or cc.
func (db *DB) CountAddressedTo(ctx context.Context, uri string) (int64, error) {
	const sql = `select count(*) from activity_addressing ad where ad.uri = :uri`
	var count int64
	if err := db.get(ctx, &count, sql, map[string]any{"uri": uri}); err != nil {
		return 0, errors.Wrapf(err, "failed to count activities addressed to %v", uri)
	}

	return count, nil
}

// SelectAddressedTo returns a window of the activities that name uri in to or cc, newest first.
func (db *DB) SelectAddressedTo(ctx context.Context, uri string, limit, offset int64) ([]*model.Activity, error) {
	const sql = `select ` + activityColumns + ` from activities ac
		join activity_addressing ad on ad.activity_id = ac.id
		where ad.uri = :uri
		order by ac.created_at desc, ac.id desc
		limit :limit offset :offset`

	return db.selectActivities(ctx, sql, map[string]any{"uri": uri, "limit": limit, "offset": offset})
}

func (db *DB) selectActivities(ctx context.Context, sql string, arg any) ([]*model.Activity, error) {
	var rows []*activityRow
	if err := db.selectAll(ctx, &rows, sql, arg); err != nil {
		return nil, err
	}
	activities := make([]*model.Activity, 0, len(rows))
	for _, row := range rows {
		activity, err := row.model()
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}

	return activities, nil
}

func nonNilList(l []string) []string {
	if l == nil {
		return []string{}
	}

	return l
}
