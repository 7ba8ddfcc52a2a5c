// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	actorRow struct {
		URI       string `db:"uri"`
		Nickname  string `db:"nickname"`
		Type      string `db:"type"`
		ID        int64  `db:"id"`
		CreatedAt int64  `db:"created_at"`
		IsLocal   bool   `db:"is_local"`
		IsActive  bool   `db:"is_active"`
	}
)

const actorColumns = `a.id, a.uri, a.nickname, a.type, a.is_local, a.is_active, a.created_at`

func (r *actorRow) model() *model.Actor {
	return &model.Actor{
		ID:        r.ID,
		URI:       r.URI,
		Nickname:  r.Nickname,
		Type:      model.ActorType(r.Type),
		IsLocal:   r.IsLocal,
		IsActive:  r.IsActive,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// UpsertActor inserts the actor if its URI is unknown and returns the stored row either way.
// Concurrent callers racing on the same URI converge on one row; the locality flag of an existing row never changes.
func (db *DB) UpsertActor(ctx context.Context, actor *model.Actor) (*model.Actor, error) {
	if actor.Type == "" {
		actor.Type = model.ActorTypePerson
	}
	createdAt := actor.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const sql = `insert into actors (uri, nickname, type, is_local, is_active, created_at)
		values (:uri, :nickname, :type, :is_local, 1, :created_at)
		on conflict (uri) do update set
			nickname = excluded.nickname,
			type = excluded.type,
			is_active = 1
		where actors.is_local = excluded.is_local`
	params := map[string]any{
		"uri":        actor.URI,
		"nickname":   actor.Nickname,
		"type":       string(actor.Type),
		"is_local":   actor.IsLocal,
		"created_at": createdAt.UnixNano(),
	}
	if _, err := db.exec(ctx, sql, params); err != nil {
		return nil, errors.Wrapf(err, "failed to upsert actor %v", actor.URI)
	}

	return db.ActorByURI(ctx, actor.URI)
}

// CreateLocalActor registers a new account of this instance. Its URI is baseURL/actor/{id} and baseURL/@{nickname} is kept as an alias.
func (db *DB) CreateLocalActor(ctx context.Context, baseURL, nickname string, actorType model.ActorType) (_ *model.Actor, err error) {
	if actorType == "" {
		actorType = model.ActorTypePerson
	}
	baseURL = strings.TrimRight(baseURL, "/")
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var taken int
	if err = tx.GetContext(ctx, &taken, `select count(*) from actors where is_local = 1 and nickname = ?`, nickname); err != nil {
		return nil, errors.Wrapf(err, "failed to check nickname %v", nickname)
	}
	if taken > 0 {
		err = errors.Wrapf(ErrDuplicate, "local nickname %v", nickname)

		return nil, err
	}
	alias := baseURL + "/@" + nickname
	result, err := tx.ExecContext(ctx, `insert into actors (uri, nickname, type, is_local, is_active, created_at) values (?, ?, ?, 1, 1, ?)`,
		alias, nickname, string(actorType), time.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to insert local actor %v", nickname)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get id of local actor %v", nickname)
	}
	if _, err = tx.ExecContext(ctx, `update actors set uri = ? where id = ?`, baseURL+"/actor/"+strconv.FormatInt(id, 10), id); err != nil {
		return nil, errors.Wrapf(err, "failed to set uri of local actor %v", nickname)
	}
	if _, err = tx.ExecContext(ctx, `insert into actor_aliases (uri, actor_id) values (?, ?) on conflict (uri) do nothing`, alias, id); err != nil {
		return nil, errors.Wrapf(err, "failed to alias local actor %v", nickname)
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit local actor %v", nickname)
	}

	return db.ActorByID(ctx, id)
}

// ActorByURI resolves the actor by its canonical URI or by any alias recorded for it.
func (db *DB) ActorByURI(ctx context.Context, uri string) (*model.Actor, error) {
	const sql = `select ` + actorColumns + ` from actors a where a.uri = :uri
		union all
		select ` + actorColumns + ` from actors a join actor_aliases al on al.actor_id = a.id where al.uri = :uri
		limit 1`
	var row actorRow
	if err := db.get(ctx, &row, sql, map[string]any{"uri": uri}); err != nil {
		return nil, errors.Wrapf(err, "failed to get actor by uri %v", uri)
	}

	return row.model(), nil
}

func (db *DB) ActorByID(ctx context.Context, id int64) (*model.Actor, error) {
	const sql = `select ` + actorColumns + ` from actors a where a.id = :id`
	var row actorRow
	if err := db.get(ctx, &row, sql, map[string]any{"id": id}); err != nil {
		return nil, errors.Wrapf(err, "failed to get actor by id %v", id)
	}

	return row.model(), nil
}

func (db *DB) LocalActorByNickname(ctx context.Context, nickname string) (*model.Actor, error) {
	const sql = `select ` + actorColumns + ` from actors a where a.is_local = 1 and a.nickname = :nickname`
	var row actorRow
	if err := db.get(ctx, &row, sql, map[string]any{"nickname": nickname}); err != nil {
		return nil, errors.Wrapf(err, "failed to get local actor %v", nickname)
	}

	return row.model(), nil
}

// AddAlias records an alternative URI for an existing actor. Existing aliases are left untouched.
func (db *DB) AddAlias(ctx context.Context, actorID int64, uri string) error {
	const sql = `insert into actor_aliases (uri, actor_id) values (:uri, :actor_id) on conflict (uri) do nothing`
	_, err := db.exec(ctx, sql, map[string]any{"uri": uri, "actor_id": actorID})

	return errors.Wrapf(err, "failed to add alias %v for actor %v", uri, actorID)
}

// MarkInactive flags the actor as gone; actors are never hard-deleted.
func (db *DB) MarkInactive(ctx context.Context, uri string) error {
	const sql = `update actors set is_active = 0 where uri = :uri`
	rowsAffected, err := db.exec(ctx, sql, map[string]any{"uri": uri})
	if err != nil {
		return errors.Wrapf(err, "failed to mark actor %v inactive", uri)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// LocalActorIDsByURIs returns the ids of the local actors among uris, in ascending id order.
func (db *DB) LocalActorIDsByURIs(ctx context.Context, uris []string) ([]int64, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`select distinct a.id from actors a
		left join actor_aliases al on al.actor_id = a.id
		where a.is_local = 1 and (a.uri in (?) or al.uri in (?))
		order by a.id`, uris, uris)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build local actor ids query")
	}
	var ids []int64
	if err = db.SelectContext(ctx, &ids, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to select local actor ids")
	}

	return ids, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
