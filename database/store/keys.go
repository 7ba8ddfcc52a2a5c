// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

type (
	KeyPairPEM struct {
		PrivateKeyPEM string `db:"private_key_pem"`
		PublicKeyPEM  string `db:"public_key_pem"`
		ActorID       int64  `db:"actor_id"`
	}
)

// InsertKeyPairIfAbsent stores the pair unless the actor already has one, and returns whichever pair is stored.
func (db *DB) InsertKeyPairIfAbsent(ctx context.Context, pair *KeyPairPEM) (*KeyPairPEM, error) {
	const sql = `insert into actor_keys (actor_id, private_key_pem, public_key_pem)
		values (:actor_id, :private_key_pem, :public_key_pem)
		on conflict (actor_id) do nothing`
	if _, err := db.exec(ctx, sql, pair); err != nil {
		return nil, errors.Wrapf(err, "failed to insert key pair of actor %v", pair.ActorID)
	}

	return db.KeyPair(ctx, pair.ActorID)
}

func (db *DB) KeyPair(ctx context.Context, actorID int64) (*KeyPairPEM, error) {
	const sql = `select actor_id, private_key_pem, public_key_pem from actor_keys where actor_id = :actor_id`
	var pair KeyPairPEM
	if err := db.get(ctx, &pair, sql, map[string]any{"actor_id": actorID}); err != nil {
		return nil, errors.Wrapf(err, "failed to get key pair of actor %v", actorID)
	}

	return &pair, nil
}
