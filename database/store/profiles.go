// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	profileRow struct {
		ActorURI     string `db:"actor_uri"`
		InboxURI     string `db:"inbox_uri"`
		SharedInbox  string `db:"shared_inbox"`
		OutboxURI    string `db:"outbox_uri"`
		PublicKeyID  string `db:"public_key_id"`
		PublicKeyPEM string `db:"public_key_pem"`
		ActorID      int64  `db:"actor_id"`
		LastVerified int64  `db:"last_verified"`
	}
)

const profileColumns = `p.actor_id, p.actor_uri, p.inbox_uri, p.shared_inbox, p.outbox_uri, p.public_key_id, p.public_key_pem, p.last_verified`

var ErrEmptyPublicKey = errors.New("public key is empty")

func (r *profileRow) model() *model.RemoteActorProfile {
	return &model.RemoteActorProfile{
		ActorID:      r.ActorID,
		ActorURI:     r.ActorURI,
		InboxURI:     r.InboxURI,
		SharedInbox:  r.SharedInbox,
		OutboxURI:    r.OutboxURI,
		PublicKeyID:  r.PublicKeyID,
		PublicKeyPEM: r.PublicKeyPEM,
		LastVerified: time.Unix(0, r.LastVerified).UTC(),
	}
}

// RemoteProfile returns the cached profile of the remote actor known by uri or one of its aliases.
func (db *DB) RemoteProfile(ctx context.Context, uri string) (*model.RemoteActorProfile, error) {
	const sql = `select ` + profileColumns + ` from remote_profiles p where p.actor_uri = :uri
		union all
		select ` + profileColumns + ` from remote_profiles p join actor_aliases al on al.actor_id = p.actor_id where al.uri = :uri
		limit 1`
	var row profileRow
	if err := db.get(ctx, &row, sql, map[string]any{"uri": uri}); err != nil {
		return nil, errors.Wrapf(err, "failed to get remote profile %v", uri)
	}

	return row.model(), nil
}

func (db *DB) RemoteProfileByActorID(ctx context.Context, actorID int64) (*model.RemoteActorProfile, error) {
	const sql = `select ` + profileColumns + ` from remote_profiles p where p.actor_id = :actor_id`
	var row profileRow
	if err := db.get(ctx, &row, sql, map[string]any{"actor_id": actorID}); err != nil {
		return nil, errors.Wrapf(err, "failed to get remote profile of actor %v", actorID)
	}

	return row.model(), nil
}

// UpsertRemoteProfile stores the profile of an already persisted actor, replacing the cached key and last_verified.
func (db *DB) UpsertRemoteProfile(ctx context.Context, profile *model.RemoteActorProfile) error {
	if strings.TrimSpace(profile.PublicKeyPEM) == "" {
		return errors.Wrapf(ErrEmptyPublicKey, "profile of %v", profile.ActorURI)
	}
	if profile.LastVerified.IsZero() {
		profile.LastVerified = time.Now()
	}
	const sql = `insert into remote_profiles (actor_id, actor_uri, inbox_uri, shared_inbox, outbox_uri, public_key_id, public_key_pem, last_verified)
		values (:actor_id, :actor_uri, :inbox_uri, :shared_inbox, :outbox_uri, :public_key_id, :public_key_pem, :last_verified)
		on conflict (actor_id) do update set
			inbox_uri = excluded.inbox_uri,
			shared_inbox = excluded.shared_inbox,
			outbox_uri = excluded.outbox_uri,
			public_key_id = excluded.public_key_id,
			public_key_pem = excluded.public_key_pem,
			last_verified = excluded.last_verified`
	row := profileRow{
		ActorID:      profile.ActorID,
		ActorURI:     profile.ActorURI,
		InboxURI:     profile.InboxURI,
		SharedInbox:  profile.SharedInbox,
		OutboxURI:    profile.OutboxURI,
		PublicKeyID:  profile.PublicKeyID,
		PublicKeyPEM: profile.PublicKeyPEM,
		LastVerified: profile.LastVerified.UnixNano(),
	}
	_, err := db.exec(ctx, sql, &row)

	return errors.Wrapf(err, "failed to upsert remote profile %v", profile.ActorURI)
}
