// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

func helperNewDatabase(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "federation.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func helperNewActor(t *testing.T, db *DB, uri string, local bool, actorType model.ActorType) *model.Actor {
	t.Helper()

	actor, err := db.UpsertActor(context.Background(), &model.Actor{
		URI:      uri,
		Nickname: "nick" + uuid.NewString()[:8],
		Type:     actorType,
		IsLocal:  local,
	})
	require.NoError(t, err)

	return actor
}

func helperNewActivity(actor *model.Actor, n int, createdAt time.Time, to ...string) *model.Activity {
	return &model.Activity{
		URI:       fmt.Sprintf("%v/activity/%v", actor.URI, n),
		Type:      "Create",
		ActorID:   actor.ID,
		ActorURI:  actor.URI,
		ObjectURI: fmt.Sprintf("%v/note/%v", actor.URI, n),
		To:        to,
		CreatedAt: createdAt,
	}
}
