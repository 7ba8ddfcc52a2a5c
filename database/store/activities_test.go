// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

func TestStoreActivityIfAbsent(t *testing.T) {
	t.Parallel()

	db := helperNewDatabase(t)
	ctx := context.Background()
	author := helperNewActor(t, db, "https://remote.example/users/alice", false, model.ActorTypePerson)
	activity := helperNewActivity(author, 1, time.Now(), model.PublicCollection)
	activity.Cc = []string{"https://social.example/actor/1"}

	stored, saved, err := db.StoreActivityIfAbsent(ctx, activity)
	require.NoError(t, err)
	require.True(t, stored)
	require.NotZero(t, saved.ID)
	require.Equal(t, []string{model.PublicCollection}, saved.To)
	require.Equal(t, []string{"https://social.example/actor/1"}, saved.Cc)
	require.True(t, saved.IsPublic())

	duplicate := helperNewActivity(author, 1, time.Now().Add(time.Hour))
	stored, again, err := db.StoreActivityIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, saved.ID, again.ID)
	require.Equal(t, saved.CreatedAt, again.CreatedAt)

	count, err := db.CountAddressedTo(ctx, "https://social.example/actor/1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, _, err = db.StoreActivityIfAbsent(ctx, &model.Activity{ActorID: author.ID})
	require.ErrorIs(t, err, ErrMissingActivityURI)
}

func TestActivityEmptyAddressing(t *testing.T) {
	t.Parallel()

	db := helperNewDatabase(t)
	ctx := context.Background()
	author := helperNewActor(t, db, "https://remote.example/users/alice", false, model.ActorTypePerson)

	_, saved, err := db.StoreActivityIfAbsent(ctx, helperNewActivity(author, 1, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, saved.To)
	require.NotNil(t, saved.Cc)
	require.Empty(t, saved.To)
	require.False(t, saved.IsPublic())
}

func TestSelectAuthoredOrdering(t *testing.T) {
	t.Parallel()

	db := helperNewDatabase(t)
	ctx := context.Background()
	author := helperNewActor(t, db, "https://social.example/actor/1", true, model.ActorTypePerson)
	other := helperNewActor(t, db, "https://social.example/actor/2", true, model.ActorTypePerson)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, 2 * time.Minute, time.Minute, time.Minute} {
		_, _, err := db.StoreActivityIfAbsent(ctx, helperNewActivity(author, i, base.Add(offset)))
		require.NoError(t, err)
	}
	_, _, err := db.StoreActivityIfAbsent(ctx, helperNewActivity(other, 100, base))
	require.NoError(t, err)

	count, err := db.CountAuthored(ctx, author.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, count)

	activities, err := db.SelectAuthored(ctx, author.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, activities, 4)
	uris := make([]string, 0, len(activities))
	for _, activity := range activities {
		uris = append(uris, activity.URI)
	}
	require.Equal(t, []string{
		author.URI + "/activity/1",
		author.URI + "/activity/3",
		author.URI + "/activity/2",
		author.URI + "/activity/0",
	}, uris)

	window, err := db.SelectAuthored(ctx, author.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, author.URI+"/activity/2", window[0].URI)
}

func TestSelectAddressedTo(t *testing.T) {
	t.Parallel()

	db := helperNewDatabase(t)
	ctx := context.Background()
	group := helperNewActor(t, db, "https://social.example/actor/9", true, model.ActorTypeGroup)
	alice := helperNewActor(t, db, "https://remote.example/users/alice", false, model.ActorTypePerson)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := db.StoreActivityIfAbsent(ctx, helperNewActivity(alice, 1, base, group.URI))
	require.NoError(t, err)
	_, _, err = db.StoreActivityIfAbsent(ctx, helperNewActivity(alice, 2, base.Add(time.Second), model.PublicCollection))
	require.NoError(t, err)
	cc := helperNewActivity(alice, 3, base.Add(2*time.Second))
	cc.Cc = []string{group.URI}
	_, _, err = db.StoreActivityIfAbsent(ctx, cc)
	require.NoError(t, err)

	count, err := db.CountAddressedTo(ctx, group.URI)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	activities, err := db.SelectAddressedTo(ctx, group.URI, 10, 0)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	require.Equal(t, alice.URI+"/activity/3", activities[0].URI)
	require.Equal(t, alice.URI+"/activity/1", activities[1].URI)

	authored, err := db.CountAuthored(ctx, group.ID)
	require.NoError(t, err)
	require.Zero(t, authored)
}
