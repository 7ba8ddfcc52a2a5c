// SPDX-License-Identifier: ice License 1.0

package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	Config struct {
		PageSize int64 `yaml:"pageSize" mapstructure:"pageSize"`
	}
	// Storage is the read side of the activity store the paginator relies on.
	Storage interface {
		CountAuthored(ctx context.Context, actorID int64) (int64, error)
		SelectAuthored(ctx context.Context, actorID, limit, offset int64) ([]*model.Activity, error)
		CountAddressedTo(ctx context.Context, uri string) (int64, error)
		SelectAddressedTo(ctx context.Context, uri string, limit, offset int64) ([]*model.Activity, error)
	}
	Paginator struct {
		storage  Storage
		pageSize int64
	}
	activityItem struct {
		Object    json.RawMessage `json:"object,omitempty"`
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Actor     string          `json:"actor"`
		Published string          `json:"published"`
		To        []string        `json:"to"`
		Cc        []string        `json:"cc"`
	}
)

const DefaultPageSize = 20

var ErrInvalidPage = errors.New("invalid page")

func New(cfg *Config, storage Storage) *Paginator {
	size := cfg.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	return &Paginator{storage: storage, pageSize: size}
}

// URI is the outbox collection of a local actor.
func URI(actor *model.Actor) string {
	return actor.URI + "/outbox.json"
}

func pageURI(outbox string, n int64) string {
	return outbox + "?page=" + strconv.FormatInt(n, 10)
}

// Page renders page n of the actor's outbox. Page 0 is the collection summary, pages from 1 hold the items newest first.
// Pages are 1-indexed windows: page n holds items [(n-1)*size, n*size), so next is set while n*size < totalItems.
// Groups list what was addressed to them, everyone else lists what they authored.
func (p *Paginator) Page(ctx context.Context, actor *model.Actor, n int64) (*model.OrderedCollection, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidPage, "%v", n)
	}
	total, err := p.count(ctx, actor)
	if err != nil {
		return nil, err
	}
	outbox := URI(actor)
	if n == 0 {
		return &model.OrderedCollection{
			Context:    model.ActivityStreams,
			ID:         outbox,
			Type:       model.CollectionTypeOrderedCollection,
			TotalItems: total,
			First:      pageURI(outbox, 1),
		}, nil
	}
	activities, err := p.window(ctx, actor, (n-1)*p.pageSize)
	if err != nil {
		return nil, err
	}
	page := &model.OrderedCollection{
		Context:    model.ActivityStreams,
		ID:         pageURI(outbox, n),
		Type:       model.CollectionTypeOrderedCollectionPage,
		TotalItems: total,
		PartOf:     outbox,
		Items:      make([]json.RawMessage, 0, len(activities)),
	}
	for _, activity := range activities {
		item, iErr := render(activity)
		if iErr != nil {
			return nil, iErr
		}
		page.Items = append(page.Items, item)
	}
	if n*p.pageSize < total {
		page.Next = pageURI(outbox, n+1)
	}
	if n > 1 {
		page.Prev = pageURI(outbox, n-1)
	}

	return page, nil
}

func (p *Paginator) count(ctx context.Context, actor *model.Actor) (int64, error) {
	var (
		total int64
		err   error
	)
	if actor.IsGroup() {
		total, err = p.storage.CountAddressedTo(ctx, actor.URI)
	} else {
		total, err = p.storage.CountAuthored(ctx, actor.ID)
	}

	return total, errors.Wrapf(err, "failed to count outbox of %v", actor.URI)
}

func (p *Paginator) window(ctx context.Context, actor *model.Actor, offset int64) ([]*model.Activity, error) {
	var (
		activities []*model.Activity
		err        error
	)
	if actor.IsGroup() {
		activities, err = p.storage.SelectAddressedTo(ctx, actor.URI, p.pageSize, offset)
	} else {
		activities, err = p.storage.SelectAuthored(ctx, actor.ID, p.pageSize, offset)
	}

	return activities, errors.Wrapf(err, "failed to select outbox of %v", actor.URI)
}

// render prefers the activity exactly as it was received.
func render(activity *model.Activity) (json.RawMessage, error) {
	if len(activity.Raw) > 0 {
		return activity.Raw, nil
	}
	item := activityItem{
		ID:        activity.URI,
		Type:      activity.Type,
		Actor:     activity.ActorURI,
		Published: activity.CreatedAt.UTC().Format(time.RFC3339),
		To:        activity.To,
		Cc:        activity.Cc,
		Object:    activity.Object,
	}
	if len(item.Object) == 0 && activity.ObjectURI != "" {
		item.Object, _ = json.Marshal(activity.ObjectURI)
	}
	b, err := json.Marshal(item)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render activity %v", activity.URI)
	}

	return b, nil
}
