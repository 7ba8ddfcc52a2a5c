// SPDX-License-Identifier: ice License 1.0

package outbox

import (
	"context"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	ActivityWriter interface {
		StoreActivityIfAbsent(ctx context.Context, activity *model.Activity) (bool, *model.Activity, error)
	}
	// Hub fans content out to the subscribers of a topic published here.
	Hub interface {
		Publish(ctx context.Context, topic, contentType string, content []byte) (int, error)
	}
	// Publisher records activities authored by local actors and announces them on their outbox topic.
	Publisher struct {
		activities ActivityWriter
		hub        Hub
		stats      statistics.Statistics
	}
)

var (
	ErrNotLocal        = errors.New("actor is not local")
	ErrForeignActivity = errors.New("activity is attributed to another actor")
)

func NewPublisher(activities ActivityWriter, hub Hub, stats statistics.Statistics) *Publisher {
	if stats == nil {
		stats = statistics.NewNoop()
	}

	return &Publisher{activities: activities, hub: hub, stats: stats}
}

// Post stores raw as an activity of the local actor and pushes it to the subscribers of the actor's outbox.
// An activity without id is named under the actor. One already stored is returned as is and not pushed again.
func (p *Publisher) Post(ctx context.Context, actor *model.Actor, raw []byte) (*model.Activity, int, error) {
	if !actor.IsLocal {
		return nil, 0, errors.Wrapf(ErrNotLocal, "%v", actor.URI)
	}
	activity, err := model.ParseActivity(raw)
	if err != nil {
		return nil, 0, err
	}
	if activity.ActorURI != actor.URI {
		return nil, 0, errors.Wrapf(ErrForeignActivity, "%v posting as %v", actor.URI, activity.ActorURI)
	}
	if activity.URI == "" {
		activity.URI = actor.URI + "/activity/" + uuid.NewString()
		activity.Raw = nil
	}
	activity.ActorID = actor.ID
	stored, saved, err := p.activities.StoreActivityIfAbsent(ctx, activity)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to store activity %v", activity.URI)
	}
	if !stored {
		return saved, 0, nil
	}
	p.stats.Inc(statistics.OutboxPublished)
	content, err := render(saved)
	if err != nil {
		return saved, 0, err
	}
	queued, err := p.hub.Publish(ctx, URI(actor), model.ContentTypeActivityJSON, content)
	if err != nil {
		return saved, 0, errors.Wrapf(err, "failed to announce %v", saved.URI)
	}
	log.Printf("INFO: %v published %v to %v subscribers", actor.URI, saved.URI, queued)

	return saved, queued, nil
}
