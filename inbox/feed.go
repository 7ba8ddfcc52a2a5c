// SPDX-License-Identifier: ice License 1.0

package inbox

import (
	"context"
	"log"
	"mime"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

var ErrUnsupportedContent = errors.New("unsupported feed content")

// Consume takes content a hub pushed for sub: a single activity or a collection of them.
// Each activity must come from an actor on the topic's host. Malformed items and foreign or unresolvable actors are skipped.
// Storage failures abort the push so the hub can deliver it again; activities already stored are not dispatched twice.
func (p *Processor) Consume(ctx context.Context, sub *model.Subscription, contentType string, content []byte) error {
	if !isJSONContent(contentType) {
		return errors.Wrapf(ErrUnsupportedContent, "%q from %v", contentType, sub.Topic)
	}
	if !gjson.ValidBytes(content) {
		return errors.Wrapf(ErrUnsupportedContent, "invalid json from %v", sub.Topic)
	}
	for _, item := range feedItems(content) {
		if err := p.consumeItem(ctx, sub, []byte(item)); err != nil {
			return err
		}
	}

	return nil
}

func (p *Processor) consumeItem(ctx context.Context, sub *model.Subscription, raw []byte) error {
	activity, err := model.ParseActivity(raw)
	if err != nil {
		log.Printf("WARN: skipping feed item from %v: %v", sub.Topic, err)

		return nil
	}
	if !sameHost(activity.ActorURI, sub.Topic) || p.resolver.IsLocalURI(activity.ActorURI) {
		log.Printf("WARN: skipping feed item from %v attributed to %v", sub.Topic, activity.ActorURI)

		return nil
	}
	actor, err := p.resolver.GetOneFromURI(ctx, activity.ActorURI, true)
	if err != nil {
		if isDiscoveryFailure(err) {
			log.Printf("WARN: skipping feed item from %v: %v", sub.Topic, err)

			return nil
		}

		return errors.Wrapf(err, "failed to resolve actor %v", activity.ActorURI)
	}
	if actor.IsLocal {
		return nil
	}
	stored, saved, err := p.persist(ctx, actor, activity, raw, 0)
	if err != nil {
		return err
	}
	if stored {
		p.stats.Inc(statistics.InboxFeedAccepted)
		log.Printf("INFO: stored %v %v from feed %v", saved.Type, saved.URI, sub.Topic)
	}

	return nil
}

// feedItems returns the raw items of a collection or page, or the document itself when it is a single activity.
func feedItems(content []byte) []string {
	for _, path := range []string{"orderedItems", "items"} {
		if items := gjson.GetBytes(content, path); items.IsArray() {
			var raw []string
			items.ForEach(func(_, item gjson.Result) bool {
				if item.IsObject() {
					raw = append(raw, item.Raw)
				}

				return true
			})

			return raw
		}
	}

	return []string{string(content)}
}

func isJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case model.ContentTypeActivityJSON, "application/ld+json", "application/json":
		return true
	default:
		return false
	}
}

func sameHost(actorURI, topic string) bool {
	a, err := url.Parse(actorURI)
	if err != nil || a.Host == "" {
		return false
	}
	t, err := url.Parse(topic)
	if err != nil {
		return false
	}

	return strings.EqualFold(a.Host, t.Host)
}
