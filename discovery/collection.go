// SPDX-License-Identifier: ice License 1.0

package discovery

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	resolutionKind uint8
	// resolution is the outcome of one fetch: a document, or an explicit "gone" that is not an error.
	resolution struct {
		body []byte
		kind resolutionKind
	}
	// traversal is the per-call accumulator threaded through a lookup; it is never shared between calls.
	traversal struct {
		visited map[string]struct{}
		seen    map[string]struct{}
		actors  []*model.Actor
		pages   int
		dedupe  bool
	}
)

const (
	resolved resolutionKind = iota
	gone
)

func newTraversal(dedupe bool) *traversal {
	return &traversal{
		visited: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
		dedupe:  dedupe,
	}
}

// visit marks uri as fetched in this traversal; it reports false if it already was.
func (tr *traversal) visit(uri string) bool {
	if _, found := tr.visited[uri]; found {
		return false
	}
	tr.visited[uri] = struct{}{}

	return true
}

func (tr *traversal) add(actor *model.Actor) {
	if tr.dedupe {
		if _, found := tr.seen[actor.URI]; found {
			return
		}
		tr.seen[actor.URI] = struct{}{}
	}
	tr.actors = append(tr.actors, actor)
}

func (e *Explorer) fetch(ctx context.Context, uri string) (*resolution, error) {
	started := time.Now()
	resp, err := e.client.R().SetContext(ctx).Get(uri)
	e.stats.Inc(statistics.DiscoveryFetches)
	e.stats.Observe(statistics.DiscoveryFetchDuration, time.Since(started))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "GET %v", uri), ErrTransport)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusGone:
		e.stats.Inc(statistics.DiscoveryGone)
		e.markGone(ctx, uri)

		return &resolution{kind: gone}, nil
	case code < http.StatusOK || code >= http.StatusMultipleChoices:
		return nil, errors.Wrapf(ErrNoSuchActor, "GET %v: status %v", uri, code)
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, errors.Wrapf(ErrNoSuchActor, "GET %v: body is not json", uri)
	}

	return &resolution{kind: resolved, body: body}, nil
}

func isCollection(body []byte) bool {
	return model.IsCollectionType(gjson.GetBytes(body, "type").String())
}

// traverse accumulates the actors of every entry of a collection, following first and then next until next is absent.
// Pages already visited in this traversal are skipped.
func (e *Explorer) traverse(ctx context.Context, tr *traversal, uri string, body []byte, tryOnline bool) error {
	doc := gjson.ParseBytes(body)
	if id := doc.Get("id").String(); id != "" && id != uri {
		tr.visit(id)
	}
	if err := e.collectItems(ctx, tr, doc, tryOnline); err != nil {
		return err
	}
	ref := doc.Get("first")
	if !ref.Exists() {
		ref = doc.Get("next")
	}
	for ctx.Err() == nil {
		if tr.pages >= e.cfg.MaxCollectionPages {
			log.Printf("WARN: collection %v exceeds %v pages, stopping traversal", uri, e.cfg.MaxCollectionPages)

			return nil
		}
		page, err := e.page(ctx, tr, ref)
		if err != nil || !page.Exists() {
			return err
		}
		tr.pages++
		if err = e.collectItems(ctx, tr, page, tryOnline); err != nil {
			return err
		}
		ref = page.Get("next")
	}

	return errors.Mark(ctx.Err(), ErrTransport)
}

// page resolves a first/next reference: an embedded page object or a page URI to fetch.
// A missing reference or an already visited page yields an empty result.
func (e *Explorer) page(ctx context.Context, tr *traversal, ref gjson.Result) (gjson.Result, error) {
	var uri string
	switch {
	case !ref.Exists() || ref.Type == gjson.Null:
		return gjson.Result{}, nil
	case ref.IsObject():
		uri = ref.Get("id").String()
		if uri != "" && !tr.visit(uri) {
			return gjson.Result{}, nil
		}
		if ref.Get("orderedItems").Exists() || ref.Get("items").Exists() || ref.Get("next").Exists() || uri == "" {
			return ref, nil
		}
	case ref.Type == gjson.String:
		if uri = ref.String(); uri == "" || !tr.visit(uri) {
			return gjson.Result{}, nil
		}
	default:
		return gjson.Result{}, nil
	}
	res, err := e.fetch(ctx, uri)
	if err != nil {
		return gjson.Result{}, err
	}
	if res.kind == gone {
		return gjson.Result{}, nil
	}
	page := gjson.ParseBytes(res.body)
	if id := page.Get("id").String(); id != "" && id != uri {
		tr.visit(id)
	}

	return page, nil
}

func (e *Explorer) collectItems(ctx context.Context, tr *traversal, doc gjson.Result, tryOnline bool) error {
	items := doc.Get("orderedItems")
	if !items.Exists() {
		items = doc.Get("items")
	}
	if !items.Exists() || items.Type == gjson.Null {
		return nil
	}
	entries := []gjson.Result{items}
	if items.IsArray() {
		entries = items.Array()
	}
	for _, entry := range entries {
		uri := model.ReferenceID(json.RawMessage(entry.Raw))
		if uri == "" {
			continue
		}
		if err := e.lookup(ctx, tr, uri, tryOnline); err != nil {
			if errors.Is(err, ErrNoSuchActor) {
				log.Printf("WARN: skipping collection entry %v: %v", uri, err)

				continue
			}

			return err
		}
	}

	return nil
}
