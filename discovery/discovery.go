// SPDX-License-Identifier: ice License 1.0

package discovery

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	Config struct {
		BaseURL            string        `yaml:"baseUrl" mapstructure:"baseUrl"`
		UserAgent          string        `yaml:"userAgent" mapstructure:"userAgent"`
		HTTPTimeout        time.Duration `yaml:"httpTimeout" mapstructure:"httpTimeout"`
		MaxCollectionPages int           `yaml:"maxCollectionPages" mapstructure:"maxCollectionPages"`
		DedupeCollections  bool          `yaml:"dedupeCollections" mapstructure:"dedupeCollections"`
	}
	// Storage is the actor and profile cache discovery reads from and persists into.
	Storage interface {
		UpsertActor(ctx context.Context, actor *model.Actor) (*model.Actor, error)
		ActorByURI(ctx context.Context, uri string) (*model.Actor, error)
		ActorByID(ctx context.Context, id int64) (*model.Actor, error)
		LocalActorByNickname(ctx context.Context, nickname string) (*model.Actor, error)
		AddAlias(ctx context.Context, actorID int64, uri string) error
		MarkInactive(ctx context.Context, uri string) error
		RemoteProfile(ctx context.Context, uri string) (*model.RemoteActorProfile, error)
		UpsertRemoteProfile(ctx context.Context, profile *model.RemoteActorProfile) error
	}
	Explorer struct {
		storage    Storage
		stats      statistics.Statistics
		client     *resty.Client
		httpClient *http.Client
		signer     *httpsig.Signer
		base       *url.URL
		cfg        Config
	}
	Option func(*Explorer)
)

const (
	defaultHTTPTimeout        = 10 * time.Second
	defaultMaxCollectionPages = 1000
	defaultUserAgent          = "gnusocial-federation"
	acceptHeader              = model.ContentTypeActivityJSON + ", " + model.ContentTypeLDJSON
)

var (
	ErrNoSuchActor    = errors.New("no such actor")
	ErrAmbiguousActor = errors.New("ambiguous actor")
	ErrTransport      = errors.New("transport failure")
)

// WithSigner signs every outbound fetch with the instance actor's key.
func WithSigner(signer *httpsig.Signer) Option {
	return func(e *Explorer) {
		e.signer = signer
	}
}

func WithStatistics(stats statistics.Statistics) Option {
	return func(e *Explorer) {
		if stats != nil {
			e.stats = stats
		}
	}
}

// WithHTTPClient replaces the transport; tests point it at httptest servers.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Explorer) {
		e.httpClient = client
	}
}

func New(cfg *Config, storage Storage, opts ...Option) (*Explorer, error) {
	e := &Explorer{storage: storage, stats: statistics.NewNoop(), cfg: *cfg}
	if e.cfg.HTTPTimeout <= 0 {
		e.cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if e.cfg.MaxCollectionPages <= 0 {
		e.cfg.MaxCollectionPages = defaultMaxCollectionPages
	}
	if e.cfg.UserAgent == "" {
		e.cfg.UserAgent = defaultUserAgent
	}
	base, err := url.Parse(strings.TrimRight(e.cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, errors.Errorf("invalid instance base url `%v`", e.cfg.BaseURL)
	}
	e.base = base
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient != nil {
		e.client = resty.NewWithClient(e.httpClient)
	} else {
		e.client = resty.New()
	}
	e.client.
		SetTimeout(e.cfg.HTTPTimeout).
		SetHeader("Accept", acceptHeader).
		SetHeader("User-Agent", e.cfg.UserAgent)
	if e.signer != nil {
		e.client.SetPreRequestHook(e.signer.PreRequestHook)
	}

	return e, nil
}

// IsLocalURI reports whether uri points at this instance's host.
func (e *Explorer) IsLocalURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}

	return strings.EqualFold(parsed.Host, e.base.Host)
}

// ActorURI is the canonical URI of the local actor with the given id.
func (e *Explorer) ActorURI(id int64) string {
	return e.base.String() + "/actor/" + strconv.FormatInt(id, 10)
}

// Lookup resolves uri to zero or more actors, in order: local path, cached profile, network.
// An actor deleted upstream (410), fetched now or remembered as inactive, resolves to an empty list without error.
func (e *Explorer) Lookup(ctx context.Context, uri string, tryOnline bool) ([]*model.Actor, error) {
	tr := newTraversal(e.cfg.DedupeCollections)
	if err := e.lookup(ctx, tr, uri, tryOnline); err != nil {
		return nil, err
	}

	return tr.actors, nil
}

// GetOneFromURI requires Lookup to yield exactly one actor.
func (e *Explorer) GetOneFromURI(ctx context.Context, uri string, tryOnline bool) (*model.Actor, error) {
	actors, err := e.Lookup(ctx, uri, tryOnline)
	if err != nil {
		return nil, err
	}
	switch len(actors) {
	case 0:
		return nil, errors.Wrapf(ErrNoSuchActor, "%v resolved to nothing", uri)
	case 1:
		return actors[0], nil
	default:
		return nil, errors.Wrapf(ErrAmbiguousActor, "%v resolved to %v actors", uri, len(actors))
	}
}

// Refresh fetches the actor document at uri from the network, bypassing the cache, and stores the new profile.
func (e *Explorer) Refresh(ctx context.Context, uri string) (*model.RemoteActorProfile, error) {
	if e.IsLocalURI(uri) {
		return nil, errors.Wrapf(ErrNoSuchActor, "%v is local", uri)
	}
	res, err := e.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	if res.kind == gone {
		return nil, errors.Wrapf(ErrNoSuchActor, "%v is gone", uri)
	}
	_, profile, err := e.persist(ctx, uri, res.body)

	return profile, err
}

func (e *Explorer) lookup(ctx context.Context, tr *traversal, uri string, tryOnline bool) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return errors.Wrap(ErrNoSuchActor, "empty uri")
	}
	if e.IsLocalURI(uri) {
		actor, err := e.resolveLocal(ctx, uri)
		if err != nil {
			return err
		}
		tr.add(actor)

		return nil
	}
	if actor, err := e.cached(ctx, uri); err != nil || actor != nil {
		if actor != nil && actor.IsActive {
			tr.add(actor)
		}

		return err
	}
	if !tryOnline {
		return errors.Wrapf(ErrNoSuchActor, "%v is not cached", uri)
	}
	if !tr.visit(uri) {
		return nil
	}
	res, err := e.fetch(ctx, uri)
	if err != nil {
		return err
	}
	if res.kind == gone {
		return nil
	}
	if isCollection(res.body) {
		return e.traverse(ctx, tr, uri, res.body, tryOnline)
	}
	actor, _, err := e.persist(ctx, uri, res.body)
	if err != nil {
		return err
	}
	tr.add(actor)

	return nil
}

// resolveLocal handles /actor/{id}, /actor/{nickname} and /@{nickname} without any network call.
func (e *Explorer) resolveLocal(ctx context.Context, uri string) (*model.Actor, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(ErrNoSuchActor, "invalid uri %v", uri)
	}
	path := strings.Trim(parsed.Path, "/")
	var actor *model.Actor
	switch {
	case strings.HasPrefix(path, "actor/") && !strings.Contains(path[len("actor/"):], "/"):
		ref := path[len("actor/"):]
		if id, pErr := strconv.ParseInt(ref, 10, 64); pErr == nil {
			actor, err = e.storage.ActorByID(ctx, id)
			if err == nil && !actor.IsLocal {
				err = store.ErrNotFound
			}
		} else {
			actor, err = e.storage.LocalActorByNickname(ctx, ref)
		}
	case strings.HasPrefix(path, "@") && !strings.Contains(path, "/"):
		actor, err = e.storage.LocalActorByNickname(ctx, path[1:])
	default:
		actor, err = e.storage.ActorByURI(ctx, uri)
		if err == nil && !actor.IsLocal {
			err = store.ErrNotFound
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrNoSuchActor, "no local actor at %v", uri)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve local actor %v", uri)
	}

	return actor, nil
}

func (e *Explorer) cached(ctx context.Context, uri string) (*model.Actor, error) {
	profile, err := e.storage.RemoteProfile(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cached profile of %v", uri)
	}
	actor, err := e.storage.ActorByID(ctx, profile.ActorID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cached actor of %v", uri)
	}

	return actor, nil
}

// persist validates an actor document and stores the actor with its profile.
// A document whose id differs from the requested uri also records uri as an alias.
func (e *Explorer) persist(ctx context.Context, uri string, body []byte) (*model.Actor, *model.RemoteActorProfile, error) {
	doc, err := model.ParseActorDocument(body)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrNoSuchActor, "%v: %v", uri, err)
	}
	if e.IsLocalURI(doc.ID) {
		return nil, nil, errors.Wrapf(ErrNoSuchActor, "remote document %v claims local id %v", uri, doc.ID)
	}
	actor, err := e.storage.UpsertActor(ctx, doc.Actor())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to persist actor %v", doc.ID)
	}
	if actor.IsLocal {
		return nil, nil, errors.Wrapf(ErrNoSuchActor, "%v collides with a local actor", doc.ID)
	}
	profile := doc.Profile()
	profile.ActorID = actor.ID
	profile.LastVerified = time.Now()
	if err = e.storage.UpsertRemoteProfile(ctx, profile); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to persist profile %v", doc.ID)
	}
	if doc.ID != uri {
		if err = e.storage.AddAlias(ctx, actor.ID, uri); err != nil {
			return nil, nil, err
		}
	}

	return actor, profile, nil
}

func (e *Explorer) markGone(ctx context.Context, uri string) {
	if err := e.storage.MarkInactive(ctx, uri); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("WARN: %v", errors.Wrapf(err, "failed to mark %v inactive", uri))
	}
}
