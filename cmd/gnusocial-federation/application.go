// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"log"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/someonewithpc/gnusocial-sub003/cfg"
	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/discovery"
	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/inbox"
	"github.com/someonewithpc/gnusocial-sub003/keystore"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/outbox"
	"github.com/someonewithpc/gnusocial-sub003/server"
	httpserver "github.com/someonewithpc/gnusocial-sub003/server/http"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
	"github.com/someonewithpc/gnusocial-sub003/websub"
)

type (
	settings struct {
		Server        server.Config
		HTTP          httpserver.Config
		Store         store.Config
		Statistics    statistics.Config
		Discovery     discovery.Config
		Outbox        outbox.Config
		WebSub        websub.Config
		BaseURL       string
		InstanceActor string
	}
	application struct {
		db        *store.DB
		keys      *keystore.KeyStore
		explorer  *discovery.Explorer
		inbox     *inbox.Processor
		outbox    *outbox.Paginator
		publisher *outbox.Publisher
		websub    *websub.Manager
		stats     statistics.Statistics
		routes    *httpserver.Routes
	}
	// logDispatcher records who an accepted activity is meant for.
	logDispatcher struct{}
)

// loadSettings reads every section from the configuration file; a non-empty baseURL overrides the configured one everywhere.
func loadSettings(configFile, baseURL string) *settings {
	if configFile != "" {
		cfg.MustInit(configFile)
	} else {
		cfg.MustInit()
	}
	s := &settings{
		Server:     *cfg.MustGet[server.Config](),
		HTTP:       *cfg.MustGet[httpserver.Config](),
		Store:      *cfg.MustGet[store.Config](),
		Statistics: *cfg.MustGet[statistics.Config](),
		Discovery:  *cfg.MustGet[discovery.Config](),
		Outbox:     *cfg.MustGet[outbox.Config](),
		WebSub:     *cfg.MustGet[websub.Config](),
		BaseURL:    baseURL,
	}
	s.applyBaseURL()

	return s
}

func (s *settings) applyBaseURL() {
	if s.BaseURL == "" {
		s.BaseURL = s.Discovery.BaseURL
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.Discovery.BaseURL = s.BaseURL
	s.HTTP.BaseURL = s.BaseURL
	if s.WebSub.CallbackBaseURL == "" {
		s.WebSub.CallbackBaseURL = s.BaseURL
	}
}

func newApplication(ctx context.Context, s *settings) (app *application, err error) {
	s.applyBaseURL()
	db, err := store.Open(s.Store.Path)
	if err != nil {
		return nil, err
	}
	app = &application{db: db, keys: keystore.New(db), stats: statistics.New(s.Statistics.File, s.Statistics.FlushInterval)}
	defer func() {
		if err != nil {
			err = multierror.Append(err, app.close(ctx))
		}
	}()
	signer, err := app.signer(ctx, s.InstanceActor)
	if err != nil {
		return nil, err
	}
	if app.explorer, err = discovery.New(&s.Discovery, db, discovery.WithSigner(signer), discovery.WithStatistics(app.stats)); err != nil {
		return nil, err
	}
	app.keys.UseRefresher(app.explorer)
	app.inbox = inbox.New(app.explorer, app.keys, db, inbox.WithStatistics(app.stats), inbox.WithDispatchers(logDispatcher{}))
	app.outbox = outbox.New(&s.Outbox, db)
	app.websub, err = websub.New(&s.WebSub, db,
		websub.WithSigner(signer),
		websub.WithStatistics(app.stats),
		websub.WithConsumer(app.inbox),
	)
	if err != nil {
		return nil, err
	}
	app.publisher = outbox.NewPublisher(db, app.websub, app.stats)
	app.routes = httpserver.NewRoutes(&s.HTTP, &httpserver.Dependencies{
		Actors:    db,
		Keys:      app.keys,
		Inbox:     app.inbox,
		Outbox:    app.outbox,
		Publisher: app.publisher,
		WebSub:    app.websub,
		Stats:     app.stats,
	})

	return app, nil
}

// signer signs outbound requests as the named local actor; without one, requests go out unsigned.
func (a *application) signer(ctx context.Context, nickname string) (*httpsig.Signer, error) {
	if nickname == "" {
		return nil, nil
	}
	actor, err := a.db.LocalActorByNickname(ctx, nickname)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("WARN: instance actor %q does not exist, outbound requests will not be signed", nickname)

		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load instance actor %v", nickname)
	}
	key, err := a.keys.KeyPair(ctx, actor)
	if err != nil {
		return nil, err
	}

	return httpsig.NewSigner(httpserver.KeyID(actor), key), nil
}

func (a *application) start(ctx context.Context) {
	a.websub.Start(ctx)
}

func (a *application) close(context.Context) error {
	var mErr *multierror.Error
	if a.websub != nil {
		if err := a.websub.Stop(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := a.stats.Close(); err != nil {
		mErr = multierror.Append(mErr, errors.Wrap(err, "failed to close statistics"))
	}
	if err := a.db.Close(); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	return mErr.ErrorOrNil()
}

func (logDispatcher) Notify(_ context.Context, _ *model.Actor, activity *model.Activity, targets []int64, reason string) error {
	log.Printf("INFO: %v (%v) for local actors %v", reason, activity.URI, targets)

	return nil
}
