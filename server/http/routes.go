// SPDX-License-Identifier: ice License 1.0

package http

import (
	"context"
	"crypto"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/inbox"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	Config struct {
		BaseURL      string `yaml:"baseUrl" mapstructure:"baseUrl"`
		MaxBodyBytes int64  `yaml:"maxBodyBytes" mapstructure:"maxBodyBytes"`
	}
	Actors interface {
		ActorByID(ctx context.Context, id int64) (*model.Actor, error)
	}
	PublicKeys interface {
		PublicKey(ctx context.Context, actor *model.Actor) (crypto.PublicKey, error)
		PublicKeyPEM(ctx context.Context, actor *model.Actor) (string, error)
	}
	InboxProcessor interface {
		Process(ctx context.Context, delivery *inbox.Delivery) *inbox.Outcome
	}
	OutboxPaginator interface {
		Page(ctx context.Context, actor *model.Actor, n int64) (*model.OrderedCollection, error)
	}
	OutboxPublisher interface {
		Post(ctx context.Context, actor *model.Actor, raw []byte) (*model.Activity, int, error)
	}
	WebSub interface {
		VerifyIntent(ctx context.Context, id int64, mode, topic, challenge, verifyToken string, leaseSeconds int64) (string, error)
		Push(ctx context.Context, id int64, contentType string, content []byte, signature string) error
		HubSubscribe(ctx context.Context, callback, topic, secret string, leaseSeconds int64) (*model.HubSubscriber, error)
		HubUnsubscribe(ctx context.Context, callback, topic string) error
		HubURL() string
	}
	Dependencies struct {
		Actors    Actors
		Keys      PublicKeys
		Inbox     InboxProcessor
		Outbox    OutboxPaginator
		Publisher OutboxPublisher
		WebSub    WebSub
		Stats     statistics.Statistics
	}
	// Routes exposes the federation endpoints of one instance.
	Routes struct {
		deps Dependencies
		cfg  Config
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

const defaultMaxBodyBytes = 1 << 20

func NewRoutes(cfg *Config, deps *Dependencies) *Routes {
	r := &Routes{cfg: *cfg, deps: *deps}
	r.cfg.BaseURL = strings.TrimRight(r.cfg.BaseURL, "/")
	if r.cfg.MaxBodyBytes <= 0 {
		r.cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if r.deps.Stats == nil {
		r.deps.Stats = statistics.NewNoop()
	}

	return r
}

func (r *Routes) RegisterRoutes(router *gin.Engine) {
	router.
		GET("/actor/:id", r.ActorDocument()).
		POST("/actor/:id/inbox.json", r.Inbox()).
		POST("/inbox.json", r.Inbox()).
		GET("/actor/:id/outbox.json", r.Outbox()).
		POST("/actor/:id/outbox.json", r.PostToOutbox()).
		GET("/websub/callback/:id", r.VerifyIntent()).
		POST("/websub/callback/:id", r.ReceivePush()).
		POST("/websub/hub", r.Hub()).
		GET("/metrics", r.Metrics())
}

// localActor resolves the :id path parameter, answering 404 itself when there is no such local actor.
func (r *Routes) localActor(gCtx *gin.Context) (*model.Actor, bool) {
	id, err := strconv.ParseInt(gCtx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		gCtx.JSON(http.StatusNotFound, errorResponse{Error: "no such actor"})

		return nil, false
	}
	actor, err := r.deps.Actors.ActorByID(gCtx.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !actor.IsLocal) {
		gCtx.JSON(http.StatusNotFound, errorResponse{Error: "no such actor"})

		return nil, false
	}
	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to load actor %v", id))
		gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

		return nil, false
	}

	return actor, true
}
