// SPDX-License-Identifier: ice License 1.0

package http

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/someonewithpc/gnusocial-sub003/websub"
)

type (
	intentVerification struct {
		Mode         string `form:"hub.mode"`
		Topic        string `form:"hub.topic"`
		Challenge    string `form:"hub.challenge"`
		VerifyToken  string `form:"hub.verify_token"`
		Reason       string `form:"hub.reason"`
		LeaseSeconds int64  `form:"hub.lease_seconds"`
	}
	hubRequest struct {
		Mode         string `form:"hub.mode"`
		Callback     string `form:"hub.callback"`
		Topic        string `form:"hub.topic"`
		Secret       string `form:"hub.secret"`
		LeaseSeconds int64  `form:"hub.lease_seconds"`
	}
)

// VerifyIntent answers a hub confirming one of our (un)subscriptions by echoing hub.challenge.
// Anything we did not ask for is answered with 404.
func (r *Routes) VerifyIntent() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		id, err := strconv.ParseInt(gCtx.Param("id"), 10, 64)
		if err != nil {
			gCtx.Status(http.StatusNotFound)

			return
		}
		var req intentVerification
		if err = gCtx.ShouldBindQuery(&req); err != nil {
			gCtx.Status(http.StatusBadRequest)

			return
		}
		if req.Mode == websub.ModeDenied && req.Reason != "" {
			log.Printf("WARN: hub denied subscription %v to %v: %v", id, req.Topic, req.Reason)
		}
		challenge, err := r.deps.WebSub.VerifyIntent(gCtx.Request.Context(), id, req.Mode, req.Topic, req.Challenge, req.VerifyToken, req.LeaseSeconds)
		switch {
		case err == nil:
			gCtx.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(challenge))
		case errors.Is(err, websub.ErrSubscriptionNotFound), errors.Is(err, websub.ErrIntentMismatch), errors.Is(err, websub.ErrInvalidRequest):
			log.Printf("WARN: refusing websub verification for %v: %v", id, err)
			gCtx.Status(http.StatusNotFound)
		default:
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to verify websub intent for %v", id))
			gCtx.Status(http.StatusInternalServerError)
		}
	}
}

// ReceivePush always answers 200 so hubs do not retry content we refused on purpose.
func (r *Routes) ReceivePush() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		id, err := strconv.ParseInt(gCtx.Param("id"), 10, 64)
		if err != nil {
			gCtx.Status(http.StatusOK)

			return
		}
		body, ok := r.readBody(gCtx)
		if !ok {
			return
		}
		err = r.deps.WebSub.Push(gCtx.Request.Context(), id, gCtx.GetHeader("Content-Type"), body, gCtx.GetHeader(websub.HeaderHubSignature))
		switch {
		case err == nil, errors.Is(err, websub.ErrAlreadyFulfilled):
		case errors.Is(err, websub.ErrSubscriptionNotFound), errors.Is(err, websub.ErrInvalidSignature),
			errors.Is(err, websub.ErrNoConsumer):
			log.Printf("WARN: ignoring websub push for %v: %v", id, err)
		default:
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to handle websub push for %v", id))
		}
		gCtx.Status(http.StatusOK)
	}
}

// Hub takes subscribe and unsubscribe requests for topics published by this instance.
func (r *Routes) Hub() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		var req hubRequest
		if err := gCtx.ShouldBindWith(&req, binding.Form); err != nil {
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "invalid hub request"})

			return
		}
		if !strings.HasPrefix(req.Topic, r.cfg.BaseURL+"/") {
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "topic is not published here"})

			return
		}
		var err error
		switch req.Mode {
		case websub.ModeSubscribe:
			_, err = r.deps.WebSub.HubSubscribe(gCtx.Request.Context(), req.Callback, req.Topic, req.Secret, req.LeaseSeconds)
		case websub.ModeUnsubscribe:
			err = r.deps.WebSub.HubUnsubscribe(gCtx.Request.Context(), req.Callback, req.Topic)
		default:
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported hub.mode"})

			return
		}
		switch {
		case err == nil:
			gCtx.Status(http.StatusAccepted)
		case errors.Is(err, websub.ErrInvalidRequest), errors.Is(err, websub.ErrIntentNotVerified):
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, websub.ErrSubscriptionNotFound):
			gCtx.JSON(http.StatusNotFound, errorResponse{Error: "no such subscription"})
		default:
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to %v %v to %v", req.Mode, req.Callback, req.Topic))
			gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
	}
}

func (r *Routes) Metrics() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		gCtx.JSON(http.StatusOK, r.deps.Stats.Snapshot())
	}
}
