// SPDX-License-Identifier: ice License 1.0

package http

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/outbox"
)

var errUnauthorized = errors.New("request is not signed by the outbox owner")

func (r *Routes) Outbox() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		actor, ok := r.localActor(gCtx)
		if !ok {
			return
		}
		var page int64
		if raw := gCtx.Query("page"); raw != "" {
			var err error
			if page, err = strconv.ParseInt(raw, 10, 64); err != nil {
				gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "invalid page"})

				return
			}
		}
		collection, err := r.deps.Outbox.Page(gCtx.Request.Context(), actor, page)
		if errors.Is(err, outbox.ErrInvalidPage) {
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "invalid page"})

			return
		}
		if err != nil {
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to render page %v of %v outbox", page, actor.URI))
			gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

			return
		}
		gCtx.Header("Link", fmt.Sprintf(`<%v>; rel="hub", <%v>; rel="self"`, r.deps.WebSub.HubURL(), outbox.URI(actor)))
		writeActivityJSON(gCtx, collection)
	}
}

// PostToOutbox publishes an activity of a local actor. The request must be signed with that actor's own key.
func (r *Routes) PostToOutbox() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		actor, ok := r.localActor(gCtx)
		if !ok {
			return
		}
		body, ok := r.readBody(gCtx)
		if !ok {
			return
		}
		if err := r.authorizeOwner(gCtx.Request, actor, body); err != nil {
			if !errors.Is(err, errUnauthorized) {
				log.Printf("ERROR:%v", err)
				gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

				return
			}
			log.Printf("WARN: refusing post to %v outbox: %v", actor.URI, err)
			gCtx.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})

			return
		}
		activity, queued, err := r.deps.Publisher.Post(gCtx.Request.Context(), actor, body)
		switch {
		case err == nil:
		case activity != nil:
			log.Printf("ERROR:%v", err)
		case errors.Is(err, model.ErrMalformed), errors.Is(err, model.ErrMissingActor), errors.Is(err, model.ErrMissingField),
			errors.Is(err, outbox.ErrForeignActivity):
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

			return
		default:
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to publish for %v", actor.URI))
			gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

			return
		}
		log.Printf("INFO: %v posted %v, %v pushes queued", actor.URI, activity.URI, queued)
		gCtx.Header("Location", activity.URI)
		gCtx.Status(http.StatusCreated)
	}
}

func (r *Routes) authorizeOwner(req *http.Request, actor *model.Actor, body []byte) error {
	raw := httpsig.FromRequest(req.Header)
	if raw == "" {
		return errors.Wrap(errUnauthorized, "missing signature")
	}
	fields, err := httpsig.ParseSignatureHeader(raw)
	if err != nil {
		return errors.Mark(err, errUnauthorized)
	}
	if fields.KeyID != KeyID(actor) {
		return errors.Wrapf(errUnauthorized, "key %v", fields.KeyID)
	}
	key, err := r.deps.Keys.PublicKey(req.Context(), actor)
	if err != nil {
		return errors.Wrapf(err, "failed to load key of %v", actor.URI)
	}
	if ok, _ := httpsig.Verify(key, fields, req.Header, req.Method, req.Host, httpsig.RequestPath(req), body); !ok {
		return errors.Wrap(errUnauthorized, "signature mismatch")
	}

	return nil
}

func writeActivityJSON(gCtx *gin.Context, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to serialize %T", doc))
		gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

		return
	}
	gCtx.Data(http.StatusOK, model.ContentTypeActivityJSON, body)
}
