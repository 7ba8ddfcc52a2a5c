// SPDX-License-Identifier: ice License 1.0

package http

import (
	"log"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/outbox"
)

// KeyID is the id under which a local actor's public key is published and requests are signed.
func KeyID(actor *model.Actor) string {
	return actor.URI + "#main-key"
}

// ActorDocument publishes a local actor with the public key remote instances verify our signatures against.
func (r *Routes) ActorDocument() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		actor, ok := r.localActor(gCtx)
		if !ok {
			return
		}
		publicKeyPEM, err := r.deps.Keys.PublicKeyPEM(gCtx.Request.Context(), actor)
		if err != nil {
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to publish key of %v", actor.URI))
			gCtx.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})

			return
		}
		actorType := actor.Type
		if actorType == "" {
			actorType = model.ActorTypePerson
		}
		writeActivityJSON(gCtx, &model.ActorDocument{
			Context:           []string{model.ActivityStreams, model.SecurityV1},
			ID:                actor.URI,
			Type:              string(actorType),
			PreferredUsername: actor.Nickname,
			Inbox:             actor.URI + "/inbox.json",
			Outbox:            outbox.URI(actor),
			Endpoints:         &model.ActorEndpoint{SharedInbox: r.cfg.BaseURL + "/inbox.json"},
			PublicKey: model.PublicKey{
				ID:           KeyID(actor),
				Owner:        actor.URI,
				PublicKeyPem: publicKeyPEM,
			},
		})
	}
}
