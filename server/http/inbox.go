// SPDX-License-Identifier: ice License 1.0

package http

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/inbox"
)

// Inbox serves both the per-actor inbox and the shared one; the latter has no recipient.
func (r *Routes) Inbox() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		var recipientID int64
		if gCtx.Param("id") != "" {
			actor, ok := r.localActor(gCtx)
			if !ok {
				return
			}
			recipientID = actor.ID
		}
		body, ok := r.readBody(gCtx)
		if !ok {
			return
		}
		req := gCtx.Request
		out := r.deps.Inbox.Process(req.Context(), &inbox.Delivery{
			Headers:     req.Header,
			Method:      req.Method,
			Host:        req.Host,
			Path:        httpsig.RequestPath(req),
			Body:        body,
			RecipientID: recipientID,
		})
		if out.Payload == nil {
			gCtx.Status(out.Status)

			return
		}
		gCtx.JSON(out.Status, out.Payload)
	}
}

func (r *Routes) readBody(gCtx *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(gCtx.Writer, gCtx.Request.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		if maxErr := new(http.MaxBytesError); errors.As(err, &maxErr) {
			gCtx.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
		} else {
			gCtx.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		}

		return nil, false
	}

	return body, true
}
