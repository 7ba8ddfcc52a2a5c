// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

type (
	ActorDocument struct {
		Context           any            `json:"@context"`
		ID                string         `json:"id"`
		Type              string         `json:"type"`
		PreferredUsername string         `json:"preferredUsername"`
		Name              string         `json:"name,omitempty"`
		Inbox             string         `json:"inbox"`
		Outbox            string         `json:"outbox,omitempty"`
		Followers         string         `json:"followers,omitempty"`
		Following         string         `json:"following,omitempty"`
		Endpoints         *ActorEndpoint `json:"endpoints,omitempty"`
		PublicKey         PublicKey      `json:"publicKey"`
	}
	ActorEndpoint struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	}
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	}
)

// ParseActorDocument decodes a remote actor representation and checks the fields persistence relies on.
func ParseActorDocument(raw []byte) (*ActorDocument, error) {
	var doc ActorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if !IsActorType(doc.Type) {
		return nil, errors.Wrapf(ErrNotAnActor, "type %q", doc.Type)
	}
	switch {
	case doc.ID == "":
		return nil, errors.Wrap(ErrMissingField, "id")
	case doc.Inbox == "":
		return nil, errors.Wrap(ErrMissingField, "inbox")
	case strings.TrimSpace(doc.PublicKey.PublicKeyPem) == "":
		return nil, errors.Wrap(ErrMissingField, "publicKey.publicKeyPem")
	}

	return &doc, nil
}

func (d *ActorDocument) Nickname() string {
	if d.PreferredUsername != "" {
		return d.PreferredUsername
	}
	if idx := strings.LastIndexAny(strings.TrimRight(d.ID, "/"), "/@"); idx >= 0 {
		return strings.TrimRight(d.ID, "/")[idx+1:]
	}

	return d.ID
}

func (d *ActorDocument) Profile() *RemoteActorProfile {
	profile := &RemoteActorProfile{
		ActorURI:     d.ID,
		InboxURI:     d.Inbox,
		OutboxURI:    d.Outbox,
		PublicKeyID:  d.PublicKey.ID,
		PublicKeyPEM: d.PublicKey.PublicKeyPem,
	}
	if d.Endpoints != nil {
		profile.SharedInbox = d.Endpoints.SharedInbox
	}

	return profile
}

func (d *ActorDocument) Actor() *Actor {
	return &Actor{
		URI:      d.ID,
		Nickname: d.Nickname(),
		Type:     ActorType(d.Type),
		IsActive: true,
	}
}
