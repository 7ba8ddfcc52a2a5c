// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

type (
	ActorType         string
	SubscriptionState string
	Actor             struct {
		CreatedAt time.Time
		URI       string
		Nickname  string
		Type      ActorType
		ID        int64
		IsLocal   bool
		IsActive  bool
	}
	RemoteActorProfile struct {
		LastVerified time.Time
		ActorURI     string
		InboxURI     string
		SharedInbox  string
		OutboxURI    string
		PublicKeyID  string
		PublicKeyPEM string
		ActorID      int64
	}
	Activity struct {
		CreatedAt time.Time
		URI       string
		Type      string
		ActorURI  string
		ObjectURI string
		Object    json.RawMessage
		Raw       json.RawMessage
		To        []string
		Cc        []string
		ID        int64
		ActorID   int64
	}
	SignatureFields struct {
		KeyID     string
		Algorithm string
		Headers   []string
		Signature []byte
		Created   int64
		Expires   int64
	}
	Subscription struct {
		LeaseStart  time.Time
		LeaseEnd    time.Time
		Topic       string
		Hub         string
		VerifyToken string
		Secret      string
		State       SubscriptionState
		ID          int64
	}
	HubSubscriber struct {
		CreatedAt time.Time
		LeaseEnd  time.Time
		Topic     string
		Callback  string
		Secret    string
		ID        int64
	}
)

const (
	ActorTypePerson       ActorType = "Person"
	ActorTypeGroup        ActorType = "Group"
	ActorTypeOrganization ActorType = "Organization"
	ActorTypeApplication  ActorType = "Application"
	ActorTypeService      ActorType = "Service"
)

const (
	SubscriptionUnverified    SubscriptionState = "unverified"
	SubscriptionVerified      SubscriptionState = "verified"
	SubscriptionExpired       SubscriptionState = "expired"
	SubscriptionUnsubscribing SubscriptionState = "unsubscribing"
)

const (
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreams  = "https://www.w3.org/ns/activitystreams"
	SecurityV1       = "https://w3id.org/security/v1"

	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

var (
	ErrMissingActor = errors.New("missing actor")
	ErrMissingField = errors.New("missing required field")
	ErrMalformed    = errors.New("malformed document")
	ErrNotAnActor   = errors.New("document is not an actor")
)

var actorTypes = map[ActorType]struct{}{
	ActorTypePerson:       {},
	ActorTypeGroup:        {},
	ActorTypeOrganization: {},
	ActorTypeApplication:  {},
	ActorTypeService:      {},
}

func IsActorType(t string) bool {
	_, ok := actorTypes[ActorType(t)]

	return ok
}

func (a *Actor) IsGroup() bool {
	return a.Type == ActorTypeGroup
}

// IsPublic reports whether the public collection is addressed in to or cc.
func (a *Activity) IsPublic() bool {
	for _, list := range [][]string{a.To, a.Cc} {
		for _, uri := range list {
			if isPublicAddress(uri) {
				return true
			}
		}
	}

	return false
}

func isPublicAddress(uri string) bool {
	return uri == PublicCollection || uri == "as:Public" || uri == "Public"
}

// Recipients returns to followed by cc.
func (a *Activity) Recipients() []string {
	out := make([]string, 0, len(a.To)+len(a.Cc))
	out = append(out, a.To...)

	return append(out, a.Cc...)
}

func (s SubscriptionState) Valid() bool {
	switch s {
	case SubscriptionUnverified, SubscriptionVerified, SubscriptionExpired, SubscriptionUnsubscribing:
		return true
	default:
		return false
	}
}

func (s *Subscription) LeaseActive(now time.Time) bool {
	return s.State == SubscriptionVerified && (s.LeaseEnd.IsZero() || now.Before(s.LeaseEnd))
}
