// SPDX-License-Identifier: ice License 1.0

package inbox

import (
	"context"
	"crypto"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"

	"github.com/someonewithpc/gnusocial-sub003/discovery"
	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/keystore"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	State string
	// Delivery is one POST to an inbox as it came off the wire.
	Delivery struct {
		Headers http.Header
		Method  string
		Host    string
		Path    string
		Body    []byte
		// RecipientID is the local actor owning the inbox, zero for the shared inbox.
		RecipientID int64
	}
	Payload struct {
		Error     string `json:"error"`
		Exception string `json:"exception,omitempty"`
	}
	RejectionError struct {
		Cause  error
		Reason string
	}
	Outcome struct {
		Err      error
		Activity *model.Activity
		Actor    *model.Actor
		Payload  *Payload
		State    State
		Status   int
		Stored   bool
	}
	ActorResolver interface {
		IsLocalURI(uri string) bool
		GetOneFromURI(ctx context.Context, uri string, tryOnline bool) (*model.Actor, error)
	}
	KeyProvider interface {
		PublicKey(ctx context.Context, actor *model.Actor) (crypto.PublicKey, error)
		Refresh(ctx context.Context, actor *model.Actor) (crypto.PublicKey, error)
	}
	ActivityStore interface {
		StoreActivityIfAbsent(ctx context.Context, activity *model.Activity) (bool, *model.Activity, error)
		LocalActorIDsByURIs(ctx context.Context, uris []string) ([]int64, error)
	}
	NotificationDispatcher interface {
		Notify(ctx context.Context, sender *model.Actor, activity *model.Activity, targets []int64, reason string) error
	}
	VerifyFunc func(publicKey crypto.PublicKey, fields *model.SignatureFields, headers http.Header, method, host, path string, body []byte) (bool, []string)
	Processor  struct {
		resolver    ActorResolver
		keys        KeyProvider
		activities  ActivityStore
		stats       statistics.Statistics
		verify      VerifyFunc
		dispatchers []NotificationDispatcher
	}
	Option func(*Processor)
)

const (
	StateReceived      State = "received"
	StateActorResolved State = "actor_resolved"
	StateKeyObtained   State = "key_obtained"
	StateVerified      State = "verified"
	StateAccepted      State = "accepted"
	StateRejected      State = "rejected"
)

const (
	ReasonMalformed         = "malformed activity"
	ReasonMissingActor      = "missing actor"
	ReasonLocalActor        = "local actor"
	ReasonInvalidActor      = "invalid actor"
	ReasonMissingSignature  = "missing signature"
	ReasonInvalidHeader     = "invalid signature header"
	ReasonForeignKey        = "key does not belong to actor"
	ReasonDigestMismatch    = "body digest missing or mismatched"
	ReasonVerificationFails = "signature verification failed"

	reasonInternal = "internal error"
	synthesizedURI = "urn:blake3:"
)

var ErrRejected = errors.New("delivery rejected")

func (e *RejectionError) Error() string {
	if e.Cause == nil {
		return e.Reason
	}

	return e.Reason + ": " + e.Cause.Error()
}

func (e *RejectionError) Unwrap() error {
	return e.Cause
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// WithDispatchers replaces the ordered list of notification receivers.
func WithDispatchers(dispatchers ...NotificationDispatcher) Option {
	return func(p *Processor) {
		p.dispatchers = dispatchers
	}
}

func WithStatistics(stats statistics.Statistics) Option {
	return func(p *Processor) {
		if stats != nil {
			p.stats = stats
		}
	}
}

func WithVerifier(verify VerifyFunc) Option {
	return func(p *Processor) {
		p.verify = verify
	}
}

func New(resolver ActorResolver, keys KeyProvider, activities ActivityStore, opts ...Option) *Processor {
	p := &Processor{
		resolver:   resolver,
		keys:       keys,
		activities: activities,
		stats:      statistics.NewNoop(),
		verify:     httpsig.Verify,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process drives one delivery through Received, ActorResolved, KeyObtained and Verified up to Accepted.
// Any step may end in Rejected; the outcome carries the HTTP status to answer with.
func (p *Processor) Process(ctx context.Context, delivery *Delivery) *Outcome {
	out := &Outcome{State: StateReceived}
	activity, err := model.ParseActivity(delivery.Body)
	switch {
	case errors.Is(err, model.ErrMissingActor):
		return p.reject(out, ReasonMissingActor, nil)
	case err != nil:
		return p.reject(out, ReasonMalformed, err)
	}
	out.Activity = activity

	if p.resolver.IsLocalURI(activity.ActorURI) {
		return p.reject(out, ReasonLocalActor, errors.Newf("%v", activity.ActorURI))
	}
	actor, err := p.resolver.GetOneFromURI(ctx, activity.ActorURI, true)
	if err != nil {
		if isDiscoveryFailure(err) {
			return p.reject(out, ReasonInvalidActor, err)
		}

		return p.fail(out, errors.Wrapf(err, "failed to resolve actor %v", activity.ActorURI))
	}
	if actor.IsLocal {
		return p.reject(out, ReasonLocalActor, errors.Newf("%v", activity.ActorURI))
	}
	out.Actor, out.State = actor, StateActorResolved

	key, err := p.keys.PublicKey(ctx, actor)
	if err != nil {
		if errors.Is(err, keystore.ErrNoKey) || errors.Is(err, keystore.ErrUnsupportedKey) {
			return p.reject(out, ReasonInvalidActor, err)
		}

		return p.fail(out, errors.Wrapf(err, "failed to load key of %v", actor.URI))
	}
	out.State = StateKeyObtained

	raw := httpsig.FromRequest(delivery.Headers)
	if raw == "" {
		return p.reject(out, ReasonMissingSignature, nil)
	}
	fields, err := httpsig.ParseSignatureHeader(raw)
	if err != nil {
		return p.reject(out, ReasonInvalidHeader, err)
	}
	if !keyBelongsTo(fields.KeyID, actor.URI) {
		return p.reject(out, ReasonForeignKey, errors.Newf("key %v, actor %v", fields.KeyID, actor.URI))
	}
	if !httpsig.BodyDigestValid(fields, delivery.Headers, delivery.Body) {
		return p.reject(out, ReasonDigestMismatch, nil)
	}
	if ok, _ := p.verify(key, fields, delivery.Headers, delivery.Method, delivery.Host, delivery.Path, delivery.Body); !ok {
		p.stats.Inc(statistics.InboxKeyRefreshed)
		if key, err = p.keys.Refresh(ctx, actor); err != nil {
			return p.reject(out, ReasonVerificationFails, err)
		}
		if ok, _ = p.verify(key, fields, delivery.Headers, delivery.Method, delivery.Host, delivery.Path, delivery.Body); !ok {
			return p.reject(out, ReasonVerificationFails, nil)
		}
	}
	out.State = StateVerified

	return p.accept(ctx, out, delivery)
}

func (p *Processor) accept(ctx context.Context, out *Outcome, delivery *Delivery) *Outcome {
	stored, saved, err := p.persist(ctx, out.Actor, out.Activity, delivery.Body, delivery.RecipientID)
	if err != nil {
		return p.fail(out, err)
	}
	out.Activity, out.Stored = saved, stored
	p.stats.Inc(statistics.InboxAccepted)
	out.State, out.Status = StateAccepted, http.StatusAccepted

	return out
}

// persist stores activity for actor and, the first time it is seen, notifies the dispatchers.
func (p *Processor) persist(ctx context.Context, actor *model.Actor, activity *model.Activity, body []byte, recipientID int64) (bool, *model.Activity, error) {
	activity.ActorID, activity.ActorURI = actor.ID, actor.URI
	if activity.URI == "" {
		activity.URI = ContentURI(body)
	}
	stored, saved, err := p.activities.StoreActivityIfAbsent(ctx, activity)
	if err != nil {
		return false, nil, errors.Wrapf(err, "failed to store activity %v", activity.URI)
	}
	if !stored {
		return false, saved, nil
	}
	targets, err := p.targets(ctx, saved, recipientID)
	if err != nil {
		return false, nil, err
	}
	reason := fmt.Sprintf("%v: %v", actor.Nickname, saved.Type)
	for _, dispatcher := range p.dispatchers {
		if nErr := dispatcher.Notify(ctx, actor, saved, targets, reason); nErr != nil {
			log.Printf("ERROR:%v", errors.Wrapf(nErr, "failed to notify about %v", saved.URI))
		}
	}

	return true, saved, nil
}

// targets resolves the local recipients named by mentions, the object's target and the addressing lists.
func (p *Processor) targets(ctx context.Context, activity *model.Activity, recipientID int64) ([]int64, error) {
	mentions := activity.Mentions()
	uris := make([]string, 0, len(mentions)+len(activity.To)+len(activity.Cc)+1)
	for _, mention := range mentions {
		uris = append(uris, mention.Href)
	}
	if target := activity.ObjectTarget(); target != "" {
		uris = append(uris, target)
	}
	uris = append(uris, activity.Recipients()...)
	ids, err := p.activities.LocalActorIDsByURIs(ctx, uris)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve recipients of %v", activity.URI)
	}
	if recipientID > 0 && !slices.Contains(ids, recipientID) {
		ids = append(ids, recipientID)
		slices.Sort(ids)
	}

	return ids, nil
}

func (p *Processor) reject(out *Outcome, reason string, cause error) *Outcome {
	out.Err = &RejectionError{Reason: reason, Cause: cause}
	out.Payload = &Payload{Error: reason}
	if cause != nil {
		out.Payload.Exception = cause.Error()
	}
	out.State, out.Status = StateRejected, http.StatusBadRequest
	p.stats.Inc(statistics.InboxRejected)
	if b, err := json.Marshal(out.Payload); err == nil {
		log.Printf("WARN: inbox rejected delivery: %s", b)
	}

	return out
}

func (p *Processor) fail(out *Outcome, err error) *Outcome {
	log.Printf("ERROR:%v", err)
	out.Err = err
	out.Payload = &Payload{Error: reasonInternal}
	out.State, out.Status = StateRejected, http.StatusInternalServerError

	return out
}

func isDiscoveryFailure(err error) bool {
	return errors.Is(err, discovery.ErrNoSuchActor) ||
		errors.Is(err, discovery.ErrAmbiguousActor) ||
		errors.Is(err, discovery.ErrTransport)
}

// keyBelongsTo accepts key ids equal to the actor URI or nested under it, like uri#main-key or uri/publickey.
func keyBelongsTo(keyID, actorURI string) bool {
	if keyID == "" || actorURI == "" {
		return false
	}
	owner, _, _ := strings.Cut(keyID, "#")
	if owner == actorURI {
		return true
	}

	return strings.HasPrefix(keyID, strings.TrimRight(actorURI, "/")+"/")
}

// ContentURI names an activity without an id by the hash of its body.
func ContentURI(body []byte) string {
	sum := blake3.Sum256(body)

	return synthesizedURI + hex.EncodeToString(sum[:])
}
