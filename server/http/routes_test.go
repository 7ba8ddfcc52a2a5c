// SPDX-License-Identifier: ice License 1.0

package http

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/inbox"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/outbox"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
	"github.com/someonewithpc/gnusocial-sub003/websub"
)

const testBaseURL = "https://social.example"

type (
	fakeActors map[int64]*model.Actor
	fakeKeys   struct {
		err error
		key *rsa.PrivateKey
	}
	recordingInbox struct {
		outcome    *inbox.Outcome
		deliveries []*inbox.Delivery
		mx         sync.Mutex
	}
	fakeOutbox struct {
		err   error
		pages []int64
	}
	fakeWebSub struct {
		err    error
		calls  []string
		pushes [][]byte
		mx     sync.Mutex
	}
	fakePublisher struct {
		err    error
		stored bool
		posts  [][]byte
	}
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func (a fakeActors) ActorByID(_ context.Context, id int64) (*model.Actor, error) {
	if actor, found := a[id]; found {
		return actor, nil
	}

	return nil, store.ErrNotFound
}

func (k *fakeKeys) PublicKey(context.Context, *model.Actor) (crypto.PublicKey, error) {
	if k.err != nil {
		return nil, k.err
	}

	return &k.key.PublicKey, nil
}

func (k *fakeKeys) PublicKeyPEM(context.Context, *model.Actor) (string, error) {
	return "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n", k.err
}

func (i *recordingInbox) Process(_ context.Context, delivery *inbox.Delivery) *inbox.Outcome {
	i.mx.Lock()
	defer i.mx.Unlock()
	i.deliveries = append(i.deliveries, delivery)

	return i.outcome
}

func (o *fakeOutbox) Page(_ context.Context, actor *model.Actor, n int64) (*model.OrderedCollection, error) {
	if o.err != nil {
		return nil, o.err
	}
	if n < 0 {
		return nil, outbox.ErrInvalidPage
	}
	o.pages = append(o.pages, n)

	return &model.OrderedCollection{ID: outbox.URI(actor), Type: model.CollectionTypeOrderedCollection, TotalItems: 3}, nil
}

func (p *fakePublisher) Post(_ context.Context, actor *model.Actor, raw []byte) (*model.Activity, int, error) {
	p.posts = append(p.posts, raw)
	activity, err := model.ParseActivity(raw)
	if err != nil {
		return nil, 0, err
	}
	if activity.ActorURI != actor.URI {
		return nil, 0, outbox.ErrForeignActivity
	}
	if p.err != nil && !p.stored {
		return nil, 0, p.err
	}

	return activity, 1, p.err
}

func (w *fakeWebSub) record(call string) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.calls = append(w.calls, call)

	return w.err
}

func (w *fakeWebSub) VerifyIntent(_ context.Context, _ int64, mode, topic, challenge, verifyToken string, _ int64) (string, error) {
	if err := w.record(strings.Join([]string{"verify", mode, topic, challenge, verifyToken}, " ")); err != nil {
		return "", err
	}

	return challenge, nil
}

func (w *fakeWebSub) Push(_ context.Context, _ int64, contentType string, content []byte, signature string) error {
	w.mx.Lock()
	w.pushes = append(w.pushes, content)
	w.mx.Unlock()

	return w.record(strings.Join([]string{"push", contentType, signature}, " "))
}

func (w *fakeWebSub) HubSubscribe(_ context.Context, callback, topic, secret string, _ int64) (*model.HubSubscriber, error) {
	if err := w.record(strings.Join([]string{"subscribe", callback, topic, secret}, " ")); err != nil {
		return nil, err
	}

	return &model.HubSubscriber{Callback: callback, Topic: topic, Secret: secret}, nil
}

func (*fakeWebSub) HubURL() string {
	return testBaseURL + "/websub/hub"
}

func (w *fakeWebSub) HubUnsubscribe(_ context.Context, callback, topic string) error {
	return w.record(strings.Join([]string{"unsubscribe", callback, topic}, " "))
}

type routesFixture struct {
	router    *gin.Engine
	inbox     *recordingInbox
	outbox    *fakeOutbox
	publisher *fakePublisher
	websub    *fakeWebSub
	keys      *fakeKeys
	actors    fakeActors
}

func helperNewRoutes(t *testing.T, cfg *Config) *routesFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	f := &routesFixture{
		inbox:     &recordingInbox{outcome: &inbox.Outcome{Status: http.StatusAccepted, State: inbox.StateAccepted}},
		outbox:    new(fakeOutbox),
		publisher: new(fakePublisher),
		websub:    new(fakeWebSub),
		keys:      &fakeKeys{key: key},
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL + "/"
	}
	f.actors = fakeActors{
		1: {ID: 1, URI: testBaseURL + "/actor/1", Nickname: "admin", IsLocal: true},
		2: {ID: 2, URI: "https://remote.example/users/alice", Nickname: "alice"},
	}
	stats := statistics.New("", 0)
	stats.Inc(statistics.InboxAccepted)
	f.router = gin.New()
	NewRoutes(cfg, &Dependencies{
		Actors:    f.actors,
		Keys:      f.keys,
		Inbox:     f.inbox,
		Outbox:    f.outbox,
		Publisher: f.publisher,
		WebSub:    f.websub,
		Stats:     stats,
	}).RegisterRoutes(f.router)

	return f
}

func (f *routesFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func TestInboxHandsDeliveryToProcessor(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	body := []byte(`{"type":"Create"}`)
	req := httptest.NewRequest(http.MethodPost, "/actor/1/inbox.json?x=1", bytes.NewReader(body))
	req.Host = "social.example"
	req.Header.Set("Signature", `keyId="k",signature="c2ln"`)
	rec := f.serve(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, rec.Body.String())

	require.Len(t, f.inbox.deliveries, 1)
	delivery := f.inbox.deliveries[0]
	require.Equal(t, body, delivery.Body)
	require.Equal(t, http.MethodPost, delivery.Method)
	require.Equal(t, "social.example", delivery.Host)
	require.Equal(t, "/actor/1/inbox.json?x=1", delivery.Path)
	require.EqualValues(t, 1, delivery.RecipientID)
	require.Equal(t, `keyId="k",signature="c2ln"`, delivery.Headers.Get("Signature"))

	rec = f.serve(httptest.NewRequest(http.MethodPost, "/inbox.json", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.inbox.deliveries, 2)
	require.Zero(t, f.inbox.deliveries[1].RecipientID)
}

func TestInboxRejection(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	f.inbox.outcome = &inbox.Outcome{
		Status:  http.StatusBadRequest,
		State:   inbox.StateRejected,
		Payload: &inbox.Payload{Error: inbox.ReasonMissingSignature},
	}
	rec := f.serve(httptest.NewRequest(http.MethodPost, "/inbox.json", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"missing signature"}`, rec.Body.String())
}

func TestInboxUnknownRecipient(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	for _, path := range []string{"/actor/99/inbox.json", "/actor/2/inbox.json", "/actor/alice/inbox.json"} {
		rec := f.serve(httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	require.Empty(t, f.inbox.deliveries)
}

func TestInboxBodyLimit(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{MaxBodyBytes: 8})
	rec := f.serve(httptest.NewRequest(http.MethodPost, "/inbox.json", strings.NewReader(`{"type":"Create"}`)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Empty(t, f.inbox.deliveries)
}

func TestOutbox(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/actor/1/outbox.json", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.ContentTypeActivityJSON, rec.Header().Get("Content-Type"))
	var collection model.OrderedCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &collection))
	require.Equal(t, testBaseURL+"/actor/1/outbox.json", collection.ID)
	require.Equal(t, `<`+testBaseURL+`/websub/hub>; rel="hub", <`+testBaseURL+`/actor/1/outbox.json>; rel="self"`, rec.Header().Get("Link"))

	rec = f.serve(httptest.NewRequest(http.MethodGet, "/actor/1/outbox.json?page=2", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{0, 2}, f.outbox.pages)

	for _, page := range []string{"-1", "two"} {
		rec = f.serve(httptest.NewRequest(http.MethodGet, "/actor/1/outbox.json?page="+page, http.NoBody))
		require.Equal(t, http.StatusBadRequest, rec.Code, page)
	}
	rec = f.serve(httptest.NewRequest(http.MethodGet, "/actor/2/outbox.json", http.NoBody))
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.outbox.err = errors.New("database is locked")
	rec = f.serve(httptest.NewRequest(http.MethodGet, "/actor/1/outbox.json", http.NoBody))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func (f *routesFixture) signedPost(t *testing.T, key *rsa.PrivateKey, keyID, path string, body []byte) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", model.ContentTypeActivityJSON)
	require.NoError(t, httpsig.NewSigner(keyID, key).Sign(req, body))

	return req
}

func TestPostToOutbox(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	owner := f.actors[1]
	body := []byte(`{"id": "` + owner.URI + `/activity/1", "type": "Create", "actor": "` + owner.URI + `", "object": {"type": "Note"}}`)

	rec := f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, owner.URI+"/activity/1", rec.Header().Get("Location"))
	require.Len(t, f.publisher.posts, 1)
	require.Equal(t, body, f.publisher.posts[0])

	foreign := []byte(`{"type": "Create", "actor": "https://remote.example/users/alice", "object": {"type": "Note"}}`)
	rec = f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", foreign))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", []byte(`{"type":`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.publisher.err, f.publisher.stored = errors.New("push worker stopped"), true
	rec = f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusCreated, rec.Code)
	f.publisher.stored = false
	rec = f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPostToOutboxRequiresOwnerSignature(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	owner := f.actors[1]
	body := []byte(`{"type": "Create", "actor": "` + owner.URI + `", "object": {"type": "Note"}}`)
	other, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	rec := f.serve(httptest.NewRequest(http.MethodPost, "/actor/1/outbox.json", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.serve(f.signedPost(t, other, KeyID(owner), "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.serve(f.signedPost(t, f.keys.key, "https://remote.example/users/alice#main-key", "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tampered := f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", body)
	tampered.Body = io.NopCloser(strings.NewReader(strings.Replace(string(body), "Note", "Page", 1)))
	rec = f.serve(tampered)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.serve(f.signedPost(t, f.keys.key, "https://remote.example/users/alice#main-key", "/actor/2/outbox.json", body))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, f.publisher.posts)

	f.keys.err = errors.New("database is locked")
	rec = f.serve(f.signedPost(t, f.keys.key, KeyID(owner), "/actor/1/outbox.json", body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, f.publisher.posts)
}

func TestActorDocument(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/actor/1", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	doc, err := model.ParseActorDocument(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, testBaseURL+"/actor/1", doc.ID)
	require.Equal(t, "admin", doc.PreferredUsername)
	require.Equal(t, string(model.ActorTypePerson), doc.Type)
	require.Equal(t, testBaseURL+"/actor/1/inbox.json", doc.Inbox)
	require.Equal(t, testBaseURL+"/actor/1/outbox.json", doc.Outbox)
	require.Equal(t, testBaseURL+"/inbox.json", doc.Endpoints.SharedInbox)
	require.Equal(t, testBaseURL+"/actor/1#main-key", doc.PublicKey.ID)
	require.Equal(t, doc.ID, doc.PublicKey.Owner)

	f.keys.err = errors.New("no entropy")
	rec = f.serve(httptest.NewRequest(http.MethodGet, "/actor/1", http.NoBody))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVerifyIntentEchoesChallenge(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	query := url.Values{
		"hub.mode":          {websub.ModeSubscribe},
		"hub.topic":         {"https://remote.example/feed.atom"},
		"hub.challenge":     {"abc123"},
		"hub.verify_token":  {"token"},
		"hub.lease_seconds": {"600"},
	}
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/websub/callback/7?"+query.Encode(), http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc123", rec.Body.String())
	require.Equal(t, []string{"verify subscribe https://remote.example/feed.atom abc123 token"}, f.websub.calls)

	f.websub.err = errors.Wrap(websub.ErrIntentMismatch, "topic")
	rec = f.serve(httptest.NewRequest(http.MethodGet, "/websub/callback/7?"+query.Encode(), http.NoBody))
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.websub.err = errors.New("disk full")
	rec = f.serve(httptest.NewRequest(http.MethodGet, "/websub/callback/7?"+query.Encode(), http.NoBody))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = f.serve(httptest.NewRequest(http.MethodGet, "/websub/callback/seven?"+query.Encode(), http.NoBody))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceivePushAlwaysAnswersOK(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	for _, err := range []error{nil, websub.ErrAlreadyFulfilled, websub.ErrInvalidSignature, websub.ErrNoConsumer, errors.New("consumer down")} {
		f.websub.err = err
		req := httptest.NewRequest(http.MethodPost, "/websub/callback/7", strings.NewReader("<feed/>"))
		req.Header.Set("Content-Type", "application/atom+xml")
		req.Header.Set(websub.HeaderHubSignature, "sha1=00")
		rec := f.serve(req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Len(t, f.websub.pushes, 5)
	require.Equal(t, []byte("<feed/>"), f.websub.pushes[0])
	require.Equal(t, "push application/atom+xml sha1=00", f.websub.calls[0])
}

func TestHubRequests(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/websub/hub", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return f.serve(req)
	}
	topic := testBaseURL + "/feeds/1.atom"

	rec := post(url.Values{"hub.mode": {"subscribe"}, "hub.callback": {"https://sub.example/cb"}, "hub.topic": {topic}, "hub.secret": {"s"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = post(url.Values{"hub.mode": {"unsubscribe"}, "hub.callback": {"https://sub.example/cb"}, "hub.topic": {topic}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{
		"subscribe https://sub.example/cb " + topic + " s",
		"unsubscribe https://sub.example/cb " + topic,
	}, f.websub.calls)

	rec = post(url.Values{"hub.mode": {"subscribe"}, "hub.callback": {"https://sub.example/cb"}, "hub.topic": {"https://elsewhere.example/feed"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(url.Values{"hub.mode": {"publish"}, "hub.topic": {topic}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.websub.err = errors.Wrap(websub.ErrIntentNotVerified, "challenge")
	rec = post(url.Values{"hub.mode": {"subscribe"}, "hub.callback": {"https://sub.example/cb"}, "hub.topic": {topic}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	f.websub.err = errors.Wrap(websub.ErrSubscriptionNotFound, "cb")
	rec = post(url.Values{"hub.mode": {"unsubscribe"}, "hub.callback": {"https://sub.example/cb"}, "hub.topic": {topic}})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	f := helperNewRoutes(t, &Config{})
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.InDelta(t, 1, snapshot[statistics.InboxAccepted]["count"], 0)
}
