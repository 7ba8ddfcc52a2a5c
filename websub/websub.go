// SPDX-License-Identifier: ice License 1.0

package websub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/someonewithpc/gnusocial-sub003/httpsig"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	Config struct {
		CallbackBaseURL     string        `yaml:"callbackBaseUrl" mapstructure:"callbackBaseUrl"`
		LeaseSeconds        int64         `yaml:"leaseSeconds" mapstructure:"leaseSeconds"`
		RenewWindow         time.Duration `yaml:"renewWindow" mapstructure:"renewWindow"`
		MaintenanceInterval time.Duration `yaml:"maintenanceInterval" mapstructure:"maintenanceInterval"`
		RetryCount          int           `yaml:"retryCount" mapstructure:"retryCount"`
		RetryBaseDelay      time.Duration `yaml:"retryBaseDelay" mapstructure:"retryBaseDelay"`
		Workers             int           `yaml:"workers" mapstructure:"workers"`
		QueueSize           int           `yaml:"queueSize" mapstructure:"queueSize"`
		HTTPTimeout         time.Duration `yaml:"httpTimeout" mapstructure:"httpTimeout"`
	}
	// Storage holds both sides of WebSub: our subscriptions to remote hubs and the subscribers of our own topics.
	Storage interface {
		UpsertSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error)
		SubscriptionByTopic(ctx context.Context, topic string) (*model.Subscription, error)
		SubscriptionByID(ctx context.Context, id int64) (*model.Subscription, error)
		VerifySubscription(ctx context.Context, id int64, leaseStart, leaseEnd time.Time) error
		MarkUnsubscribing(ctx context.Context, id int64) error
		DeleteSubscription(ctx context.Context, id int64) error
		ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
		SubscriptionsExpiringBefore(ctx context.Context, deadline time.Time) ([]*model.Subscription, error)
		InsertPushReceipt(ctx context.Context, subscriptionID int64, hash string, receivedAt time.Time) error
		DeletePushReceipt(ctx context.Context, subscriptionID int64, hash string) error
		HubStorage
	}
	HubStorage interface {
		UpsertHubSubscriber(ctx context.Context, sub *model.HubSubscriber) (*model.HubSubscriber, error)
		HubSubscriber(ctx context.Context, topic, callback string) (*model.HubSubscriber, error)
		HubSubscriberByID(ctx context.Context, id int64) (*model.HubSubscriber, error)
		DeleteHubSubscriber(ctx context.Context, topic, callback string) (int64, error)
		SelectHubSubscribers(ctx context.Context, topic string, now time.Time) iter.Seq2[*model.HubSubscriber, error]
	}
	// FeedConsumer receives the content a hub pushed for one of our subscriptions.
	FeedConsumer interface {
		Consume(ctx context.Context, sub *model.Subscription, contentType string, content []byte) error
	}
	Manager struct {
		storage    Storage
		consumer   FeedConsumer
		stats      statistics.Statistics
		client     *resty.Client
		httpClient *http.Client
		signer     *httpsig.Signer
		worker     *Worker
		now        func() time.Time
		cfg        Config
	}
	Option func(*Manager)
)

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"

	HeaderHubSignature = "X-Hub-Signature"

	defaultLeaseSeconds        = 7 * 24 * 60 * 60
	defaultRenewWindow         = time.Hour
	defaultMaintenanceInterval = time.Minute
	defaultRetryCount          = 5
	defaultRetryBaseDelay      = 10 * time.Second
	defaultWorkers             = 4
	defaultQueueSize           = 1024
	defaultHTTPTimeout         = 10 * time.Second

	secretBytes = 32
)

var (
	ErrAlreadyFulfilled     = errors.New("content already delivered")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrHubRejected          = errors.New("hub rejected the request")
	ErrHubUnavailable       = errors.New("hub unavailable")
	ErrInvalidSignature     = errors.New("invalid hub signature")
	ErrIntentMismatch       = errors.New("verification does not match a pending request")
	ErrIntentNotVerified    = errors.New("subscriber did not confirm intent")
	ErrInvalidRequest       = errors.New("invalid websub request")
	ErrWorkerStopped        = errors.New("push worker stopped")
	ErrNoConsumer           = errors.New("no feed consumer configured")
)

func WithConsumer(consumer FeedConsumer) Option {
	return func(m *Manager) {
		m.consumer = consumer
	}
}

func WithStatistics(stats statistics.Statistics) Option {
	return func(m *Manager) {
		if stats != nil {
			m.stats = stats
		}
	}
}

// WithSigner signs hub requests and content pushes with the instance actor's key.
func WithSigner(signer *httpsig.Signer) Option {
	return func(m *Manager) {
		m.signer = signer
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(cfg *Config, storage Storage, opts ...Option) (*Manager, error) {
	m := &Manager{storage: storage, stats: statistics.NewNoop(), now: time.Now, cfg: *cfg}
	m.cfg.CallbackBaseURL = strings.TrimRight(m.cfg.CallbackBaseURL, "/")
	if !strings.HasPrefix(m.cfg.CallbackBaseURL, "http://") && !strings.HasPrefix(m.cfg.CallbackBaseURL, "https://") {
		return nil, errors.Errorf("invalid websub callback base url `%v`", cfg.CallbackBaseURL)
	}
	m.cfg.applyDefaults()
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient != nil {
		m.client = resty.NewWithClient(m.httpClient)
	} else {
		m.client = resty.New()
	}
	m.client.SetTimeout(m.cfg.HTTPTimeout)
	if m.signer != nil {
		m.client.SetPreRequestHook(m.signer.PreRequestHook)
	}
	m.worker = newWorker(m)

	return m, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = defaultRenewWindow
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
}

// Start runs the push workers and the periodic lease maintenance until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.worker.Start(ctx)
}

func (m *Manager) Stop() error {
	return m.worker.Stop()
}

// CallbackURL is where the hub verifies and delivers for the subscription with the given id.
func (m *Manager) CallbackURL(id int64) string {
	return m.cfg.CallbackBaseURL + "/websub/callback/" + strconv.FormatInt(id, 10)
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate secret")
	}

	return hex.EncodeToString(b), nil
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func isClientError(code int) bool {
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError
}
