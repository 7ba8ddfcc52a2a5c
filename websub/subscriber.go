// SPDX-License-Identifier: ice License 1.0

package websub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Hubs still sign with sha1.
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/zeebo/blake3"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/model"
	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

// Subscribe asks hub to deliver topic to us. Any previous subscription to topic is reset to unverified with fresh credentials.
// A 4xx answer is permanent: the record is deleted and ErrHubRejected returned. Transport failures and 5xx keep the record for a retry.
func (m *Manager) Subscribe(ctx context.Context, topic, hub string) (*model.Subscription, error) {
	if err := validateURL(topic); err != nil {
		return nil, errors.Wrapf(err, "topic")
	}
	if err := validateURL(hub); err != nil {
		return nil, errors.Wrapf(err, "hub")
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	sub, err := m.storage.UpsertSubscription(ctx, &model.Subscription{
		Topic:       topic,
		Hub:         hub,
		VerifyToken: uuid.NewString(),
		Secret:      secret,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to persist subscription to %v", topic)
	}
	if err = m.requestHub(ctx, sub, ModeSubscribe); err != nil {
		if errors.Is(err, ErrHubRejected) {
			if dErr := m.storage.DeleteSubscription(ctx, sub.ID); dErr != nil && !errors.Is(dErr, store.ErrNotFound) {
				err = multierror.Append(err, dErr)
			}
		}

		return nil, err
	}

	return sub, nil
}

// Unsubscribe asks the hub to stop delivering topic. The record stays, flagged unsubscribing, until the hub confirms.
// A 4xx answer is permanent and removes the record right away.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	sub, err := m.storage.SubscriptionByTopic(ctx, topic)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(ErrSubscriptionNotFound, "%v", topic)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load subscription to %v", topic)
	}
	if err = m.storage.MarkUnsubscribing(ctx, sub.ID); err != nil {
		return errors.Wrapf(err, "failed to mark subscription to %v unsubscribing", topic)
	}
	if err = m.requestHub(ctx, sub, ModeUnsubscribe); err != nil && errors.Is(err, ErrHubRejected) {
		if dErr := m.storage.DeleteSubscription(ctx, sub.ID); dErr != nil && !errors.Is(dErr, store.ErrNotFound) {
			err = multierror.Append(err, dErr)
		}
	}

	return err
}

func (m *Manager) requestHub(ctx context.Context, sub *model.Subscription, mode string) error {
	form := map[string]string{
		"hub.mode":         mode,
		"hub.topic":        sub.Topic,
		"hub.callback":     m.CallbackURL(sub.ID),
		"hub.verify":       "async",
		"hub.verify_token": sub.VerifyToken,
	}
	if mode == ModeSubscribe {
		form["hub.secret"] = sub.Secret
		form["hub.lease_seconds"] = strconv.FormatInt(m.cfg.LeaseSeconds, 10)
	}
	resp, err := m.client.R().SetContext(ctx).SetFormData(form).Post(sub.Hub)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%v %v at %v", mode, sub.Topic, sub.Hub), ErrHubUnavailable)
	}
	switch code := resp.StatusCode(); {
	case isSuccess(code):
		return nil
	case isClientError(code):
		return errors.Wrapf(ErrHubRejected, "%v %v at %v: status %v: %s", mode, sub.Topic, sub.Hub, code, resp.Body())
	default:
		return errors.Wrapf(ErrHubUnavailable, "%v %v at %v: status %v", mode, sub.Topic, sub.Hub, code)
	}
}

// VerifyIntent answers the hub's verification request for subscription id and returns the challenge to echo.
// A confirmed subscribe starts or extends the lease of an unverified or verified subscription; an expired one needs a new Subscribe.
// A confirmed unsubscribe or a denial removes the record.
func (m *Manager) VerifyIntent(ctx context.Context, id int64, mode, topic, challenge, verifyToken string, leaseSeconds int64) (string, error) {
	sub, err := m.storage.SubscriptionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", errors.Wrapf(ErrSubscriptionNotFound, "%v", id)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load subscription %v", id)
	}
	if topic != sub.Topic {
		return "", errors.Wrapf(ErrIntentMismatch, "topic %v, subscribed to %v", topic, sub.Topic)
	}
	if verifyToken != "" && verifyToken != sub.VerifyToken {
		return "", errors.Wrapf(ErrIntentMismatch, "verify token for %v", topic)
	}
	switch mode {
	case ModeSubscribe:
		if challenge == "" {
			return "", errors.Wrap(ErrInvalidRequest, "missing hub.challenge")
		}
		if sub.State != model.SubscriptionUnverified && sub.State != model.SubscriptionVerified {
			return "", errors.Wrapf(ErrIntentMismatch, "subscription to %v is %v", topic, sub.State)
		}
		if leaseSeconds <= 0 {
			leaseSeconds = m.cfg.LeaseSeconds
		}
		now := m.now()
		if err = m.storage.VerifySubscription(ctx, sub.ID, now, now.Add(time.Duration(leaseSeconds)*time.Second)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", errors.Wrapf(ErrIntentMismatch, "subscription to %v changed while verifying", topic)
			}

			return "", errors.Wrapf(err, "failed to verify subscription to %v", topic)
		}
		log.Printf("INFO: subscription to %v verified for %v seconds", topic, leaseSeconds)

		return challenge, nil
	case ModeUnsubscribe:
		if challenge == "" {
			return "", errors.Wrap(ErrInvalidRequest, "missing hub.challenge")
		}
		if sub.State != model.SubscriptionUnsubscribing {
			return "", errors.Wrapf(ErrIntentMismatch, "no unsubscribe pending for %v", topic)
		}
		if err = m.storage.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", errors.Wrapf(err, "failed to delete subscription to %v", topic)
		}

		return challenge, nil
	case ModeDenied:
		log.Printf("WARN: hub %v denied subscription to %v", sub.Hub, topic)
		if err = m.storage.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", errors.Wrapf(err, "failed to delete subscription to %v", topic)
		}

		return "", nil
	default:
		return "", errors.Wrapf(ErrInvalidRequest, "hub.mode %q", mode)
	}
}

// Push accepts content the hub delivered for subscription id.
// Content already seen for this subscription yields ErrAlreadyFulfilled and is not handed to the consumer again.
// Without a consumer the push is refused with ErrNoConsumer and nothing is recorded.
func (m *Manager) Push(ctx context.Context, id int64, contentType string, content []byte, signature string) error {
	sub, err := m.storage.SubscriptionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(ErrSubscriptionNotFound, "%v", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load subscription %v", id)
	}
	if sub.Secret != "" && !validHubSignature(sub.Secret, signature, content) {
		return errors.Wrapf(ErrInvalidSignature, "push for %v", sub.Topic)
	}
	m.stats.Inc(statistics.WebSubPushReceived)
	if m.consumer == nil {
		return errors.Wrapf(ErrNoConsumer, "push for %v", sub.Topic)
	}
	hash := ContentHash(content)
	if err = m.storage.InsertPushReceipt(ctx, sub.ID, hash, m.now()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			m.stats.Inc(statistics.WebSubPushDuplicate)
			log.Printf("INFO: push %v for %v was already fulfilled", hash, sub.Topic)

			return errors.Wrapf(ErrAlreadyFulfilled, "%v", hash)
		}

		return errors.Wrapf(err, "failed to record push for %v", sub.Topic)
	}
	if err = m.consumer.Consume(ctx, sub, contentType, content); err != nil {
		if dErr := m.storage.DeletePushReceipt(ctx, sub.ID, hash); dErr != nil {
			err = multierror.Append(err, dErr)
		}

		return errors.Wrapf(err, "failed to consume push for %v", sub.Topic)
	}

	return nil
}

// ExpireLeases moves verified subscriptions whose lease ran out to expired.
func (m *Manager) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	expired, err := m.storage.ExpireSubscriptions(ctx, now)
	if err != nil {
		return 0, err
	}
	for range expired {
		m.stats.Inc(statistics.WebSubLeasesExpired)
	}
	if expired > 0 {
		log.Printf("INFO: %v websub leases expired", expired)
	}

	return expired, nil
}

// RenewExpiring resubscribes every verified subscription whose lease ends within the renew window.
func (m *Manager) RenewExpiring(ctx context.Context, now time.Time) error {
	subs, err := m.storage.SubscriptionsExpiringBefore(ctx, now.Add(m.cfg.RenewWindow))
	if err != nil {
		return err
	}
	var mErr *multierror.Error
	for _, sub := range subs {
		if _, sErr := m.Subscribe(ctx, sub.Topic, sub.Hub); sErr != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(sErr, "failed to renew %v", sub.Topic))
		}
	}

	return mErr.ErrorOrNil()
}

// ContentHash identifies pushed content for de-duplication.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)

	return hex.EncodeToString(sum[:])
}

// Sign computes the X-Hub-Signature value of content with secret.
func Sign(secret string, content []byte) string {
	return "sha1=" + hex.EncodeToString(hmacSum(sha1.New, secret, content))
}

func validHubSignature(secret, signature string, content []byte) bool {
	algorithm, encoded, found := strings.Cut(strings.TrimSpace(signature), "=")
	if !found {
		return false
	}
	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	case "sha384":
		newHash = sha512.New384
	case "sha512":
		newHash = sha512.New
	default:
		return false
	}
	expected, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}

	return hmac.Equal(expected, hmacSum(newHash, secret, content))
}

func hmacSum(newHash func() hash.Hash, secret string, content []byte) []byte {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(content)

	return mac.Sum(nil)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.Wrapf(ErrInvalidRequest, "invalid url %q", raw)
	}

	return nil
}
