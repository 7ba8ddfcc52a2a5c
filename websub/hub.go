// SPDX-License-Identifier: ice License 1.0

package websub

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/model"
)

// HubURL is where remote subscribers send their requests for our topics.
func (m *Manager) HubURL() string {
	return m.cfg.CallbackBaseURL + "/websub/hub"
}

// HubSubscribe registers callback for topic once the callback confirmed the intent by echoing our challenge.
func (m *Manager) HubSubscribe(ctx context.Context, callback, topic, secret string, leaseSeconds int64) (*model.HubSubscriber, error) {
	if err := validateURL(callback); err != nil {
		return nil, errors.Wrap(err, "hub.callback")
	}
	if err := validateURL(topic); err != nil {
		return nil, errors.Wrap(err, "hub.topic")
	}
	if len(secret) >= 200 {
		return nil, errors.Wrap(ErrInvalidRequest, "hub.secret is too long")
	}
	if leaseSeconds <= 0 || leaseSeconds > m.cfg.LeaseSeconds {
		leaseSeconds = m.cfg.LeaseSeconds
	}
	if err := m.verifyCallback(ctx, callback, ModeSubscribe, topic, leaseSeconds); err != nil {
		return nil, err
	}
	sub, err := m.storage.UpsertHubSubscriber(ctx, &model.HubSubscriber{
		Topic:     topic,
		Callback:  callback,
		Secret:    secret,
		LeaseEnd:  m.now().Add(time.Duration(leaseSeconds) * time.Second),
		CreatedAt: m.now(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register %v for %v", callback, topic)
	}
	log.Printf("INFO: %v subscribed to %v for %v seconds", callback, topic, leaseSeconds)

	return sub, nil
}

// HubUnsubscribe removes a confirmed subscriber and cancels its pending retries.
func (m *Manager) HubUnsubscribe(ctx context.Context, callback, topic string) error {
	sub, err := m.storage.HubSubscriber(ctx, topic, callback)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(ErrSubscriptionNotFound, "%v for %v", callback, topic)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load subscriber %v for %v", callback, topic)
	}
	if err = m.verifyCallback(ctx, callback, ModeUnsubscribe, topic, 0); err != nil {
		return err
	}
	if _, err = m.storage.DeleteHubSubscriber(ctx, topic, callback); err != nil {
		return err
	}
	m.worker.cancel(sub.ID)

	return nil
}

// Publish queues one push of content per subscriber of topic and returns how many were queued.
func (m *Manager) Publish(ctx context.Context, topic, contentType string, content []byte) (int, error) {
	var queued int
	for sub, err := range m.storage.SelectHubSubscribers(ctx, topic, m.now()) {
		if err != nil {
			return queued, errors.Wrapf(err, "failed to select subscribers of %v", topic)
		}
		job := &pushJob{
			ID:           uuid.NewString(),
			SubscriberID: sub.ID,
			Topic:        topic,
			ContentType:  contentType,
			Content:      content,
			RetriesLeft:  m.cfg.RetryCount,
		}
		if err = m.worker.Enqueue(ctx, job); err != nil {
			return queued, err
		}
		queued++
	}

	return queued, nil
}

func (m *Manager) verifyCallback(ctx context.Context, callback, mode, topic string, leaseSeconds int64) error {
	challenge := uuid.NewString()
	query := map[string]string{
		"hub.mode":      mode,
		"hub.topic":     topic,
		"hub.challenge": challenge,
	}
	if leaseSeconds > 0 {
		query["hub.lease_seconds"] = strconv.FormatInt(leaseSeconds, 10)
	}
	resp, err := m.client.R().SetContext(ctx).SetQueryParams(query).Get(callback)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to verify %v of %v", mode, callback), ErrIntentNotVerified)
	}
	if !isSuccess(resp.StatusCode()) || strings.TrimSpace(string(resp.Body())) != challenge {
		return errors.Wrapf(ErrIntentNotVerified, "%v of %v for %v: status %v", mode, callback, topic, resp.StatusCode())
	}

	return nil
}

// deliver posts the job's content to the subscriber as currently stored.
// It reports false without error when the subscriber is gone or its lease ran out.
func (m *Manager) deliver(ctx context.Context, job *pushJob) (bool, error) {
	sub, err := m.storage.HubSubscriberByID(ctx, job.SubscriberID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to load subscriber %v", job.SubscriberID)
	}
	if !sub.LeaseEnd.IsZero() && !m.now().Before(sub.LeaseEnd) {
		return false, nil
	}
	req := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", job.ContentType).
		SetHeader("Link", fmt.Sprintf(`<%v>; rel="hub", <%v>; rel="self"`, m.HubURL(), job.Topic)).
		SetBody(job.Content)
	if sub.Secret != "" {
		req.SetHeader(HeaderHubSignature, Sign(sub.Secret, job.Content))
	}
	resp, err := req.Post(sub.Callback)
	if err != nil {
		return false, errors.Wrapf(err, "failed to push %v to %v", job.Topic, sub.Callback)
	}
	if !isSuccess(resp.StatusCode()) {
		return false, errors.Errorf("push of %v to %v answered %v", job.Topic, sub.Callback, resp.StatusCode())
	}

	return true, nil
}
