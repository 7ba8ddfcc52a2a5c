// SPDX-License-Identifier: ice License 1.0

package websub

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/someonewithpc/gnusocial-sub003/statistics"
)

type (
	// pushJob is one delivery of published content to one hub subscriber.
	pushJob struct {
		ID           string
		Topic        string
		ContentType  string
		Content      []byte
		SubscriberID int64
		RetriesLeft  int
	}
	pendingPush struct {
		timer        *time.Timer
		subscriberID int64
	}
	// Worker delivers queued pushes on a fixed pool of goroutines and keeps subscription leases current.
	Worker struct {
		manager   *Manager
		jobs      chan *pushJob
		pending   *xsync.MapOf[string, *pendingPush]
		done      chan struct{}
		eg        *errgroup.Group
		cancelRun context.CancelFunc
		startOnce *sync.Once
		stopOnce  *sync.Once
		mx        sync.Mutex
	}
)

func newWorker(m *Manager) *Worker {
	return &Worker{
		manager:   m,
		jobs:      make(chan *pushJob, m.cfg.QueueSize),
		pending:   xsync.NewMapOf[string, *pendingPush](),
		done:      make(chan struct{}),
		eg:        new(errgroup.Group),
		startOnce: new(sync.Once),
		stopOnce:  new(sync.Once),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mx.Lock()
		defer w.mx.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		runCtx, cancel := context.WithCancel(ctx)
		w.cancelRun = cancel
		for range w.manager.cfg.Workers {
			w.eg.Go(func() error {
				w.consume(runCtx)

				return nil
			})
		}
		w.eg.Go(func() error {
			w.maintain(runCtx)

			return nil
		})
	})
}

// Stop cancels pending retries and waits for in-flight deliveries to finish.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.mx.Lock()
		close(w.done)
		if w.cancelRun != nil {
			w.cancelRun()
		}
		w.mx.Unlock()
		w.pending.Range(func(id string, p *pendingPush) bool {
			if _, found := w.pending.LoadAndDelete(id); found {
				p.timer.Stop()
			}

			return true
		})
	})

	return errors.Wrap(w.eg.Wait(), "push worker failed")
}

// Enqueue hands job to the pool, blocking while the queue is full.
func (w *Worker) Enqueue(ctx context.Context, job *pushJob) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.jobs <- job:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to queue push")
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.attempt(ctx, job)
		}
	}
}

func (w *Worker) attempt(ctx context.Context, job *pushJob) {
	delivered, err := w.manager.deliver(ctx, job)
	if err == nil {
		if delivered {
			w.manager.stats.Inc(statistics.WebSubPushDelivered)
		}

		return
	}
	if ctx.Err() != nil {
		return
	}
	job.RetriesLeft--
	if job.RetriesLeft <= 0 {
		w.manager.stats.Inc(statistics.WebSubPushDropped)
		log.Printf("ERROR:%v", errors.Wrapf(err, "dropping push %v of %v after %v attempts", job.ID, job.Topic, w.manager.cfg.RetryCount))

		return
	}
	delay := backoff(w.manager.cfg.RetryBaseDelay, w.manager.cfg.RetryCount, job.RetriesLeft)
	w.manager.stats.Inc(statistics.WebSubPushRetried)
	log.Printf("WARN: %v, retrying in %v (%v left)", err, delay, job.RetriesLeft)
	w.schedule(job, delay)
}

// backoff is base*2^(attempts-left).
func backoff(base time.Duration, attempts, left int) time.Duration {
	return base * time.Duration(1<<uint(attempts-left))
}

func (w *Worker) schedule(job *pushJob, delay time.Duration) {
	p := &pendingPush{subscriberID: job.SubscriberID}
	p.timer = time.AfterFunc(time.Duration(math.MaxInt64), func() { w.fire(job) })
	w.pending.Store(job.ID, p)
	select {
	case <-w.done:
		if _, found := w.pending.LoadAndDelete(job.ID); found {
			p.timer.Stop()
		}
	default:
		p.timer.Reset(delay)
	}
}

func (w *Worker) fire(job *pushJob) {
	if _, found := w.pending.LoadAndDelete(job.ID); !found {
		return
	}
	select {
	case w.jobs <- job:
	case <-w.done:
	}
}

// cancel drops every scheduled retry for the subscriber.
func (w *Worker) cancel(subscriberID int64) {
	w.pending.Range(func(id string, p *pendingPush) bool {
		if p.subscriberID == subscriberID {
			if _, found := w.pending.LoadAndDelete(id); found {
				p.timer.Stop()
			}
		}

		return true
	})
}

// scheduled is the number of retries waiting for their timer.
func (w *Worker) scheduled() int {
	return w.pending.Size()
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.manager.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := w.manager.now()
			if _, err := w.manager.ExpireLeases(ctx, now); err != nil {
				log.Printf("ERROR:%v", errors.Wrap(err, "failed to expire websub leases"))
			}
			if err := w.manager.RenewExpiring(ctx, now); err != nil {
				log.Printf("ERROR:%v", errors.Wrap(err, "failed to renew websub subscriptions"))
			}
		}
	}
}
