// SPDX-License-Identifier: ice License 1.0

package statistics

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rcrowley/go-metrics"
)

type (
	Config struct {
		File          string        `yaml:"file" mapstructure:"file"`
		FlushInterval time.Duration `yaml:"flushInterval" mapstructure:"flushInterval"`
	}
	// Statistics counts federation events and times remote calls.
	Statistics interface {
		io.Closer
		Inc(name string)
		Observe(name string, elapsed time.Duration)
		Snapshot() map[string]map[string]any
	}
	statistics struct {
		metrics   metrics.Registry
		done      chan struct{}
		wg        *sync.WaitGroup
		closeOnce *sync.Once
		statsFile string
	}
	noopStats struct{}
)

const (
	InboxAccepted          = "inbox.accepted"
	InboxRejected          = "inbox.rejected"
	InboxKeyRefreshed      = "inbox.keyRefreshed"
	InboxFeedAccepted      = "inbox.feedAccepted"
	DiscoveryFetches       = "discovery.fetches"
	DiscoveryFetchDuration = "discovery.fetchDuration"
	DiscoveryGone          = "discovery.gone"
	WebSubPushReceived     = "websub.pushReceived"
	WebSubPushDuplicate    = "websub.pushDuplicate"
	WebSubPushDelivered    = "websub.pushDelivered"
	WebSubPushRetried      = "websub.pushRetried"
	WebSubPushDropped      = "websub.pushDropped"
	WebSubLeasesExpired    = "websub.leasesExpired"
	OutboxPublished        = "outbox.published"

	sampleSize  = 10000
	sampleAlpha = 0.15
)

func (*noopStats) Close() error { return nil }
func (*noopStats) Inc(string) {}
func (*noopStats) Observe(string, time.Duration) {}
func (*noopStats) Snapshot() map[string]map[string]any { return map[string]map[string]any{} }

// NewNoop discards everything; components use it when no statistics are injected.
func NewNoop() Statistics {
	return &noopStats{}
}

// New keeps metrics in a private registry; with a non-empty statsFile the registry is dumped there as JSON every flushInterval and on Close.
func New(statsFile string, flushInterval time.Duration) Statistics {
	s := &statistics{
		metrics:   metrics.NewRegistry(),
		done:      make(chan struct{}),
		wg:        new(sync.WaitGroup),
		closeOnce: new(sync.Once),
		statsFile: statsFile,
	}
	for _, name := range []string{InboxAccepted, InboxRejected, InboxKeyRefreshed, InboxFeedAccepted, DiscoveryFetches, DiscoveryGone,
		WebSubPushReceived, WebSubPushDuplicate, WebSubPushDelivered, WebSubPushRetried, WebSubPushDropped, WebSubLeasesExpired,
		OutboxPublished} {
		if err := s.metrics.Register(name, metrics.NewCounter()); err != nil {
			log.Panic(errors.Wrapf(err, "failed to register metric %v", name))
		}
	}
	if err := s.metrics.Register(DiscoveryFetchDuration, metrics.NewHistogram(metrics.NewExpDecaySample(sampleSize, sampleAlpha))); err != nil {
		log.Panic(errors.Wrapf(err, "failed to register metric %v", DiscoveryFetchDuration))
	}
	if statsFile != "" && flushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(flushInterval)
	}

	return s
}

func (s *statistics) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeJSON()
		}
	}
}

func (s *statistics) writeJSON() {
	statsFile, err := os.OpenFile(s.statsFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to open file for stats collection"))

		return
	}
	defer func() {
		_ = statsFile.Sync()
		_ = statsFile.Close()
	}()
	metrics.WriteJSONOnce(s.metrics, statsFile)
}

func (s *statistics) Inc(name string) {
	s.metrics.GetOrRegister(name, metrics.NewCounter).(metrics.Counter).Inc(1)
}

func (s *statistics) Observe(name string, elapsed time.Duration) {
	s.metrics.GetOrRegister(name, func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewExpDecaySample(sampleSize, sampleAlpha))
	}).(metrics.Histogram).Update(elapsed.Milliseconds())
}

func (s *statistics) Snapshot() map[string]map[string]any {
	return s.metrics.GetAll()
}

func (s *statistics) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.statsFile != "" {
			s.writeJSON()
		}
	})

	return nil
}
