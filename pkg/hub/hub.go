// Package hub fans ingested attack batches out to live subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

var (
	// ErrClosed is returned when sending to a subscriber that has disconnected.
	ErrClosed = errors.New("subscriber closed")
	// ErrSlow is returned when a subscriber's send queue is full.
	ErrSlow = errors.New("subscriber send queue full")
)

// Subscriber is one live connection.
type Subscriber interface {
	ID() string
	// Send queues payload for delivery. It must not block.
	Send(payload []byte) error
	// Closed reports whether the subscriber has disconnected.
	Closed() bool
}

// Fetcher fetches a batch from the upstream feed.
type Fetcher interface {
	Fetch(ctx context.Context) (models.AttackBatch, error)
}

// Persister stores a batch.
type Persister interface {
	Persist(ctx context.Context, batch models.AttackBatch) error
}

// Config configures catch-up behaviour for new subscribers.
type Config struct {
	// CatchupMode is models.CatchupSnapshot or models.CatchupFetch.
	CatchupMode string
	// Fetcher is used for fetch-mode catch-up and when no snapshot exists yet.
	Fetcher Fetcher
	// Persister, when set, stores batches fetched for catch-up.
	Persister Persister
}

// Hub tracks live subscribers and broadcasts batches to them.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	snapshot    []byte // last broadcast payload
	closing     bool   // set by Close; no new catch-up writes start

	cfg     Config
	log     zerolog.Logger
	persist sync.WaitGroup
	seed    singleflight.Group

	// Stats
	broadcasts uint64
	delivered  uint64
	dropped    uint64
}

// New creates an empty hub.
func New(cfg Config) *Hub {
	if cfg.CatchupMode == "" {
		cfg.CatchupMode = models.CatchupSnapshot
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		cfg:         cfg,
		log:         logging.Component("hub"),
	}
}

// Register adds a subscriber to the broadcast set.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	h.log.Debug().Str("subscriber", sub.ID()).Int("subscribers", n).Msg("Subscriber registered")
}

// Unregister removes a subscriber. It is safe to call more than once.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	current, ok := h.subscribers[sub.ID()]
	if ok && current == sub {
		delete(h.subscribers, sub.ID())
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		metrics.Subscribers.Set(float64(n))
		h.log.Debug().Str("subscriber", sub.ID()).Int("subscribers", n).Msg("Subscriber unregistered")
	}
}

// Connect registers a subscriber and sends it a one-time catch-up payload.
// Catch-up is best effort: failures are logged and the subscriber stays registered.
func (h *Hub) Connect(ctx context.Context, sub Subscriber) {
	if h.cfg.CatchupMode != models.CatchupSnapshot {
		h.Register(sub)
		h.catchupFromFeed(ctx, sub)
		return
	}

	if h.registerWithSnapshot(sub) {
		return
	}
	// Nothing broadcast yet: one shared feed fetch seeds the snapshot
	if h.seedSnapshot(ctx) && h.registerWithSnapshot(sub) {
		return
	}
	h.Register(sub)
}

// registerWithSnapshot registers sub and queues the last broadcast payload
// in one critical section, so a concurrent broadcast can never reach the
// subscriber ahead of the older snapshot. Returns false if there is no snapshot yet.
func (h *Hub) registerWithSnapshot(sub Subscriber) bool {
	h.mu.Lock()
	if h.snapshot == nil {
		h.mu.Unlock()
		return false
	}
	h.subscribers[sub.ID()] = sub
	n := len(h.subscribers)
	err := sub.Send(h.snapshot)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	if err != nil {
		h.log.Warn().Err(err).Str("subscriber", sub.ID()).Msg("Catch-up send failed")
		h.Unregister(sub)
	}
	return true
}

// seedSnapshot fetches one batch and installs it as the snapshot if no
// broadcast has happened meanwhile. Concurrent callers share a single fetch,
// so the batch is persisted once. Reports whether a snapshot now exists.
func (h *Hub) seedSnapshot(ctx context.Context) bool {
	if h.cfg.Fetcher == nil {
		return false
	}

	ch := h.seed.DoChan("snapshot", func() (interface{}, error) {
		batch, err := h.cfg.Fetcher.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		payload, err := encode(batch)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		if h.snapshot == nil {
			h.snapshot = payload
		}
		h.mu.Unlock()

		h.persistAsync(batch)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return false
	case res := <-ch:
		if res.Err != nil {
			h.log.Error().Err(res.Err).Msg("Error fetching catch-up batch")
			return false
		}
		return true
	}
}

// catchupFromFeed sends sub a freshly fetched batch of its own.
func (h *Hub) catchupFromFeed(ctx context.Context, sub Subscriber) {
	if h.cfg.Fetcher == nil {
		return
	}

	batch, err := h.cfg.Fetcher.Fetch(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("subscriber", sub.ID()).Msg("Error fetching catch-up batch")
		return
	}

	payload, err := encode(batch)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode catch-up batch")
		return
	}
	if err := sub.Send(payload); err != nil {
		h.log.Warn().Err(err).Str("subscriber", sub.ID()).Msg("Catch-up send failed")
		h.Unregister(sub)
	}

	h.persistAsync(batch)
}

// persistAsync stores a catch-up batch in the background unless the hub is closing.
func (h *Hub) persistAsync(batch models.AttackBatch) {
	if h.cfg.Persister == nil {
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.log.Warn().Int("events", len(batch)).Msg("Hub closing, catch-up batch not persisted")
		return
	}
	h.persist.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.persist.Done()
		if err := h.cfg.Persister.Persist(context.Background(), batch); err != nil {
			h.log.Error().Err(err).Msg("Failed to persist catch-up batch")
		}
	}()
}

// Broadcast serializes batch once and queues it to every open subscriber.
// Closed or failing subscribers are unregistered and skipped. Returns the
// number of subscribers the payload was delivered to.
func (h *Hub) Broadcast(batch models.AttackBatch) int {
	payload, err := encode(batch)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode batch")
		return 0
	}

	// Copy the set so subscribers can come and go while we send
	h.mu.Lock()
	h.snapshot = payload
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Closed() {
			h.drop(sub, "closed")
			continue
		}
		if err := sub.Send(payload); err != nil {
			reason := "error"
			if errors.Is(err, ErrSlow) {
				reason = "slow"
			} else if errors.Is(err, ErrClosed) {
				reason = "closed"
			}
			h.drop(sub, reason)
			continue
		}
		delivered++
	}

	atomic.AddUint64(&h.broadcasts, 1)
	atomic.AddUint64(&h.delivered, uint64(delivered))
	metrics.Broadcasts.Inc()
	h.log.Debug().Int("events", len(batch)).Int("delivered", delivered).Int("targets", len(targets)).Msg("Broadcast batch")
	return delivered
}

func (h *Hub) drop(sub Subscriber, reason string) {
	atomic.AddUint64(&h.dropped, 1)
	metrics.SubscribersDropped.WithLabelValues(reason).Inc()
	h.Unregister(sub)
}

// Snapshot returns the last broadcast payload, or nil before the first broadcast.
func (h *Hub) Snapshot() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Wait blocks until background catch-up persistence has finished.
func (h *Hub) Wait() {
	h.persist.Wait()
}

// Close stops new catch-up writes from starting and waits for pending ones.
// Live delivery is unaffected.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.persist.Wait()
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"subscribers": h.Len(),
		"broadcasts":  atomic.LoadUint64(&h.broadcasts),
		"delivered":   atomic.LoadUint64(&h.delivered),
		"dropped":     atomic.LoadUint64(&h.dropped),
	}
}

// encode renders a batch as a JSON array; a nil batch becomes [].
func encode(batch models.AttackBatch) ([]byte, error) {
	if batch == nil {
		batch = models.AttackBatch{}
	}
	return json.Marshal(batch)
}
