package observe

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"goa.design/clue/log"

	"github.com/chatcore-dev/chatcore/topic"
)

// DefaultInterval is the minimum spacing between coalesced snapshot
// publications for one topic.
const DefaultInterval = 50 * time.Millisecond

// Throttle coalesces snapshot publication to a bounded per-topic rate so a
// fast chunk cadence cannot overwhelm observers. State mutation is never
// throttled; only observer notification is. Rules:
//
//   - A snapshot publishes immediately when the topic's rate limiter allows.
//   - Otherwise it replaces the topic's pending snapshot (latest wins) and a
//     trailing flush is scheduled, so the last update before quiescence is
//     always delivered.
//   - Terminal snapshots bypass the limiter, cancel any pending flush, and
//     publish immediately: the final state is never dropped or coalesced.
type Throttle struct {
	bus      *Bus
	interval time.Duration

	mu     sync.Mutex
	topics map[topic.ID]*throttled
}

type throttled struct {
	limiter *rate.Limiter
	pending *Snapshot
	timer   *time.Timer
}

// NewThrottle returns a Throttle publishing on bus with the given minimum
// interval. A non-positive interval falls back to DefaultInterval.
func NewThrottle(bus *Bus, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{
		bus:      bus,
		interval: interval,
		topics:   make(map[topic.ID]*throttled),
	}
}

// Publish delivers the snapshot subject to the per-topic rate bound.
// Observer errors are logged, not propagated: a broken observer must not
// stall a stream.
func (t *Throttle) Publish(ctx context.Context, s Snapshot) {
	if s.Terminal {
		t.mu.Lock()
		if st, ok := t.topics[s.Topic]; ok {
			if st.timer != nil {
				st.timer.Stop()
			}
			delete(t.topics, s.Topic)
		}
		t.mu.Unlock()
		t.deliver(ctx, s)
		return
	}

	t.mu.Lock()
	st, ok := t.topics[s.Topic]
	if !ok {
		st = &throttled{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.topics[s.Topic] = st
	}
	if st.limiter.Allow() {
		st.pending = nil
		t.mu.Unlock()
		t.deliver(ctx, s)
		return
	}
	snap := s
	st.pending = &snap
	if st.timer == nil {
		st.timer = time.AfterFunc(t.interval, func() { t.flush(s.Topic) })
	}
	t.mu.Unlock()
}

// flush publishes the topic's pending snapshot, if one is still queued.
func (t *Throttle) flush(id topic.ID) {
	t.mu.Lock()
	st, ok := t.topics[id]
	if !ok || st.pending == nil {
		if ok {
			st.timer = nil
		}
		t.mu.Unlock()
		return
	}
	snap := *st.pending
	st.pending = nil
	st.timer = nil
	t.mu.Unlock()
	t.deliver(context.Background(), snap)
}

// Drop discards pending state for the topic. Invoked from the topic
// registry's delete cascade.
func (t *Throttle) Drop(id topic.ID) {
	t.mu.Lock()
	if st, ok := t.topics[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.topics, id)
	}
	t.mu.Unlock()
}

func (t *Throttle) deliver(ctx context.Context, s Snapshot) {
	if err := t.bus.Publish(ctx, s); err != nil {
		log.Errorf(ctx, err, "snapshot delivery failed for topic %s", s.Topic)
	}
}
