package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/marketdata"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/system"
)

// Snapshot is the coalesced view handed to one subscription: the latest tick
// per instrument the subscription cares about, as of the last flush.
type Snapshot map[string]marketdata.Tick

// Subscription is one consumer's coalesced view of a set of instruments,
// following the "snapshot + incremental" protocol. Out is buffered to exactly
// one pending Snapshot: a flush that finds Out already full drops the
// previous (now-stale) snapshot and replaces it rather than blocking, so a
// slow reader never falls behind on wall-clock time, only on tick freshness.
type Subscription struct {
	ID          string
	Instruments map[string]bool
	Out         chan Snapshot
}

// Hub holds the latest tick per instrument and flushes a coalesced snapshot
// to every subscription at a fixed interval (default 100ms / 10Hz),
// decoupling the raw per-tick rate from what any one subscriber is
// handed. The raw stream (Ingestor's direct broker publish) is never routed
// through the Hub and so is never throttled.
type Hub struct {
	interval time.Duration

	mu     sync.Mutex
	latest map[string]marketdata.Tick
	subs   map[string]*Subscription

	cancel  chan struct{}
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Hub)(nil)

// NewHub constructs a Hub. interval defaults to 100ms (config.MarketDataConfig.CoalesceIntervalMs) if zero or negative.
func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Hub{
		interval: interval,
		latest:   make(map[string]marketdata.Tick),
		subs:     make(map[string]*Subscription),
	}
}

func (h *Hub) Name() string { return "marketdata-fanout-hub" }

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.cancel = make(chan struct{})
	h.running = true

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.cancel:
				return
			case <-ticker.C:
				h.flush()
			}
		}
	}()
	return nil
}

func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	close(h.cancel)
	h.running = false
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// Observe records a fresh tick as the latest for its instrument. Called once
// per normalized tick, independent of flush cadence.
func (h *Hub) Observe(tick marketdata.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[tick.InstrumentID] = tick
}

// Subscribe registers a new subscription over instruments and returns it.
// The caller reads Out for coalesced snapshots and must call Unsubscribe
// when done.
func (h *Hub) Subscribe(id string, instruments []string) *Subscription {
	set := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		set[inst] = true
	}
	sub := &Subscription{ID: id, Instruments: set, Out: make(chan Snapshot, 1)}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

// LatestSnapshot returns the latest known tick for each requested instrument,
// for the immediate snapshot a Subscribe call must send before coalesced
// incrementals begin flowing. Instruments with no tick observed yet
// are simply absent from the result.
func (h *Hub) LatestSnapshot(instruments []string) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make(Snapshot, len(instruments))
	for _, inst := range instruments {
		if tick, ok := h.latest[inst]; ok {
			snap[inst] = tick
		}
	}
	return snap
}

// UpdateSubscription replaces the instrument set of a live subscription,
// implementing subscribe/unsubscribe-by-instrument-set on an open stream.
// The next flush (at most one coalescing interval away) delivers the first
// snapshot covering the new set.
func (h *Hub) UpdateSubscription(id string, instruments []string) {
	set := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		set[inst] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.Instruments = set
	}
}

// Unsubscribe removes a subscription from the fan-out set.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// flush builds and delivers a per-subscription snapshot for every registered
// subscription, dropping (and counting) whatever snapshot was still pending
// from the previous interval. Snapshots are built under the hub lock
// (instrument sets may be swapped live by UpdateSubscription); delivery is
// non-blocking so a slow subscriber never stalls the flush loop.
func (h *Hub) flush() {
	type delivery struct {
		sub  *Subscription
		snap Snapshot
	}

	h.mu.Lock()
	deliveries := make([]delivery, 0, len(h.subs))
	for _, sub := range h.subs {
		snap := make(Snapshot, len(sub.Instruments))
		for inst := range sub.Instruments {
			if tick, ok := h.latest[inst]; ok {
				snap[inst] = tick
			}
		}
		if len(snap) == 0 {
			continue
		}
		deliveries = append(deliveries, delivery{sub: sub, snap: snap})
	}
	h.mu.Unlock()

	for _, d := range deliveries {
		select {
		case d.sub.Out <- d.snap:
		default:
			// previous snapshot still unread; drop it for the fresher one.
			select {
			case <-d.sub.Out:
				metrics.RecordCoalescedDrop("*")
			default:
			}
			select {
			case d.sub.Out <- d.snap:
			default:
			}
		}
	}
}
