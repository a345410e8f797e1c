// Package marketdata implements the market data ingest and fan-out service layer: it
// drives one or more pluggable adapters (simulated, replay, or a real venue
// feed), normalizes and partitions raw ticks, tracks per-(instrument,source)
// staleness, republishes the raw stream onto the log at full rate, and
// coalesces per-subscription snapshots through a Hub at a bounded rate.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	domainmd "github.com/orion-trading/tec/internal/app/domain/marketdata"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/internal/platform"
	"github.com/orion-trading/tec/pkg/logger"
)

const producer = "marketdata-ingest"

// RawPublisher sends one already-serialized tick onto the raw, unthrottled
// market-data stream, partitioned by key (instrumentId, preserving
// per-instrument order). Satisfied by internal/platform/broker.Writer.
type RawPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// EventPublisher appends a single non-transactional event, used here for
// staleness/resume transitions that have no aggregate to share a write with.
// Satisfied by internal/app/outbox.Writer.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, env event.Envelope) error
}

// TickSnapshotter persists the latest tick per instrument so a newly
// subscribing client (or a restarted fan-out process) can serve a snapshot
// without waiting for the next raw tick. Satisfied by internal/platform.TickCache.
type TickSnapshotter interface {
	SetLatest(ctx context.Context, tick domainmd.Tick) error
}

// Config mirrors config.MarketDataConfig plus the tenant ticks are attributed
// to (market data has no natural tenant owner; it is a shared reference
// stream tagged with a single operational tenant).
type Config struct {
	TenantID           string
	StalenessThreshold time.Duration
	LateThreshold      time.Duration
	StaleSweepInterval time.Duration
}

// Ingestor wires one or more platform.MarketDataAdapter sources into the
// normalization, staleness-tracking, raw-republish, and coalesced fan-out
// pipeline. Adapters are registered into the same
// system.Manager as the Ingestor itself (they satisfy system.Service via
// their own Name/Start/Stop). OnTick is wired in the Ingestor's Start, so
// ticks an adapter produces before then reach no handler and are dropped.
type Ingestor struct {
	adapters  []platform.MarketDataAdapter
	publisher RawPublisher
	events    EventPublisher
	cache     TickSnapshotter
	hub       *Hub
	cfg       Config
	log       *logger.Logger

	mu         sync.Mutex
	lastSeenAt map[string]time.Time
	heartbeats map[string]domainmd.Heartbeat

	cancel  chan struct{}
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Ingestor)(nil)

// NewIngestor constructs an Ingestor. Zero-valued Config fields fall back to
// their defaults (5s staleness, 1s late threshold, 1s stale sweep).
func NewIngestor(adapters []platform.MarketDataAdapter, publisher RawPublisher, events EventPublisher, cache TickSnapshotter, hub *Hub, cfg Config, log *logger.Logger) *Ingestor {
	if cfg.TenantID == "" {
		cfg.TenantID = "global"
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 5 * time.Second
	}
	if cfg.LateThreshold <= 0 {
		cfg.LateThreshold = time.Second
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = time.Second
	}
	if log == nil {
		log = logger.NewDefault("marketdata-ingest")
	}
	return &Ingestor{
		adapters:   adapters,
		publisher:  publisher,
		events:     events,
		cache:      cache,
		hub:        hub,
		cfg:        cfg,
		log:        log,
		lastSeenAt: make(map[string]time.Time),
		heartbeats: make(map[string]domainmd.Heartbeat),
	}
}

func (i *Ingestor) Name() string { return "marketdata-ingestor" }

// Start registers the tick handler on every adapter and begins the
// staleness sweep. It does not itself start the adapters; the composition
// root registers each adapter as its own system.Service so simulated,
// replay, and live adapters share one lifecycle story.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	i.cancel = make(chan struct{})
	i.running = true
	i.mu.Unlock()

	for _, a := range i.adapters {
		a.OnTick(i.handleTick)
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.cfg.StaleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.cancel:
				return
			case <-ticker.C:
				i.sweepStale(ctx)
			}
		}
	}()

	i.log.Info("market data ingestor started")
	return nil
}

func (i *Ingestor) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	close(i.cancel)
	i.running = false
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		i.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// handleTick is the platform.TickHandler passed to every adapter. A
// malformed tick is dropped and counted, never allowed to stop ingestion for
// the rest of the instrument universe.
func (i *Ingestor) handleTick(ctx context.Context, raw domainmd.Tick) {
	key := heartbeatKey(raw.InstrumentID, raw.Source)

	i.mu.Lock()
	lastSeen := i.lastSeenAt[key]
	i.mu.Unlock()

	normalized, err := domainmd.Normalize(raw, lastSeen, i.cfg.LateThreshold)
	if err != nil {
		metrics.RecordMarketDataTick(raw.InstrumentID, "dropped")
		i.log.Debugf("market data: dropped malformed tick: %v", err)
		return
	}

	outcome := "accepted"
	if normalized.Quality.Late {
		outcome = "late"
	}
	metrics.RecordMarketDataTick(normalized.InstrumentID, outcome)

	i.mu.Lock()
	i.lastSeenAt[key] = normalized.Timestamp
	hb := i.heartbeats[key]
	hb.InstrumentID = normalized.InstrumentID
	hb.Source = normalized.Source
	hb, resumed := hb.Observe(normalized.Timestamp)
	i.heartbeats[key] = hb
	i.mu.Unlock()

	if resumed {
		i.emitResumed(ctx, normalized)
	}

	i.publishRaw(ctx, normalized)

	if i.cache != nil {
		if err := i.cache.SetLatest(ctx, normalized); err != nil {
			i.log.Warnf("market data: cache latest tick failed for %s: %v", normalized.InstrumentID, err)
		}
	}
	if i.hub != nil {
		i.hub.Observe(normalized)
	}
}

func (i *Ingestor) publishRaw(ctx context.Context, tick domainmd.Tick) {
	env, err := event.Create(event.TypeMarketTickReceived, producer, i.cfg.TenantID,
		event.Entity{EntityType: event.EntityMarketData, EntityID: tick.InstrumentID, Sequence: tick.Sequence},
		tick)
	if err != nil {
		i.log.Warnf("market data: build tick event failed: %v", err)
		return
	}
	payload, err := event.Serialize(env)
	if err != nil {
		i.log.Warnf("market data: serialize tick event failed: %v", err)
		return
	}
	if err := i.publisher.Publish(ctx, tick.InstrumentID, payload); err != nil {
		i.log.Warnf("market data: publish raw tick failed for %s: %v", tick.InstrumentID, err)
	}
}

func (i *Ingestor) emitResumed(ctx context.Context, tick domainmd.Tick) {
	i.emitTransition(ctx, event.TypeMarketDataResumed, tick.InstrumentID, tick.Source)
	metrics.SetMarketDataStale(tick.InstrumentID, tick.Source, false)
}

func (i *Ingestor) emitTransition(ctx context.Context, eventType, instrumentID, source string) {
	if i.events == nil {
		return
	}
	env, err := event.Create(eventType, producer, i.cfg.TenantID,
		event.Entity{EntityType: event.EntityMarketData, EntityID: instrumentID},
		map[string]any{"instrumentId": instrumentID, "source": source})
	if err != nil {
		i.log.Warnf("market data: build %s event failed: %v", eventType, err)
		return
	}
	if err := i.events.Publish(ctx, i.cfg.TenantID, env); err != nil {
		i.log.Warnf("market data: publish %s failed for %s: %v", eventType, instrumentID, err)
	}
}

// sweepStale re-evaluates every tracked heartbeat against the staleness
// threshold even absent new ticks, since a source that stops sending
// entirely never triggers handleTick's Observe path.
func (i *Ingestor) sweepStale(ctx context.Context) {
	now := time.Now().UTC()

	i.mu.Lock()
	heartbeats := make([]domainmd.Heartbeat, 0, len(i.heartbeats))
	for k, hb := range i.heartbeats {
		updated, changed := hb.CheckStale(now, i.cfg.StalenessThreshold)
		i.heartbeats[k] = updated
		if changed {
			heartbeats = append(heartbeats, updated)
		}
	}
	i.mu.Unlock()

	for _, hb := range heartbeats {
		metrics.SetMarketDataStale(hb.InstrumentID, hb.Source, hb.Stale)
		if hb.Stale {
			i.emitTransition(ctx, event.TypeMarketDataStaleDetected, hb.InstrumentID, hb.Source)
		}
	}
}

func heartbeatKey(instrumentID, source string) string {
	return instrumentID + "|" + source
}
