package saga

import (
	"context"
	"math/rand"
	"sync"
	"time"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/pkg/logger"
)

// Settler performs (or simulates) the actual settlement call to a venue.
// A non-nil error marks the attempt failed; Fail then decides retry vs
// FAILED_FINAL.
type Settler interface {
	Settle(ctx context.Context, tradeID, venue string) error
}

// SimulatedSettler fails FailureProbability of attempts, a configurable
// random failure rate for exercising the retry path.
type SimulatedSettler struct {
	FailureProbability float64
	rng                *rand.Rand
	mu                 sync.Mutex
}

// NewSimulatedSettler constructs a SimulatedSettler. seed is fixed so
// behavior is reproducible across test runs.
func NewSimulatedSettler(failureProbability float64, seed int64) *SimulatedSettler {
	return &SimulatedSettler{FailureProbability: failureProbability, rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedSettler) Settle(ctx context.Context, tradeID, venue string) error {
	s.mu.Lock()
	fail := s.rng.Float64() < s.FailureProbability
	s.mu.Unlock()
	if fail {
		return &settlementFailure{venue: venue}
	}
	return nil
}

type settlementFailure struct{ venue string }

func (e *settlementFailure) Error() string { return "simulated settlement rejection at venue " + e.venue }

// SettlementConfig tunes the retry loop (defaults: base 5s, factor 2,
// cap 300s, 3 attempts).
type SettlementConfig struct {
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	JitterFrac   float64 // fraction of backoff randomized, e.g. 0.2 = +/-20%
}

// SettlementRetryLoop polls SettlementStore.ListDue and drives each due
// settlement through one attempt.
type SettlementRetryLoop struct {
	settlements storage.SettlementStore
	settler     Settler
	writer      *outbox.Writer
	cfg         SettlementConfig
	log         *logger.Logger
	hooks       core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*SettlementRetryLoop)(nil)

// NewSettlementRetryLoop constructs a SettlementRetryLoop.
func NewSettlementRetryLoop(settlements storage.SettlementStore, settler Settler, writer *outbox.Writer, cfg SettlementConfig, hooks core.ObservationHooks, log *logger.Logger) *SettlementRetryLoop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = logger.NewDefault("settlement-saga")
	}
	return &SettlementRetryLoop{settlements: settlements, settler: settler, writer: writer, cfg: cfg, log: log, hooks: hooks}
}

func (l *SettlementRetryLoop) Name() string { return "settlement-retry-loop" }

func (l *SettlementRetryLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.poll(runCtx)
			}
		}
	}()
	l.log.Info("settlement retry loop started")
	return nil
}

func (l *SettlementRetryLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *SettlementRetryLoop) poll(ctx context.Context) {
	due, err := l.settlements.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		l.log.Warnf("settlement saga: list due failed: %v", err)
		return
	}
	for _, s := range due {
		l.attempt(ctx, s)
	}
}

func (l *SettlementRetryLoop) attempt(ctx context.Context, s trade.Settlement) {
	done := core.StartObservation(ctx, l.hooks, map[string]string{"venue": s.Venue, "trade_id": s.TradeID})
	now := time.Now().UTC()

	if err := s.BeginAttempt(now); err != nil {
		l.log.Warnf("settlement saga: begin attempt failed for trade %s: %v", s.TradeID, err)
		done(err)
		return
	}
	if err := l.settlements.SaveSettlement(ctx, s); err != nil {
		l.log.Warnf("settlement saga: save (settling) failed for trade %s: %v", s.TradeID, err)
		done(err)
		return
	}

	settleErr := l.settler.Settle(ctx, s.TradeID, s.Venue)
	done(settleErr)

	if settleErr == nil {
		now = time.Now().UTC()
		if err := s.Succeed(now); err != nil {
			l.log.Warnf("settlement saga: succeed failed for trade %s: %v", s.TradeID, err)
			return
		}
		if err := l.settlements.SaveSettlement(ctx, s); err != nil {
			l.log.Warnf("settlement saga: save (settled) failed for trade %s: %v", s.TradeID, err)
			return
		}
		l.emit(ctx, event.TypeSettlementCompleted, s, nil)
		return
	}

	now = time.Now().UTC()
	if err := s.Fail(settleErr.Error(), l.cfg.BaseBackoff, l.cfg.MaxBackoff, l.jitter, now); err != nil {
		l.log.Warnf("settlement saga: fail transition rejected for trade %s: %v", s.TradeID, err)
		return
	}
	if err := l.settlements.SaveSettlement(ctx, s); err != nil {
		l.log.Warnf("settlement saga: save (failed) failed for trade %s: %v", s.TradeID, err)
		return
	}
	l.emit(ctx, event.TypeSettlementFailed, s, settleErr)
}

func (l *SettlementRetryLoop) jitter(d time.Duration) time.Duration {
	if l.cfg.JitterFrac <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * l.cfg.JitterFrac * (rand.Float64()*2 - 1))
	out := d + delta
	if out < 0 {
		return d
	}
	return out
}

func (l *SettlementRetryLoop) emit(ctx context.Context, eventType string, s trade.Settlement, cause error) {
	payload := map[string]any{"tradeId": s.TradeID, "status": s.Status, "attempts": s.Attempts}
	if cause != nil {
		payload["lastError"] = cause.Error()
	}
	env, err := event.Create(eventType, producer, s.TenantID,
		event.Entity{EntityType: event.EntitySettlement, EntityID: s.TradeID, Sequence: int64(s.Attempts)}, payload)
	if err != nil {
		l.log.Warnf("settlement saga: failed to build %s event for trade %s: %v", eventType, s.TradeID, err)
		return
	}
	if err := l.writer.Publish(ctx, s.TenantID, env); err != nil {
		l.log.Warnf("settlement saga: failed to publish %s for trade %s: %v", eventType, s.TradeID, err)
	}
}
