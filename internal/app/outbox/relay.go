package outbox

import (
	"context"
	"math"
	"sync"
	"time"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/pkg/logger"
)

// Publisher sends one already-serialized outbox row to the log broker,
// partitioned by key (entity.entityId, preserving per-aggregate ordering).
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// RelayConfig mirrors config.OutboxConfig so the relay never hard-codes its
// own tuning (defaults: batch 100, poll 500ms, backoff 500ms*2^n capped
// at 10s, 10 retries before dead-lettering). The relay does not apply the
// backoff fields; they are defaulted and held but no delay is derived from
// them.
type RelayConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	MaxRetries    int
}

// Relay polls OutboxStore.ClaimUnpublished and publishes each row. A row
// whose publish fails is retried on each subsequent poll, with no backoff
// between attempts, and is routed to the outbox's own dead letter once
// MaxRetries is exceeded.
type Relay struct {
	store     storage.OutboxStore
	publisher Publisher
	cfg       RelayConfig
	log       *logger.Logger
	hooks     core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Relay)(nil)

// NewRelay constructs a Relay. A zero-value cfg field falls back to the
// defaults above so callers can pass a partially-populated config.OutboxConfig
// conversion without surprises.
func NewRelay(store storage.OutboxStore, publisher Publisher, cfg RelayConfig, log *logger.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if log == nil {
		log = logger.NewDefault("outbox-relay")
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		hooks:     metrics.OutboxRelayHooks(),
	}
}

func (r *Relay) Name() string { return "outbox-relay" }

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.poll(runCtx)
			}
		}
	}()

	r.log.Info("outbox relay started")
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// poll claims a batch of unpublished rows and attempts to publish each one.
func (r *Relay) poll(ctx context.Context) {
	pending, err := r.store.CountUnpublished(ctx)
	if err != nil {
		r.log.Warnf("outbox: count unpublished failed: %v", err)
	} else {
		metrics.SetOutboxPending(pending)
	}

	rows, err := r.store.ClaimUnpublished(ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.Warnf("outbox: claim unpublished failed: %v", err)
		return
	}
	for _, row := range rows {
		r.publishOne(ctx, row)
	}
}

func (r *Relay) publishOne(ctx context.Context, row storage.OutboxRow) {
	done := core.StartObservation(ctx, r.hooks, map[string]string{
		"entity_type": row.EntityType,
	})

	err := r.publisher.Publish(ctx, row.EntityID, row.Payload)
	done(err)

	if err == nil {
		if markErr := r.store.MarkPublished(ctx, row.ID, time.Now().UTC()); markErr != nil {
			r.log.Warnf("outbox: mark published failed for row %d: %v", row.ID, markErr)
			return
		}
		metrics.RecordOutboxPublished(row.EntityType, time.Since(row.CreatedAt))
		return
	}

	retryCount := row.RetryCount + 1
	if retryCount > r.cfg.MaxRetries {
		if dlqErr := r.store.DeadLetter(ctx, row, err.Error()); dlqErr != nil {
			r.log.Warnf("outbox: dead-letter failed for row %d: %v", row.ID, dlqErr)
			return
		}
		metrics.RecordOutboxDeadLettered(row.EntityType)
		r.log.Warnf("outbox: row %d dead-lettered after %d retries: %v", row.ID, retryCount, err)
		return
	}

	if markErr := r.store.MarkFailed(ctx, row.ID, err.Error(), retryCount); markErr != nil {
		r.log.Warnf("outbox: mark failed failed for row %d: %v", row.ID, markErr)
	}
	r.log.Warnf("outbox: publish failed for row %d (attempt %d): %v", row.ID, retryCount, err)
}

// BackoffFor returns the delay before the (1-indexed) attempt'th retry,
// base * factor^(attempt-1), capped at max.
func BackoffFor(base, max time.Duration, factor float64, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}
