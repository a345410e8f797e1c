// Package consumer implements the idempotent consumer runtime: each
// consumer group polls one topic, deduplicates by (tenantId, consumerGroup,
// eventId) before invoking its handler, retries transient handler failures
// on the configured backoff schedule, and routes events that exhaust
// retries to that group's dead letter queue.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/pkg/logger"
)

// Message is the minimal envelope-bearing unit a Source yields: Value is the
// serialized envelope. No partition key is carried, since dedup keys on
// eventId.
type Message struct {
	Value []byte
}

// Source abstracts the broker reader so the runtime is testable without a
// live Kafka cluster. KafkaSource (over broker.Reader) and MemorySource
// (over broker.MemoryReader) satisfy this.
type Source interface {
	FetchMessage(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
}

// Handler applies one event's effect. q is the transaction the runtime
// opened for this delivery — the dedup insert already sits on it, so any
// writes the handler issues through q commit or roll back together with it.
// A non-nil error is treated as transient and retried per the configured
// backoff schedule; to dead-letter immediately without retrying, return a
// *PermanentError.
type Handler func(ctx context.Context, q storage.Querier, env event.Envelope) error

// PermanentError marks a handler failure as non-retryable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Runner polls one Source for one consumer group, enforcing the dedup +
// retry + DLQ pipeline.
type Runner struct {
	group      string
	source     Source
	tx         storage.TxRunner
	processed  storage.ProcessedEventStore
	deadLetter storage.DeadLetterStore
	handler    Handler
	backoffs   []time.Duration
	log        *logger.Logger
	hooks      core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Runner)(nil)

// New constructs a Runner. backoffs is the fixed retry schedule from
// config.ConsumerConfig.RetryBackoffsMs (default
// [500ms,1s,2s,5s,10s]); len(backoffs) is the maximum retry count before
// dead-lettering.
func New(group string, source Source, tx storage.TxRunner, processed storage.ProcessedEventStore, deadLetter storage.DeadLetterStore, handler Handler, backoffs []time.Duration, hooks core.ObservationHooks, log *logger.Logger) *Runner {
	if len(backoffs) == 0 {
		backoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("consumer-" + group)
	}
	return &Runner{
		group:      group,
		source:     source,
		tx:         tx,
		processed:  processed,
		deadLetter: deadLetter,
		handler:    handler,
		backoffs:   backoffs,
		log:        log,
		hooks:      hooks,
	}
}

func (r *Runner) Name() string { return "consumer-" + r.group }

func (r *Runner) Start(ctx context.Context) error {
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
		for {
			if runCtx.Err() != nil {
				return
			}
			msg, err := r.source.FetchMessage(runCtx)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				r.log.Warnf("consumer %s: fetch failed: %v", r.group, err)
				continue
			}
			r.handleMessage(runCtx, msg)
		}
	}()

	r.log.Infof("consumer %s started", r.group)
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
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

// handleMessage runs the dedup → handle(+retry) → commit pipeline for one
// message, never returning an error: a poison message that exhausts
// retries is dead-lettered and committed so the group doesn't stall.
func (r *Runner) handleMessage(ctx context.Context, msg Message) {
	env, err := event.Deserialize(msg.Value)
	if err != nil {
		r.log.Warnf("consumer %s: undecodable message, skipping: %v", r.group, err)
		_ = r.source.Commit(ctx, msg)
		return
	}

	done := core.StartObservation(ctx, r.hooks, map[string]string{
		"consumer_group": r.group,
		"event_type":     env.EventType,
	})

	// The dedup insert and the handler's effect share one local
	// transaction: a crash between them rolls both back, so redelivery can
	// never find the event marked processed but un-applied. Each retry
	// attempt opens a fresh transaction. ownInsert lets a retry re-enter
	// the handler on backends whose RunInTx cannot roll the dedup insert
	// back (the in-memory store); with the relational store a failed
	// attempt's rollback removes the row and the next TryInsert succeeds.
	var deduped, ownInsert bool
	handlerErr := core.Retry(ctx, core.RetryPolicy{
		Backoffs:  r.backoffs,
		Permanent: isPermanent,
	}, func() error {
		deduped = false
		return r.tx.RunInTx(ctx, func(q storage.Querier) error {
			inserted, err := r.processed.TryInsert(ctx, q, storage.ProcessedEvent{
				TenantID:      env.TenantID,
				ConsumerGroup: r.group,
				EventID:       env.EventID,
				EventType:     env.EventType,
				ProcessedAt:   time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if !inserted && !ownInsert {
				deduped = true
				return nil
			}
			ownInsert = true
			return r.handler(ctx, q, env)
		})
	})
	done(handlerErr)

	if deduped {
		r.log.Debugf("consumer %s: %s already processed, skipping", r.group, env.EventID)
	}
	if handlerErr != nil {
		r.deadLetterEvent(ctx, env, handlerErr)
	}
	_ = r.source.Commit(ctx, msg)
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func (r *Runner) deadLetterEvent(ctx context.Context, env event.Envelope, cause error) {
	raw, err := event.Serialize(env)
	if err != nil {
		r.log.Warnf("consumer %s: failed to serialize %s for DLQ: %v", r.group, env.EventID, err)
		return
	}
	row := storage.DeadLetterRow{
		ConsumerGroup: r.group,
		EventID:       env.EventID,
		Envelope:      raw,
		ErrorSummary:  cause.Error(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.deadLetter.InsertDLQ(ctx, row); err != nil {
		r.log.Warnf("consumer %s: failed to dead-letter %s: %v", r.group, env.EventID, err)
		return
	}
	r.log.Warnf("consumer %s: %s dead-lettered after %d attempts: %v", r.group, env.EventID, len(r.backoffs)+1, cause)
}
