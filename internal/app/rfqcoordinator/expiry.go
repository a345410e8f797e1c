package rfqcoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/pkg/logger"
)

// ExpiryScanner polls for RFQs past their expiry instant and transitions
// them to EXPIRED. A concurrent accept that has already advanced the
// aggregate's version wins: the re-read inside the tx rejects this scanner's
// stale expectedVersion and the row is simply skipped until the next poll:
// the accept wins the boundary race.
type ExpiryScanner struct {
	store        storage.RFQStore
	writer       writer
	scanInterval time.Duration
	log          *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// writer is the narrow outbox dependency the scanner needs (WriteTx only),
// so it can share the Coordinator's *outbox.Writer without importing it
// under a different name in this file's import block.
type writer interface {
	WriteTx(ctx context.Context, q storage.Querier, envs ...event.Envelope) error
}

var _ system.Service = (*ExpiryScanner)(nil)

// NewExpiryScanner constructs a scanner. scanInterval defaults to 1s
// (config.RFQConfig.ExpiryScanInterval) if zero or negative.
func NewExpiryScanner(store storage.RFQStore, w writer, scanInterval time.Duration, log *logger.Logger) *ExpiryScanner {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	if log == nil {
		log = logger.NewDefault("rfq-expiry-scanner")
	}
	return &ExpiryScanner{store: store, writer: w, scanInterval: scanInterval, log: log}
}

func (s *ExpiryScanner) Name() string { return "rfq-expiry-scanner" }

func (s *ExpiryScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.scan(runCtx)
			}
		}
	}()
	s.log.Info("rfq expiry scanner started")
	return nil
}

func (s *ExpiryScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *ExpiryScanner) scan(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListExpiringRFQs(ctx, []rfq.Status{rfq.StatusSent, rfq.StatusQuoting}, now, 200)
	if err != nil {
		s.log.Warnf("rfq expiry scan: list failed: %v", err)
		return
	}
	for _, r := range due {
		s.expireOne(ctx, r)
	}
}

func (s *ExpiryScanner) expireOne(ctx context.Context, r rfq.RFQ) {
	expectedVersion := r.Version
	if err := r.Expire(time.Now().UTC()); err != nil {
		return
	}
	env, err := event.Create(event.TypeRFQExpired, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version},
		map[string]any{"rfqId": r.RFQID, "expiryInstant": r.ExpiryInstant})
	if err != nil {
		s.log.Warnf("rfq expiry scan: build event failed for %s: %v", r.RFQID, err)
		return
	}
	err = s.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := s.store.SaveRFQ(ctx, q, r, expectedVersion); txErr != nil {
			return txErr
		}
		return s.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		if err == storage.ErrVersionConflict {
			s.log.Debugf("rfq expiry scan: %s raced with a concurrent accept, skipping", r.RFQID)
			return
		}
		s.log.Warnf("rfq expiry scan: save failed for %s: %v", r.RFQID, err)
	}
}
