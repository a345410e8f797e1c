// Package app wires the TEC's storage, broker, domain services, sagas, and
// HTTP surface into a single running process. This is the composition root:
// it owns no business logic of its own, only construction and lifecycle
// registration order.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/orion-trading/tec/internal/app/consumer"
	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/httpapi"
	"github.com/orion-trading/tec/internal/app/marketdata"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/oms"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/projection"
	"github.com/orion-trading/tec/internal/app/rfqcoordinator"
	"github.com/orion-trading/tec/internal/app/saga"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/storage/memory"
	"github.com/orion-trading/tec/internal/app/storage/postgres"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/internal/config"
	"github.com/orion-trading/tec/internal/platform"
	"github.com/orion-trading/tec/internal/platform/broker"
	"github.com/orion-trading/tec/pkg/logger"
)

// Stores bundles every storage interface the composition root depends on.
// A single concrete Store (memory.Store or postgres.Store) satisfies all of
// them, but app.go depends only on the narrow interfaces.
type Stores struct {
	storage.OutboxStore
	storage.ProcessedEventStore
	storage.DeadLetterStore
	storage.RFQStore
	storage.OrderStore
	storage.TradeStore
	storage.SettlementStore
	storage.EntitlementStore
	storage.KillSwitchStore
	storage.InstrumentStore
	storage.BlotterStore
	storage.RefDataStore
}

// RunInTx resolves the four embedded TxRunner promotions to the single
// backing store they all share, so Stores itself satisfies every TxRunner-
// carrying interface.
func (s Stores) RunInTx(ctx context.Context, fn func(q storage.Querier) error) error {
	return s.OutboxStore.RunInTx(ctx, fn)
}

// App holds every long-lived component, for tests and for a graceful-shutdown
// caller that wants direct access beyond the system.Manager lifecycle.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Manager *system.Manager
	HTTP    *httpapi.Service

	db     *sql.DB
	router *broker.TopicRouter
	hub    *marketdata.Hub
}

// New builds every TEC component from cfg and registers each system.Service
// into a freshly constructed Manager in dependency order: storage, outbox
// relay, control plane, RFQ/OMS command handlers, saga consumers, market
// data, HTTP.
func New(cfg *config.Config) (*App, error) {
	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	manager := system.NewManager()

	stores, db, err := newStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: build stores: %w", err)
	}

	env := cfg.Broker.Environment
	var (
		publisher    outbox.Publisher
		rawPublisher marketdata.RawPublisher
		router       *broker.TopicRouter
		mem          *broker.MemoryBroker
	)
	if len(cfg.Broker.Brokers) > 0 {
		router = broker.NewTopicRouter(cfg.Broker.Brokers, env)
		publisher = router
		rawPublisher = router
	} else {
		// One shared in-process broker: the same instance every publisher
		// writes to and every consumer group reads from.
		mem = broker.NewMemoryBroker(env)
		p := memoryPublisher{broker: mem, env: env}
		publisher = p
		rawPublisher = p
	}

	writer := outbox.NewWriter(stores)

	relayCfg := outbox.RelayConfig{
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  config.DurationMs(cfg.Outbox.PollInterval),
		BaseBackoff:   config.DurationMs(cfg.Outbox.BaseBackoffMs),
		MaxBackoff:    config.DurationMs(cfg.Outbox.MaxBackoffMs),
		BackoffFactor: cfg.Outbox.BackoffFactor,
		MaxRetries:    cfg.Outbox.MaxRetries,
	}
	relay := outbox.NewRelay(stores, publisher, relayCfg, log)
	if err := manager.Register(relay); err != nil {
		return nil, err
	}

	gate := controlplane.New(stores, stores, writer, log,
		cfg.RateLimit.RFQsPerSecond, cfg.RateLimit.OrdersPerSecond, cfg.RateLimit.Burst)
	killSwitch := controlplane.NewKillSwitchService(stores, writer, "control-plane")

	rfqCfg := rfqcoordinator.Config{
		MaxExpiry:        config.DurationMs(cfg.RFQ.MaxExpirySeconds * 1000),
		LastLookStrategy: rfqcoordinator.DefaultLastLookStrategy(5 * time.Second),
	}
	coordinator := rfqcoordinator.New(stores, writer, gate, nil, rfqCfg, metrics.RFQCoordinatorHooks(), log)

	expiryScanner := rfqcoordinator.NewExpiryScanner(stores, writer, config.DurationMs(cfg.RFQ.ExpiryScanInterval), log)
	if err := manager.Register(expiryScanner); err != nil {
		return nil, err
	}

	omsService := oms.New(stores, writer, gate, metrics.OrderServiceHooks(), log)

	quoteResolver := &rfqQuoteResolver{store: stores}
	executionSaga := saga.NewExecutionSaga(stores, stores, writer, quoteResolver, "SIM-LP-1", 3, log)

	settler := saga.NewSimulatedSettler(cfg.Settlement.FailureProbability, 1)
	settlementCfg := saga.SettlementConfig{
		PollInterval: time.Second,
		BaseBackoff:  config.DurationMs(cfg.Settlement.BaseBackoffSeconds * 1000),
		MaxBackoff:   config.DurationMs(cfg.Settlement.MaxBackoffSeconds * 1000),
		MaxAttempts:  cfg.Settlement.MaxAttempts,
	}
	settlementLoop := saga.NewSettlementRetryLoop(stores, settler, writer, settlementCfg, metrics.SettlementSagaHooks(), log)
	if err := manager.Register(settlementLoop); err != nil {
		return nil, err
	}

	quoteAcceptedConsumer, err := newConsumer(cfg, mem, "execution-saga", event.TypeQuoteAccepted, stores, executionSaga.Handle, log)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(quoteAcceptedConsumer); err != nil {
		return nil, err
	}

	blotter := projection.NewBlotter(stores, log)
	blotterConsumer, err := newConsumer(cfg, mem, "blotter", event.TypeTradeExecuted, stores, blotter.Handle, log)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(blotterConsumer); err != nil {
		return nil, err
	}

	lpAdapter := platform.NewSimulatedLiquidityProviderAdapter("SIM-LP-1", decimal.NewFromFloat(0.0003), 7)
	responder := rfqcoordinator.NewQuoteResponder(coordinator, stores, []platform.LiquidityProviderAdapter{lpAdapter}, 10*time.Second, log)
	responderConsumer, err := newConsumer(cfg, mem, "lp-quote-responder", event.TypeRFQSent, stores, responder.Handle, log)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(responderConsumer); err != nil {
		return nil, err
	}

	killSwitchConsumer, err := newKillSwitchConsumer(cfg, mem, stores, killSwitch, log)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(killSwitchConsumer); err != nil {
		return nil, err
	}

	hub := marketdata.NewHub(config.DurationMs(cfg.MarketData.CoalesceIntervalMs))
	if err := manager.Register(hub); err != nil {
		return nil, err
	}

	simAdapter := platform.NewSimulatedMarketDataAdapter("sim-feed", 200*time.Millisecond, decimal.NewFromFloat(0.0005), decimal.NewFromFloat(0.0008), 42)
	if err := manager.Register(simAdapter); err != nil {
		return nil, err
	}

	var cache marketdata.TickSnapshotter
	if cfg.Redis.Addr != "" {
		tickCache := platform.NewTickCache(cfg.Redis.Addr, cfg.Redis.DB, config.DurationMs(cfg.Redis.TTLMs))
		if err := manager.Register(tickCache); err != nil {
			return nil, err
		}
		cache = tickCache
	}

	ingestor := marketdata.NewIngestor([]platform.MarketDataAdapter{simAdapter}, rawPublisher, writer, cache, hub, marketdata.Config{
		TenantID:           "global",
		StalenessThreshold: config.DurationMs(cfg.MarketData.StalenessThresholdMs),
		LateThreshold:      config.DurationMs(cfg.MarketData.LateThresholdMs),
	}, log)
	if err := manager.Register(ingestor); err != nil {
		return nil, err
	}

	httpService := httpapi.New(httpapi.Dependencies{
		Config:       cfg,
		Log:          log,
		Coordinator:  coordinator,
		OMS:          omsService,
		KillSwitch:   killSwitch,
		Gate:         gate,
		Instruments:  stores,
		RefData:      stores,
		Entitlements: stores,
		Events:       writer,
		DeadLetters:  stores,
		Hub:          hub,
		RFQReader:    stores,
		Orders:       stores,
		TradeReader:  stores,
		Settlements:  stores,
		DB:           db,
	})
	if err := manager.Register(httpService); err != nil {
		return nil, err
	}

	return &App{Config: cfg, Log: log, Manager: manager, HTTP: httpService, db: db, router: router, hub: hub}, nil
}

// Close releases resources the Manager lifecycle does not own directly
// (the SQL pool and any open Kafka writers).
func (a *App) Close() error {
	var firstErr error
	if a.router != nil {
		if err := a.router.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newStores(cfg *config.Config, log *logger.Logger) (Stores, *sql.DB, error) {
	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}
	if dsn == "" {
		log.Info("no database DSN configured; using in-memory storage backend")
		mem := memory.New()
		return wrapStore(mem), nil, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.DurationMs(cfg.Database.ConnMaxLifetime * 1000))
	}
	store := postgres.New(db)
	return wrapStore(store), db, nil
}

// storeAll is satisfied by both memory.Store and postgres.Store: every
// interface Stores embeds.
type storeAll interface {
	storage.OutboxStore
	storage.ProcessedEventStore
	storage.DeadLetterStore
	storage.RFQStore
	storage.OrderStore
	storage.TradeStore
	storage.SettlementStore
	storage.EntitlementStore
	storage.KillSwitchStore
	storage.InstrumentStore
	storage.BlotterStore
	storage.RefDataStore
}

func wrapStore(s storeAll) Stores {
	return Stores{
		OutboxStore:         s,
		ProcessedEventStore: s,
		DeadLetterStore:     s,
		RFQStore:            s,
		OrderStore:          s,
		TradeStore:          s,
		SettlementStore:     s,
		EntitlementStore:    s,
		KillSwitchStore:     s,
		InstrumentStore:     s,
		BlotterStore:        s,
		RefDataStore:        s,
	}
}

// memoryPublisher adapts broker.MemoryBroker to the outbox.Publisher /
// marketdata.RawPublisher shape (Publish(ctx, key, value)); key is unused by
// MemoryBroker since fan-out is topic-keyed, not partition-keyed, in-process.
type memoryPublisher struct {
	broker *broker.MemoryBroker
	env    string
}

func (p memoryPublisher) Publish(ctx context.Context, key string, value []byte) error {
	return p.broker.Publish(ctx, key, value)
}

// rfqQuoteResolver adapts storage.RFQStore to saga.QuoteResolver by reading
// the accepted quote back off the RFQ's quote map.
type rfqQuoteResolver struct {
	store storage.RFQStore
}

func (r *rfqQuoteResolver) ResolveQuote(ctx context.Context, tenantID, rfqID, quoteID string) (decimal.Decimal, string, string, error) {
	rec, err := r.store.GetRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return decimal.Zero, "", "", err
	}
	q, ok := rec.Quotes[quoteID]
	if !ok {
		return decimal.Zero, "", "", fmt.Errorf("quote %s not found on rfq %s", quoteID, rfqID)
	}
	return q.Price, q.LPID, "", nil
}

// newConsumer builds a Runner bound either to a Kafka reader or a broker in
// the shared in-process MemoryBroker, keyed on the event's routed topic.
func newConsumer(cfg *config.Config, mem *broker.MemoryBroker, group, triggerEventType string, stores Stores, handler consumer.Handler, log *logger.Logger) (*consumer.Runner, error) {
	topic := event.TopicForType(cfg.Broker.Environment, triggerEventType)
	source, err := newSource(cfg, mem, group, topic)
	if err != nil {
		return nil, err
	}
	backoffs := make([]time.Duration, 0, len(cfg.Consumer.RetryBackoffsMs))
	for _, ms := range cfg.Consumer.RetryBackoffsMs {
		backoffs = append(backoffs, config.DurationMs(ms))
	}
	return consumer.New(group, source, stores, stores, stores, handler, backoffs, metrics.ObservationHooks("orion_tec", "consumer", group), log), nil
}

func newKillSwitchConsumer(cfg *config.Config, mem *broker.MemoryBroker, stores Stores, killSwitch *controlplane.KillSwitchService, log *logger.Logger) (*consumer.Runner, error) {
	handler := func(ctx context.Context, _ storage.Querier, env event.Envelope) error {
		switch env.EventType {
		case event.TypeKillSwitchEnabled, event.TypeKillSwitchDisabled:
			return killSwitch.ApplyBroadcast(ctx, env)
		default:
			return nil
		}
	}
	topic := event.TopicForType(cfg.Broker.Environment, event.TypeKillSwitchEnabled)
	source, err := newSource(cfg, mem, "killswitch-broadcast", topic)
	if err != nil {
		return nil, err
	}
	return consumer.New("killswitch-broadcast", source, stores, stores, stores, handler, nil, metrics.ObservationHooks("orion_tec", "consumer", "killswitch"), log), nil
}

func newSource(cfg *config.Config, mem *broker.MemoryBroker, group, topic string) (consumer.Source, error) {
	if len(cfg.Broker.Brokers) > 0 {
		reader := broker.NewReader(broker.ReaderConfig{Brokers: cfg.Broker.Brokers, Topic: topic, GroupID: group})
		return consumer.NewKafkaSource(reader), nil
	}
	return consumer.NewMemorySource(mem.MemoryReader(topic, group)), nil
}
