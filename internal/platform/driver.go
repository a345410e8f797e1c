// Package platform provides pluggable connectivity drivers for the TEC's
// external-facing components: market-data sources and liquidity-provider
// execution venues. Every driver shares the same nameable/startable/
// stoppable/health-checkable shape so the composition root can register
// them into the same lifecycle manager as any other system.Service.
package platform

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orion-trading/tec/internal/app/domain/marketdata"
)

// Driver is the base interface every platform connector satisfies.
type Driver interface {
	// Name returns the driver name for identification.
	Name() string

	// Start initializes the driver and establishes connections.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the driver.
	Stop(ctx context.Context) error

	// Ping checks if the driver's connection is healthy.
	Ping(ctx context.Context) error
}

// TickHandler receives normalized ticks as they arrive from a market-data
// adapter. Handlers must not block for long; slow processing should hand
// off to a buffered channel.
type TickHandler func(ctx context.Context, tick marketdata.Tick)

// MarketDataAdapter is the minimum capability set for a pluggable
// market-data connector: connect, subscribe(instruments),
// onTick(callback), disconnect. Concrete venue adapters are out-of-scope
// collaborators; SimulatedMarketDataAdapter and ReplayMarketDataAdapter
// below are the two in-process implementations the TEC ships.
type MarketDataAdapter interface {
	Driver

	// Subscribe registers interest in instruments; ticks for them are
	// delivered to any handler registered via OnTick.
	Subscribe(ctx context.Context, instruments []string) error

	// Unsubscribe removes instruments from the active subscription set.
	Unsubscribe(ctx context.Context, instruments []string) error

	// OnTick registers the callback invoked for every tick the adapter
	// produces. Only one handler is retained; callers compose fan-out
	// themselves (see internal/app/marketdata).
	OnTick(handler TickHandler)
}

// LiquidityProviderAdapter is the minimum capability set for a pluggable
// execution venue connector: quote, execute, and disconnect.
type LiquidityProviderAdapter interface {
	Driver

	// Quote asks the venue for an indicative price on the given instrument/
	// side/size. Production adapters perform a network round trip; the
	// rfqcoordinator QuoteResponder calls it for each RFQ it answers.
	Quote(ctx context.Context, instrumentID string, side string, size decimal.Decimal) (price decimal.Decimal, err error)

	// Execute confirms a trade at the venue, returning the venue's own
	// confirmation identifier.
	Execute(ctx context.Context, instrumentID string, side string, size, price decimal.Decimal) (confirmationID string, err error)
}

// --- SimulatedMarketDataAdapter ------------------------------------------

// SimulatedMarketDataAdapter generates a random-walk mid with configurable
// spread and volatility. It runs its own ticker goroutine once
// started and feeds every subscribed instrument to the registered handler.
type SimulatedMarketDataAdapter struct {
	name        string
	interval    time.Duration
	volatility  decimal.Decimal
	spread      decimal.Decimal
	rng         *rand.Rand

	mu      sync.Mutex
	subs    map[string]decimal.Decimal // instrumentId -> current mid
	handler TickHandler
	seq     map[string]int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSimulatedMarketDataAdapter constructs a simulated feed. Every
// subscribed instrument starts at a mid of 1.00. seed makes the walk
// reproducible across test runs.
func NewSimulatedMarketDataAdapter(name string, interval time.Duration, volatility, spread decimal.Decimal, seed int64) *SimulatedMarketDataAdapter {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &SimulatedMarketDataAdapter{
		name:       name,
		interval:   interval,
		volatility: volatility,
		spread:     spread,
		rng:        rand.New(rand.NewSource(seed)),
		subs:       make(map[string]decimal.Decimal),
		seq:        make(map[string]int64),
	}
}

func (a *SimulatedMarketDataAdapter) Name() string { return a.name }

func (a *SimulatedMarketDataAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				a.tickAll(runCtx)
			}
		}
	}()
	return nil
}

func (a *SimulatedMarketDataAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.running = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *SimulatedMarketDataAdapter) Ping(ctx context.Context) error { return nil }

func (a *SimulatedMarketDataAdapter) Subscribe(ctx context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range instruments {
		if _, ok := a.subs[id]; !ok {
			a.subs[id] = decimal.NewFromInt(1)
		}
	}
	return nil
}

func (a *SimulatedMarketDataAdapter) Unsubscribe(ctx context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range instruments {
		delete(a.subs, id)
	}
	return nil
}

func (a *SimulatedMarketDataAdapter) OnTick(handler TickHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *SimulatedMarketDataAdapter) tickAll(ctx context.Context) {
	a.mu.Lock()
	handler := a.handler
	instruments := make([]string, 0, len(a.subs))
	for id := range a.subs {
		instruments = append(instruments, id)
	}
	a.mu.Unlock()
	if handler == nil {
		return
	}
	for _, id := range instruments {
		a.mu.Lock()
		mid := a.subs[id]
		delta := decimal.NewFromFloat(a.rng.NormFloat64()).Mul(a.volatility).Mul(mid)
		mid = mid.Add(delta)
		if mid.IsNegative() {
			mid = decimal.NewFromFloat(0.0001)
		}
		a.subs[id] = mid
		a.seq[id]++
		seq := a.seq[id]
		a.mu.Unlock()

		halfSpread := mid.Mul(a.spread).Div(decimal.NewFromInt(2))
		tick := marketdata.Tick{
			InstrumentID: id,
			Bid:          mid.Sub(halfSpread),
			Ask:          mid.Add(halfSpread),
			Mid:          mid,
			Timestamp:    time.Now().UTC(),
			Source:       a.name,
			Sequence:     seq,
		}
		handler(ctx, tick)
	}
}

// --- ReplayMarketDataAdapter ----------------------------------------------

// ReplayMarketDataAdapter publishes a bounded sequence of recorded ticks at
// a configurable speed factor (0.2x to 5x). Ticks outside the
// subscribed instrument set are skipped; playback loops once exhausted.
type ReplayMarketDataAdapter struct {
	name        string
	recorded    []marketdata.Tick
	speedFactor float64

	mu      sync.Mutex
	subs    map[string]bool
	handler TickHandler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReplayMarketDataAdapter constructs a replay adapter over recorded,
// time-ordered ticks. speedFactor is clamped to [0.2, 5].
func NewReplayMarketDataAdapter(name string, recorded []marketdata.Tick, speedFactor float64) *ReplayMarketDataAdapter {
	if speedFactor < 0.2 {
		speedFactor = 0.2
	}
	if speedFactor > 5 {
		speedFactor = 5
	}
	return &ReplayMarketDataAdapter{name: name, recorded: recorded, speedFactor: speedFactor, subs: make(map[string]bool)}
}

func (a *ReplayMarketDataAdapter) Name() string { return a.name }

func (a *ReplayMarketDataAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running || len(a.recorded) == 0 {
		a.running = true
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.playback(runCtx)
	return nil
}

func (a *ReplayMarketDataAdapter) playback(ctx context.Context) {
	defer a.wg.Done()
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(a.recorded) == 0 {
			return
		}
		tick := a.recorded[idx%len(a.recorded)]
		var wait time.Duration
		if idx > 0 {
			prev := a.recorded[(idx-1)%len(a.recorded)]
			gap := tick.Timestamp.Sub(prev.Timestamp)
			if gap > 0 {
				wait = time.Duration(float64(gap) / a.speedFactor)
			}
		}
		idx++
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		a.mu.Lock()
		subscribed := a.subs[tick.InstrumentID]
		handler := a.handler
		a.mu.Unlock()
		if subscribed && handler != nil {
			handler(ctx, tick)
		}
	}
}

func (a *ReplayMarketDataAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.running = false
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *ReplayMarketDataAdapter) Ping(ctx context.Context) error { return nil }

func (a *ReplayMarketDataAdapter) Subscribe(ctx context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range instruments {
		a.subs[id] = true
	}
	return nil
}

func (a *ReplayMarketDataAdapter) Unsubscribe(ctx context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range instruments {
		delete(a.subs, id)
	}
	return nil
}

func (a *ReplayMarketDataAdapter) OnTick(handler TickHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// --- SimulatedLiquidityProviderAdapter ------------------------------------

// SimulatedLiquidityProviderAdapter quotes a configurable markup/markdown
// off a reference mid and always confirms execution, standing in for a
// venue connector in development and tests.
type SimulatedLiquidityProviderAdapter struct {
	name   string
	markup decimal.Decimal
	rng    *rand.Rand
	mu     sync.Mutex
}

func NewSimulatedLiquidityProviderAdapter(name string, markup decimal.Decimal, seed int64) *SimulatedLiquidityProviderAdapter {
	return &SimulatedLiquidityProviderAdapter{name: name, markup: markup, rng: rand.New(rand.NewSource(seed))}
}

func (a *SimulatedLiquidityProviderAdapter) Name() string                      { return a.name }
func (a *SimulatedLiquidityProviderAdapter) Start(ctx context.Context) error   { return nil }
func (a *SimulatedLiquidityProviderAdapter) Stop(ctx context.Context) error    { return nil }
func (a *SimulatedLiquidityProviderAdapter) Ping(ctx context.Context) error    { return nil }

func (a *SimulatedLiquidityProviderAdapter) Quote(ctx context.Context, instrumentID string, side string, size decimal.Decimal) (decimal.Decimal, error) {
	if size.IsNegative() || size.IsZero() {
		return decimal.Zero, fmt.Errorf("%s: invalid quote size %s", a.name, size)
	}
	a.mu.Lock()
	jitter := decimal.NewFromFloat(a.rng.Float64() * 0.001)
	a.mu.Unlock()
	base := decimal.NewFromInt(1).Add(a.markup).Add(jitter)
	return base, nil
}

func (a *SimulatedLiquidityProviderAdapter) Execute(ctx context.Context, instrumentID string, side string, size, price decimal.Decimal) (string, error) {
	return fmt.Sprintf("%s-%d", a.name, time.Now().UnixNano()), nil
}
