// Package controlplane implements the pre-command gate: kill switch,
// entitlement checks, rate limits, and max-notional enforcement. Every
// command handler in the RFQ coordinator and OMS calls Gate.Check before
// touching an aggregate.
package controlplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/logger"
)

// CommandKind distinguishes the two throttled command families.
type CommandKind string

const (
	CommandRFQ   CommandKind = "rfq"
	CommandOrder CommandKind = "order"
)

// RejectKind is the stable reason the gate blocked a command, mirrored onto
// a RiskLimitBreached event payload and an httpapi error code.
type RejectKind string

const (
	RejectKillSwitch  RejectKind = "KILL_SWITCH_ACTIVE"
	RejectForbidden   RejectKind = "FORBIDDEN"
	RejectRateLimited RejectKind = "RATE_LIMITED"
	RejectNotional    RejectKind = "MAX_NOTIONAL_EXCEEDED"
)

// RejectError is returned by Check when a command is blocked. Kind maps
// directly to an httpapi.ErrorCode.
type RejectError struct {
	Kind   RejectKind
	Reason string
}

func (e *RejectError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Reason) }

// Request describes the command about to be attempted, enough for every
// gate check in the fixed evaluation order.
type Request struct {
	TenantID     string
	UserID       string
	Kind         CommandKind
	AssetClass   string
	InstrumentID string
	Venue        string
	Notional     decimal.Decimal
}

// EventPublisher emits the envelope produced by a blocked command or a
// kill-switch transition. In production this is the outbox writer so the
// RiskLimitBreached/KillSwitchEnabled events share the transactional outbox
// pipeline; tests may pass a recording stub.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, env event.Envelope) error
}

// bucketKey identifies a single token-bucket instance.
type bucketKey struct {
	tenantID string
	userID   string
	kind     CommandKind
}

// Gate evaluates, in order, the kill switch, entitlements, rate limits, and
// max notional, in that order. It is safe for concurrent use.
type Gate struct {
	killSwitch   storage.KillSwitchStore
	entitlements storage.EntitlementStore
	publisher    EventPublisher
	log          *logger.Logger

	defaultRFQRate   float64
	defaultOrderRate float64
	defaultBurst     int

	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

// New constructs a Gate. defaultRFQRate/defaultOrderRate/defaultBurst seed
// token buckets for callers whose entitlement record leaves a limit at
// zero (meaning "use the tenant-wide default", not "unrestricted" — only
// empty allow-lists mean unrestricted).
func New(killSwitch storage.KillSwitchStore, entitlements storage.EntitlementStore, publisher EventPublisher, log *logger.Logger, defaultRFQRate, defaultOrderRate float64, defaultBurst int) *Gate {
	if log == nil {
		log = logger.NewDefault("controlplane")
	}
	return &Gate{
		killSwitch:       killSwitch,
		entitlements:     entitlements,
		publisher:        publisher,
		log:              log,
		defaultRFQRate:   defaultRFQRate,
		defaultOrderRate: defaultOrderRate,
		defaultBurst:     defaultBurst,
		buckets:          make(map[bucketKey]*rate.Limiter),
	}
}

// Check runs the four gate stages in their fixed order.
// On rejection it emits RiskLimitBreached (best-effort; a publish failure
// is logged, not surfaced — the reject itself must still block the
// command) and returns a *RejectError.
func (g *Gate) Check(ctx context.Context, req Request) error {
	if err := g.checkKillSwitch(ctx, req); err != nil {
		g.emitBreach(ctx, req, err)
		return err
	}
	if err := g.checkEntitlement(ctx, req); err != nil {
		g.emitBreach(ctx, req, err)
		return err
	}
	if err := g.checkRateLimit(ctx, req); err != nil {
		g.emitBreach(ctx, req, err)
		return err
	}
	if err := g.checkNotional(ctx, req); err != nil {
		g.emitBreach(ctx, req, err)
		return err
	}
	return nil
}

func (g *Gate) checkKillSwitch(ctx context.Context, req Request) *RejectError {
	active, err := g.killSwitch.IsActive(ctx, req.TenantID)
	if err != nil {
		g.log.Warnf("kill switch lookup failed for tenant %s: %v", req.TenantID, err)
		return nil
	}
	if active {
		return &RejectError{Kind: RejectKillSwitch, Reason: fmt.Sprintf("kill switch active for tenant %s", req.TenantID)}
	}
	return nil
}

func (g *Gate) checkEntitlement(ctx context.Context, req Request) *RejectError {
	ent, err := g.entitlements.GetEntitlement(ctx, req.TenantID, req.UserID)
	if err != nil {
		g.log.Warnf("entitlement lookup failed for %s/%s: %v", req.TenantID, req.UserID, err)
		return nil
	}
	if len(ent.AssetClasses) > 0 && !contains(ent.AssetClasses, req.AssetClass) {
		return &RejectError{Kind: RejectForbidden, Reason: fmt.Sprintf("asset class %s not entitled", req.AssetClass)}
	}
	if len(ent.Instruments) > 0 && !contains(ent.Instruments, req.InstrumentID) {
		return &RejectError{Kind: RejectForbidden, Reason: fmt.Sprintf("instrument %s not entitled", req.InstrumentID)}
	}
	if req.Venue != "" && len(ent.Venues) > 0 && !contains(ent.Venues, req.Venue) {
		return &RejectError{Kind: RejectForbidden, Reason: fmt.Sprintf("venue %s not entitled", req.Venue)}
	}
	return nil
}

func (g *Gate) checkRateLimit(ctx context.Context, req Request) *RejectError {
	ent, err := g.entitlements.GetEntitlement(ctx, req.TenantID, req.UserID)
	if err != nil {
		g.log.Warnf("entitlement lookup failed for rate limit %s/%s: %v", req.TenantID, req.UserID, err)
	}
	limiter := g.limiterFor(req, ent.MaxRFQsPerSecond, ent.MaxOrdersPerSecond)
	if !limiter.Allow() {
		return &RejectError{Kind: RejectRateLimited, Reason: fmt.Sprintf("rate limit exceeded for %s commands", req.Kind)}
	}
	return nil
}

func (g *Gate) checkNotional(ctx context.Context, req Request) *RejectError {
	if req.Notional.IsZero() {
		return nil
	}
	ent, err := g.entitlements.GetEntitlement(ctx, req.TenantID, req.UserID)
	if err != nil || ent.MaxNotional == "" {
		return nil
	}
	ceiling, err := decimal.NewFromString(ent.MaxNotional)
	if err != nil {
		g.log.Warnf("invalid max notional %q for %s/%s", ent.MaxNotional, req.TenantID, req.UserID)
		return nil
	}
	if req.Notional.GreaterThan(ceiling) {
		return &RejectError{Kind: RejectNotional, Reason: fmt.Sprintf("notional %s exceeds ceiling %s", req.Notional, ceiling)}
	}
	return nil
}

func (g *Gate) limiterFor(req Request, rfqRate, orderRate float64) *rate.Limiter {
	key := bucketKey{tenantID: req.TenantID, userID: req.UserID, kind: req.Kind}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.buckets[key]; ok {
		return l
	}

	r := g.defaultRFQRate
	if req.Kind == CommandOrder {
		r = g.defaultOrderRate
	}
	if req.Kind == CommandRFQ && rfqRate > 0 {
		r = rfqRate
	}
	if req.Kind == CommandOrder && orderRate > 0 {
		r = orderRate
	}
	burst := g.defaultBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(r), burst)
	g.buckets[key] = l
	return l
}

func (g *Gate) emitBreach(ctx context.Context, req Request, rejectErr *RejectError) {
	if g.publisher == nil {
		return
	}
	payload := map[string]any{
		"tenantId":     req.TenantID,
		"userId":       req.UserID,
		"commandKind":  req.Kind,
		"instrumentId": req.InstrumentID,
		"reason":       rejectErr.Kind,
		"message":      rejectErr.Reason,
	}
	env, err := event.Create(event.TypeRiskLimitBreached, "control-plane", req.TenantID,
		event.Entity{EntityType: event.EntityKillSwitch, EntityID: req.TenantID, Sequence: 0}, payload)
	if err != nil {
		return
	}
	if err := g.publisher.Publish(ctx, req.TenantID, env); err != nil {
		g.log.Warnf("failed to publish RiskLimitBreached: %v", err)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
