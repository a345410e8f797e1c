// Package memory implements the storage interfaces entirely in-process,
// for tests and single-node development where a relational store is not
// wired up.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/storage"
)

// Store implements every TEC storage interface with in-memory maps guarded
// by a single mutex. It is not horizontally scalable (ClaimUnpublished
// claims without lock contention since there is only one process) but
// preserves the same happens-before semantics callers rely on.
type Store struct {
	mu sync.Mutex

	outboxSeq   int64
	outbox      []storage.OutboxRow
	deadLetters []storage.DeadLetterRow
	dlSeq       int64

	processed map[string]storage.ProcessedEvent // key: tenant|group|eventId

	rfqs   map[string]rfq.RFQ // key: tenant|rfqId
	orders map[string]order.Order
	idemOrders map[string]string // tenant|owner|key -> orderId

	trades     map[string]trade.Trade
	tradeDedup map[string]string // rfqId|acceptedQuoteId -> tradeId

	settlements map[string]trade.Settlement

	entitlements map[string]storage.Entitlement // tenant|user
	killSwitch   map[string]bool                // tenant, "" = global

	instruments map[string]storage.Instrument

	blotter map[string]storage.BlotterTrade // tenant|tradeId

	venues map[string]storage.Venue
	lps    map[string]storage.LiquidityProvider
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		processed:    make(map[string]storage.ProcessedEvent),
		rfqs:         make(map[string]rfq.RFQ),
		orders:       make(map[string]order.Order),
		idemOrders:   make(map[string]string),
		trades:       make(map[string]trade.Trade),
		tradeDedup:   make(map[string]string),
		settlements:  make(map[string]trade.Settlement),
		entitlements: make(map[string]storage.Entitlement),
		killSwitch:   make(map[string]bool),
		instruments:  make(map[string]storage.Instrument),
		blotter:      make(map[string]storage.BlotterTrade),
		venues:       make(map[string]storage.Venue),
		lps:          make(map[string]storage.LiquidityProvider),
	}
}

var (
	_ storage.OutboxStore         = (*Store)(nil)
	_ storage.ProcessedEventStore = (*Store)(nil)
	_ storage.DeadLetterStore     = (*Store)(nil)
	_ storage.RFQStore            = (*Store)(nil)
	_ storage.OrderStore          = (*Store)(nil)
	_ storage.TradeStore          = (*Store)(nil)
	_ storage.SettlementStore     = (*Store)(nil)
	_ storage.EntitlementStore    = (*Store)(nil)
	_ storage.KillSwitchStore     = (*Store)(nil)
	_ storage.InstrumentStore     = (*Store)(nil)
	_ storage.BlotterStore        = (*Store)(nil)
	_ storage.RefDataStore        = (*Store)(nil)
)

// RunInTx invokes fn with a nil Querier. Every Store mutation already locks
// s.mu internally and applies atomically, so there is no separate
// transaction object to hand fn; this just gives callers (coordinators built
// against storage.TxRunner) the same call shape the Postgres store uses,
// where q is a real *sql.Tx.
func (s *Store) RunInTx(ctx context.Context, fn func(q storage.Querier) error) error {
	return fn(nil)
}

// --- OutboxStore -------------------------------------------------------

func (s *Store) Insert(ctx context.Context, q storage.Querier, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(env)
}

func (s *Store) insertLocked(env event.Envelope) error {
	payload, err := event.Serialize(env)
	if err != nil {
		return err
	}
	s.outboxSeq++
	s.outbox = append(s.outbox, storage.OutboxRow{
		ID:         s.outboxSeq,
		EventID:    env.EventID,
		TenantID:   env.TenantID,
		EntityType: env.Entity.EntityType,
		EntityID:   env.Entity.EntityID,
		Payload:    payload,
		CreatedAt:  env.OccurredAt,
	})
	return nil
}

func (s *Store) ClaimUnpublished(ctx context.Context, limit int) ([]storage.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OutboxRow
	for _, row := range s.outbox {
		if row.PublishedAt != nil {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]storage.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OutboxRow
	for _, row := range s.outbox {
		if row.ID <= afterID {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			t := publishedAt
			s.outbox[i].PublishedAt = &t
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].LastError = lastError
			s.outbox[i].RetryCount = retryCount
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) CountUnpublished(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.outbox {
		if row.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeadLetter(ctx context.Context, row storage.OutboxRow, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlSeq++
	s.deadLetters = append(s.deadLetters, storage.DeadLetterRow{
		ID:           s.dlSeq,
		ConsumerGroup: "outbox-relay",
		EventID:      row.EventID,
		Envelope:     row.Payload,
		ErrorSummary: reason,
		CreatedAt:    time.Now().UTC(),
	})
	for i := range s.outbox {
		if s.outbox[i].ID == row.ID {
			t := time.Now().UTC()
			s.outbox[i].PublishedAt = &t
			break
		}
	}
	return nil
}

// --- ProcessedEventStore ------------------------------------------------

func (s *Store) TryInsert(ctx context.Context, q storage.Querier, pe storage.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pe.TenantID + "|" + pe.ConsumerGroup + "|" + pe.EventID
	if _, ok := s.processed[key]; ok {
		return false, nil
	}
	s.processed[key] = pe
	return true, nil
}

// --- DeadLetterStore -----------------------------------------------------

func (s *Store) InsertDLQ(ctx context.Context, row storage.DeadLetterRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlSeq++
	row.ID = s.dlSeq
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.deadLetters = append(s.deadLetters, row)
	return nil
}

func (s *Store) List(ctx context.Context, consumerGroup string, limit int) ([]storage.DeadLetterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DeadLetterRow
	for _, row := range s.deadLetters {
		if consumerGroup != "" && row.ConsumerGroup != consumerGroup {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.deadLetters {
		if row.ID == id {
			s.deadLetters = append(s.deadLetters[:i], s.deadLetters[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// --- RFQStore -------------------------------------------------------------

func rfqKey(tenantID, rfqID string) string { return tenantID + "|" + rfqID }

func (s *Store) GetRFQ(ctx context.Context, tenantID, rfqID string) (rfq.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rfqs[rfqKey(tenantID, rfqID)]
	if !ok {
		return rfq.RFQ{}, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) SaveRFQ(ctx context.Context, q storage.Querier, r rfq.RFQ, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rfqKey(r.TenantID, r.RFQID)
	if existing, ok := s.rfqs[key]; ok && existing.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	s.rfqs[key] = r.Clone()
	return nil
}

func (s *Store) ListExpiringRFQs(ctx context.Context, statuses []rfq.Status, before time.Time, limit int) ([]rfq.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[rfq.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []rfq.RFQ
	for _, r := range s.rfqs {
		if want[r.Status] && !r.ExpiryInstant.After(before) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryInstant.Before(out[j].ExpiryInstant) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListRFQsByTenant(ctx context.Context, tenantID string, limit int) ([]rfq.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rfq.RFQ
	for _, r := range s.rfqs {
		if r.TenantID == tenantID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- OrderStore -------------------------------------------------------------

func orderKey(tenantID, orderID string) string { return tenantID + "|" + orderID }

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderKey(tenantID, orderID)]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, tenantID, ownerID, key string) (order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.idemOrders[tenantID+"|"+ownerID+"|"+key]
	if !ok {
		return order.Order{}, false, nil
	}
	o, ok := s.orders[orderKey(tenantID, orderID)]
	return o, ok, nil
}

func (s *Store) SaveOrder(ctx context.Context, q storage.Querier, o order.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(o.TenantID, o.OrderID)
	if existing, ok := s.orders[key]; ok && existing.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	s.orders[key] = o
	if o.ClientIdempotencyKey != "" {
		s.idemOrders[o.TenantID+"|"+o.OwnerID+"|"+o.ClientIdempotencyKey] = o.OrderID
	}
	return nil
}

func (s *Store) ListOrdersByTenant(ctx context.Context, tenantID string, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- TradeStore -------------------------------------------------------------

func (s *Store) InsertTrade(ctx context.Context, q storage.Querier, t trade.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.RFQID != "" && t.AcceptedQuoteID != "" {
		dedupKey := t.RFQID + "|" + t.AcceptedQuoteID
		if _, ok := s.tradeDedup[dedupKey]; ok {
			return false, nil
		}
		s.tradeDedup[dedupKey] = t.TradeID
	}
	s.trades[t.TenantID+"|"+t.TradeID] = t
	return true, nil
}

func (s *Store) GetTrade(ctx context.Context, tenantID, tradeID string) (trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tenantID+"|"+tradeID]
	if !ok {
		return trade.Trade{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTradesByTenant(ctx context.Context, tenantID string, limit int) ([]trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.Trade
	for _, t := range s.trades {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- SettlementStore -------------------------------------------------------

func (s *Store) GetSettlement(ctx context.Context, tradeID string) (trade.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[tradeID]
	if !ok {
		return trade.Settlement{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) SaveSettlement(ctx context.Context, st trade.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[st.TradeID] = st
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]trade.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.Settlement
	for _, st := range s.settlements {
		if st.Status != trade.SettlementPending && st.Status != trade.SettlementRetrying {
			continue
		}
		if st.NextAttemptAt.After(before) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- EntitlementStore --------------------------------------------------

func (s *Store) GetEntitlement(ctx context.Context, tenantID, userID string) (storage.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[tenantID+"|"+userID]
	if !ok {
		return storage.Entitlement{TenantID: tenantID, UserID: userID}, nil
	}
	return e, nil
}

func (s *Store) UpsertEntitlement(ctx context.Context, e storage.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[e.TenantID+"|"+e.UserID] = e
	return nil
}

// --- KillSwitchStore -----------------------------------------------------

func (s *Store) IsActive(ctx context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killSwitch[""] {
		return true, nil
	}
	return s.killSwitch[tenantID], nil
}

func (s *Store) SetActive(ctx context.Context, tenantID string, active bool, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitch[tenantID] = active
	return nil
}

// --- InstrumentStore -----------------------------------------------------

func (s *Store) GetInstrument(ctx context.Context, instrumentID string) (storage.Instrument, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instruments[instrumentID]
	return i, ok, nil
}

func (s *Store) UpsertInstrument(ctx context.Context, i storage.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[i.InstrumentID] = i
	return nil
}

func (s *Store) ListInstruments(ctx context.Context) ([]storage.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Instrument, 0, len(s.instruments))
	for _, i := range s.instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

// --- BlotterStore --------------------------------------------------------

func (s *Store) UpsertBlotterTrade(ctx context.Context, q storage.Querier, row storage.BlotterTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blotter[row.TenantID+"|"+row.TradeID] = row
	return nil
}

func (s *Store) ListBlotter(ctx context.Context, tenantID string, limit int) ([]storage.BlotterTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.BlotterTrade, 0)
	for _, row := range s.blotter {
		if row.TenantID != tenantID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TruncateBlotter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blotter = make(map[string]storage.BlotterTrade)
	return nil
}

// --- RefDataStore --------------------------------------------------------

func (s *Store) UpsertVenue(ctx context.Context, v storage.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[v.VenueID] = v
	return nil
}

func (s *Store) ListVenues(ctx context.Context) ([]storage.Venue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Venue, 0, len(s.venues))
	for _, v := range s.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out, nil
}

func (s *Store) UpsertLP(ctx context.Context, lp storage.LiquidityProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lps[lp.LPID] = lp
	return nil
}

func (s *Store) ListLPs(ctx context.Context) ([]storage.LiquidityProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.LiquidityProvider, 0, len(s.lps))
	for _, lp := range s.lps {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LPID < out[j].LPID })
	return out, nil
}
