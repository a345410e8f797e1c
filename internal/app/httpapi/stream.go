package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/marketdata"
)

// The stream surface: Subscribe(instrumentIds) with snapshot-then-
// coalesced updates, WatchRFQ until terminal, WatchTrade through settlement.
// WebSocket is the one concrete transport for the transport-agnostic
// contract; the BFF/session layer stays an out-of-scope collaborator.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	// streamWriteTimeout bounds one subscriber write; a subscriber that
	// cannot take a frame within it is disconnected and expected to
	// reconnect and re-subscribe (snapshot + stream).
	streamWriteTimeout = 5 * time.Second
	watchPollInterval  = 250 * time.Millisecond
)

// subscribeRequest is the one message a market-data stream client may send
// after connecting: a replacement instrument set.
type subscribeRequest struct {
	Instruments []string `json:"instruments"`
}

type tickFrame struct {
	Type  string               `json:"type"` // "snapshot" | "update"
	Ticks marketdata.Snapshot  `json:"ticks"`
}

type rfqFrame struct {
	Type     string            `json:"type"` // "rfq"
	RFQ      rfq.RFQ           `json:"rfq"`
	Rankings []rfq.RankedQuote `json:"rankings"`
}

type tradeFrame struct {
	Type       string            `json:"type"` // "trade"
	Trade      trade.Trade       `json:"trade"`
	Settlement *trade.Settlement `json:"settlement,omitempty"`
}

// serveMarketDataStream upgrades to a WebSocket, sends the latest-tick
// snapshot for the requested instruments, then streams coalesced updates at
// the hub's flush cadence. The client may send {"instruments": [...]} at any
// time to replace its subscription set.
func (h *handler) serveMarketDataStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeMappedError(w, NewServiceError(ErrInternal, "market data streaming not configured"))
		return
	}
	instruments := splitInstruments(r.URL.Query().Get("instruments"))
	if len(instruments) == 0 {
		writeMappedError(w, NewServiceError(ErrValidationFailed, "instruments query parameter required").WithField("instruments"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	subID := uuid.NewString()
	sub := h.deps.Hub.Subscribe(subID, instruments)
	defer h.deps.Hub.Unsubscribe(subID)

	if err := writeFrame(conn, tickFrame{Type: "snapshot", Ticks: h.deps.Hub.LatestSnapshot(instruments)}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read pump: live resubscription plus disconnect detection. The next
	// hub flush covers the new set, so no snapshot write races the update
	// writer below.
	go func() {
		defer cancel()
		for {
			var req subscribeRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if len(req.Instruments) > 0 {
				h.deps.Hub.UpdateSubscription(subID, req.Instruments)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.Out:
			if err := writeFrame(conn, tickFrame{Type: "update", Ticks: snap}); err != nil {
				return
			}
		}
	}
}

// serveRFQWatch streams one RFQ's quote and status revisions until the RFQ
// reaches a terminal state. The current state is sent immediately; a new
// frame follows every time the aggregate's version advances.
func (h *handler) serveRFQWatch(w http.ResponseWriter, r *http.Request) {
	tenant := streamTenant(r)
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	rfqID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/stream/rfq"), "/")
	if rfqID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rec, err := h.deps.RFQReader.GetRFQ(r.Context(), tenant, rfqID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go discardReads(conn, cancel)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	var lastVersion int64
	for {
		if rec.Version > lastVersion {
			frame := rfqFrame{Type: "rfq", RFQ: rec, Rankings: rfq.Rank(rec.Side, rec.Quotes)}
			if err := writeFrame(conn, frame); err != nil {
				return
			}
			lastVersion = rec.Version
			if rfq.IsTerminal(rec.Status) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err = h.deps.RFQReader.GetRFQ(ctx, tenant, rfqID)
		if err != nil {
			return
		}
	}
}

// serveTradeWatch streams a trade's confirmation and settlement progress
// until settlement reaches a terminal state.
func (h *handler) serveTradeWatch(w http.ResponseWriter, r *http.Request) {
	tenant := streamTenant(r)
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	tradeID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/stream/trade"), "/")
	if tradeID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rec, err := h.deps.TradeReader.GetTrade(r.Context(), tenant, tradeID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go discardReads(conn, cancel)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	var lastStatus trade.SettlementStatus
	var lastAttempts = -1
	for {
		settlement, ok := h.lookupSettlement(ctx, tradeID)
		changed := lastAttempts < 0
		if ok && (settlement.Status != lastStatus || settlement.Attempts != lastAttempts) {
			changed = true
		}
		if changed {
			frame := tradeFrame{Type: "trade", Trade: rec}
			if ok {
				frame.Settlement = &settlement
				lastStatus = settlement.Status
				lastAttempts = settlement.Attempts
			} else {
				lastAttempts = 0
			}
			if err := writeFrame(conn, frame); err != nil {
				return
			}
			if ok && (settlement.Status == trade.SettlementSettled || settlement.Status == trade.SettlementFailedFinal) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *handler) lookupSettlement(ctx context.Context, tradeID string) (trade.Settlement, bool) {
	if h.deps.Settlements == nil {
		return trade.Settlement{}, false
	}
	s, err := h.deps.Settlements.GetSettlement(ctx, tradeID)
	if err != nil {
		return trade.Settlement{}, false
	}
	return s, true
}

// discardReads drains the client side of a watch socket (watches are
// server-to-client only) and cancels the watch on any read error, which is
// how a client hangup surfaces.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(v)
}

// streamTenant resolves the caller's tenant for a stream endpoint: the auth
// middleware's context value when present, falling back to the X-Tenant-ID
// header for WS clients dialing the mux directly.
func streamTenant(r *http.Request) string {
	if tenant := tenantFromCtx(r.Context()); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}

func splitInstruments(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
