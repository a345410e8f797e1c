package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/oms"
	"github.com/orion-trading/tec/internal/app/rfqcoordinator"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/version"
)

// handler bundles HTTP endpoints for the RFQ, order, market data, and
// control-plane command surfaces.
type handler struct {
	deps  Dependencies
	audit *auditLog
}

func newHandler(deps Dependencies, audit *auditLog) *handler {
	return &handler{deps: deps, audit: audit}
}

// mount builds the route mux: resource collections at the plural path, a
// trailing-slash prefix for ID-addressed sub-resources, admin-only mutation
// under /admin/* where wrapWithAuth's adminPrefixes check already enforces
// the admin role.
func (h *handler) mount() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/system/version", h.systemVersion)
	mux.HandleFunc("/system/status", h.systemStatus)

	mux.HandleFunc("/rfqs", h.rfqs)
	mux.HandleFunc("/rfqs/", h.rfqResources)
	mux.HandleFunc("/orders", h.orders)
	mux.HandleFunc("/orders/", h.orderResources)
	mux.HandleFunc("/instruments", h.instruments)

	mux.HandleFunc("/admin/instruments", h.adminInstruments)
	mux.HandleFunc("/admin/venues", h.adminVenues)
	mux.HandleFunc("/admin/lps", h.adminLPs)
	mux.HandleFunc("/admin/killswitch", h.adminKillSwitch)
	mux.HandleFunc("/admin/entitlements", h.adminEntitlements)
	mux.HandleFunc("/admin/audit", h.adminAudit)
	mux.HandleFunc("/admin/dlq/", h.adminDLQ)

	mux.HandleFunc("/stream/marketdata", h.streamMarketData)
	mux.HandleFunc("/stream/rfq/", h.streamRFQ)
	mux.HandleFunc("/stream/trade/", h.streamTrade)

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) systemVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"built_at":   version.BuildTime,
		"go_version": version.GoVersion,
	})
}

func (h *handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.FullVersion(),
	})
}

// --- RFQ surface -------------------------------------------------------------

func (h *handler) rfqs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			RequesterID  string `json:"requesterId"`
			InstrumentID string `json:"instrumentId"`
			AssetClass   string `json:"assetClass"`
			Side         string `json:"side"`
			Size         string `json:"size"`
			ExpirySecs   int    `json:"expirySecs"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		size, err := decimal.NewFromString(payload.Size)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "size must be a decimal string").WithField("size"))
			return
		}
		created, err := h.deps.Coordinator.CreateRFQ(r.Context(), rfqcoordinator.CreateRFQRequest{
			TenantID: tenant, UserID: userFromCtx(r.Context()), RequesterID: payload.RequesterID,
			InstrumentID: payload.InstrumentID, AssetClass: payload.AssetClass,
			Side: rfq.Side(strings.ToUpper(payload.Side)), Size: size, ExpirySecs: payload.ExpirySecs,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		limit, err := parseLimitParam(r.URL.Query().Get("limit"), 100)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		list, err := h.deps.RFQReader.ListRFQsByTenant(r.Context(), tenant, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) rfqResources(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rfqs"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rfqID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			record, err := h.deps.RFQReader.GetRFQ(r.Context(), tenant, rfqID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, record)
		case http.MethodDelete:
			result, err := h.deps.Coordinator.CancelRFQ(r.Context(), tenant, userFromCtx(r.Context()), rfqID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "quotes":
		h.recordQuote(w, r, tenant, rfqID)
	case "accept":
		h.acceptQuote(w, r, tenant, rfqID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) recordQuote(w http.ResponseWriter, r *http.Request, tenant, rfqID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		LPID      string `json:"lpId"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		ValidSecs int    `json:"validSecs"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
		return
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, "price must be a decimal string").WithField("price"))
		return
	}
	size, err := decimal.NewFromString(payload.Size)
	if err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, "size must be a decimal string").WithField("size"))
		return
	}
	validSecs := payload.ValidSecs
	if validSecs <= 0 {
		validSecs = 10
	}
	now := time.Now().UTC()
	quote := rfq.Quote{
		QuoteID:    fmt.Sprintf("%s-%s-%d", rfqID, payload.LPID, now.UnixNano()),
		RFQID:      rfqID,
		LPID:       payload.LPID,
		Price:      price,
		Size:       size,
		ReceivedAt: now,
		ValidUntil: now.Add(time.Duration(validSecs) * time.Second),
	}
	updated, err := h.deps.Coordinator.RecordQuote(r.Context(), rfqcoordinator.RecordQuoteRequest{
		TenantID: tenant, RFQID: rfqID, Quote: quote, Tolerance: decimal.NewFromFloat(0.02),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) acceptQuote(w http.ResponseWriter, r *http.Request, tenant, rfqID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		QuoteID        string `json:"quoteId"`
		ReadVersion    int64  `json:"readVersion"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
		return
	}
	updated, err := h.deps.Coordinator.AcceptQuote(r.Context(), rfqcoordinator.AcceptQuoteRequest{
		TenantID: tenant, UserID: userFromCtx(r.Context()), RFQID: rfqID, QuoteID: payload.QuoteID,
		ReadVersion: payload.ReadVersion, IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Order surface ------------------------------------------------------------

func (h *handler) orders(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			OwnerID              string `json:"ownerId"`
			InstrumentID         string `json:"instrumentId"`
			AssetClass           string `json:"assetClass"`
			Venue                string `json:"venue"`
			Side                 string `json:"side"`
			Qty                  string `json:"qty"`
			LimitPrice           string `json:"limitPrice"`
			TimeInForce          string `json:"timeInForce"`
			ClientIdempotencyKey string `json:"clientIdempotencyKey"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		qty, err := decimal.NewFromString(payload.Qty)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "qty must be a decimal string").WithField("qty"))
			return
		}
		limitPrice, err := decimal.NewFromString(payload.LimitPrice)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "limitPrice must be a decimal string").WithField("limitPrice"))
			return
		}
		tif := order.TimeInForce(strings.ToUpper(payload.TimeInForce))
		if tif == "" {
			tif = order.TIFGTC
		}
		placed, err := h.deps.OMS.PlaceOrder(r.Context(), oms.PlaceOrderRequest{
			TenantID: tenant, UserID: userFromCtx(r.Context()), OwnerID: payload.OwnerID,
			InstrumentID: payload.InstrumentID, AssetClass: payload.AssetClass, Venue: payload.Venue,
			Side: order.Side(strings.ToUpper(payload.Side)), Qty: qty, LimitPrice: limitPrice,
			TimeInForce: tif, ClientIdempotencyKey: payload.ClientIdempotencyKey,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, placed)

	case http.MethodGet:
		limit, err := parseLimitParam(r.URL.Query().Get("limit"), 100)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		list, err := h.deps.Orders.ListOrdersByTenant(r.Context(), tenant, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) orderResources(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	if tenant == "" {
		writeMappedError(w, NewServiceError(ErrForbidden, "tenant required"))
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/orders"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	orderID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			rec, err := h.deps.Orders.GetOrder(r.Context(), tenant, orderID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case http.MethodDelete:
			result, err := h.deps.OMS.CancelOrder(r.Context(), oms.CancelOrderRequest{
				TenantID: tenant, UserID: userFromCtx(r.Context()), OrderID: orderID,
			})
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case http.MethodPatch:
			h.amendOrder(w, r, tenant, orderID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) amendOrder(w http.ResponseWriter, r *http.Request, tenant, orderID string) {
	var payload struct {
		NewQty        *string `json:"newQty"`
		NewLimitPrice *string `json:"newLimitPrice"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
		return
	}
	req := oms.AmendOrderRequest{TenantID: tenant, UserID: userFromCtx(r.Context()), OrderID: orderID}
	if payload.NewQty != nil {
		v, err := decimal.NewFromString(*payload.NewQty)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "newQty must be a decimal string").WithField("newQty"))
			return
		}
		req.NewQty = &v
	}
	if payload.NewLimitPrice != nil {
		v, err := decimal.NewFromString(*payload.NewLimitPrice)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "newLimitPrice must be a decimal string").WithField("newLimitPrice"))
			return
		}
		req.NewLimitPrice = &v
	}
	updated, err := h.deps.OMS.AmendOrder(r.Context(), req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Instrument surface --------------------------------------------------------

func (h *handler) instruments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.deps.Instruments.ListInstruments(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// adminInstruments backs CreateInstrument/UpdateInstrument; the
// control-plane admin role is already enforced by wrapWithAuth for every
// /admin/* path, so UpsertInstrument doubles as both commands (creation is
// just an upsert of a previously-unseen instrumentId).
func (h *handler) adminInstruments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		InstrumentID string `json:"instrumentId"`
		AssetClass   string `json:"assetClass"`
		Active       bool   `json:"active"`
		MinSize      string `json:"minSize"`
		MaxSize      string `json:"maxSize"`
		LotSize      string `json:"lotSize"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
		return
	}
	inst := storage.Instrument{
		InstrumentID: payload.InstrumentID, AssetClass: payload.AssetClass, Active: payload.Active,
		MinSize: payload.MinSize, MaxSize: payload.MaxSize, LotSize: payload.LotSize,
	}
	if err := h.deps.Instruments.UpsertInstrument(r.Context(), inst); err != nil {
		writeMappedError(w, err)
		return
	}
	h.emitRefDataEvent(r, event.TypeInstrumentUpdated, event.EntityInstrument, inst.InstrumentID, inst)
	writeJSON(w, http.StatusOK, inst)
}

// adminVenues is the venue reference-data surface: GET lists, PUT/POST
// upserts and emits VenueUpdated.
func (h *handler) adminVenues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.deps.RefData.ListVenues(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost, http.MethodPut:
		var payload struct {
			VenueID string `json:"venueId"`
			Name    string `json:"name"`
			Active  bool   `json:"active"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		if strings.TrimSpace(payload.VenueID) == "" {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "venueId required").WithField("venueId"))
			return
		}
		v := storage.Venue{VenueID: payload.VenueID, Name: payload.Name, Active: payload.Active}
		if err := h.deps.RefData.UpsertVenue(r.Context(), v); err != nil {
			writeMappedError(w, err)
			return
		}
		h.emitRefDataEvent(r, event.TypeVenueUpdated, event.EntityVenue, v.VenueID, v)
		writeJSON(w, http.StatusOK, v)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// adminLPs is the liquidity-provider reference-data surface: GET lists,
// PUT/POST upserts and emits LPConfigUpdated.
func (h *handler) adminLPs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.deps.RefData.ListLPs(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost, http.MethodPut:
		var payload struct {
			LPID   string `json:"lpId"`
			Name   string `json:"name"`
			Active bool   `json:"active"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		if strings.TrimSpace(payload.LPID) == "" {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "lpId required").WithField("lpId"))
			return
		}
		lp := storage.LiquidityProvider{LPID: payload.LPID, Name: payload.Name, Active: payload.Active}
		if err := h.deps.RefData.UpsertLP(r.Context(), lp); err != nil {
			writeMappedError(w, err)
			return
		}
		h.emitRefDataEvent(r, event.TypeLPConfigUpdated, event.EntityLP, lp.LPID, lp)
		writeJSON(w, http.StatusOK, lp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// emitRefDataEvent publishes a reference-data update through the outbox,
// best-effort: the upsert is already durable, and consumers that miss a
// failed publish converge on the next successful update.
func (h *handler) emitRefDataEvent(r *http.Request, eventType, entityType, entityID string, payload any) {
	if h.deps.Events == nil {
		return
	}
	tenant := tenantFromCtx(r.Context())
	if tenant == "" {
		tenant = "global"
	}
	env, err := event.Create(eventType, "httpapi", tenant,
		event.Entity{EntityType: entityType, EntityID: entityID, Sequence: 1}, payload)
	if err != nil {
		return
	}
	_ = h.deps.Events.Publish(r.Context(), tenant, env)
}

// --- Control-plane admin surface ----------------------------------------------

func (h *handler) adminKillSwitch(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			TenantID string `json:"tenantId"`
			Active   bool   `json:"active"`
			Reason   string `json:"reason"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		target := payload.TenantID
		if target == "" {
			target = tenant
		}
		if err := h.deps.KillSwitch.Set(r.Context(), target, payload.Active, userFromCtx(r.Context()), payload.Reason); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenantId": target, "active": payload.Active})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) adminEntitlements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenant := r.URL.Query().Get("tenantId")
		user := r.URL.Query().Get("userId")
		ent, err := h.deps.Entitlements.GetEntitlement(r.Context(), tenant, user)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	case http.MethodPut:
		var ent storage.Entitlement
		if err := decodeJSON(r.Body, &ent); err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		if err := h.deps.Entitlements.UpsertEntitlement(r.Context(), ent); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []auditEntry{})
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 200)
	if err != nil {
		writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// adminDLQ implements the operator DLQ inspection/replay surface:
// GET /admin/dlq/{consumerGroup} and POST /admin/dlq/{id}/replay.
func (h *handler) adminDLQ(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/dlq"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if len(parts) == 2 && parts[1] == "replay" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, "dlq id must be an integer"))
			return
		}
		// Replay is operator-driven reprocessing via the original topic;
		// removing the DLQ row here marks it handled. The operator is
		// expected to have already fixed the poison condition and
		// republished the event.
		if err := h.deps.DeadLetters.Remove(r.Context(), id); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "replayed": true})
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit, err := parseLimitParam(r.URL.Query().Get("limit"), 100)
		if err != nil {
			writeMappedError(w, NewServiceError(ErrValidationFailed, err.Error()))
			return
		}
		rows, err := h.deps.DeadLetters.List(r.Context(), parts[0], limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// --- streaming surface: see stream.go for the WebSocket plumbing -------------

func (h *handler) streamMarketData(w http.ResponseWriter, r *http.Request) {
	h.serveMarketDataStream(w, r)
}

func (h *handler) streamRFQ(w http.ResponseWriter, r *http.Request) {
	h.serveRFQWatch(w, r)
}

func (h *handler) streamTrade(w http.ResponseWriter, r *http.Request) {
	h.serveTradeWatch(w, r)
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
