// Package httpapi exposes the TEC command surface over HTTP/JSON plus
// a WebSocket streaming surface for market data and RFQ/trade watches. It
// translates REST calls into the same rfqcoordinator/oms/controlplane
// command calls the saga and consumer layers drive internally.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/marketdata"
	"github.com/orion-trading/tec/internal/app/metrics"
	"github.com/orion-trading/tec/internal/app/oms"
	"github.com/orion-trading/tec/internal/app/rfqcoordinator"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/system"
	"github.com/orion-trading/tec/internal/config"
	"github.com/orion-trading/tec/pkg/logger"
)

// Dependencies bundles every collaborator the command surface needs,
// unpacked into a struct since the composition root has no single
// god-object to pass around.
type Dependencies struct {
	Config       *config.Config
	Log          *logger.Logger
	Coordinator  *rfqcoordinator.Coordinator
	OMS          *oms.Service
	KillSwitch   *controlplane.KillSwitchService
	Gate         *controlplane.Gate
	Instruments  storage.InstrumentStore
	RefData      storage.RefDataStore
	Entitlements storage.EntitlementStore
	Events       controlplane.EventPublisher
	DeadLetters  storage.DeadLetterStore
	Hub          *marketdata.Hub
	RFQReader    storage.RFQStore
	Orders       storage.OrderStore
	TradeReader  storage.TradeStore
	Settlements  storage.SettlementStore
	DB           *sql.DB
}

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// New builds the Service: wires the auth middleware, the audit log (file or
// Postgres sink, by AUDIT_LOG_PATH env presence), CORS,
// and Prometheus instrumentation around the route mux.
func New(deps Dependencies) *Service {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("http")
	}

	var sink auditSink
	if path := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); path != "" {
		if fileSink, err := newFileAuditSink(path); err == nil {
			sink = fileSink
			log.Infof("audit log persisting to %s", path)
		} else {
			log.Warnf("audit log file not configured: %v", err)
		}
	} else if deps.DB != nil {
		sink = newPostgresAuditSink(deps.DB)
	}
	audit := newAuditLog(300, sink)

	var validator JWTValidator
	if strings.TrimSpace(deps.Config.Auth.JWTSecret) != "" {
		validator = NewBearerJWTValidator(deps.Config.Auth.JWTSecret, deps.Config.Auth.JWTAudience,
			deps.Config.Auth.AdminRoles, deps.Config.Auth.TenantClaim, deps.Config.Auth.RoleClaim)
	}

	h := newHandler(deps, audit)
	mux := h.mount()

	var handler http.Handler = mux
	handler = wrapWithAuth(handler, deps.Config.Auth.APITokens, log, validator)
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)

	port := deps.Config.Server.Port
	if port <= 0 {
		port = 8080
	}
	addr := deps.Config.Server.Host + ":" + strconv.Itoa(port)
	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from a browser workstation BFF
// and short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
