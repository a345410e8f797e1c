package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domainmd "github.com/orion-trading/tec/internal/app/domain/marketdata"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/marketdata"
	"github.com/orion-trading/tec/internal/app/storage/memory"
)

func testTick(instrument string, mid float64, seq int64) domainmd.Tick {
	m := decimal.NewFromFloat(mid)
	half := decimal.NewFromFloat(0.0001)
	return domainmd.Tick{
		InstrumentID: instrument,
		Bid:          m.Sub(half),
		Ask:          m.Add(half),
		Mid:          m,
		Timestamp:    time.Now().UTC(),
		Source:       "test-feed",
		Sequence:     seq,
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string, header map[string][]string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestMarketDataStreamSnapshotThenCoalescedUpdates(t *testing.T) {
	hub := marketdata.NewHub(20 * time.Millisecond)
	require.NoError(t, hub.Start(context.Background()))
	defer hub.Stop(context.Background())

	hub.Observe(testTick("EUR/USD", 1.0850, 1))

	h := newHandler(Dependencies{Hub: hub}, nil)
	srv := httptest.NewServer(h.mount())
	defer srv.Close()

	conn := dialWS(t, srv, "/stream/marketdata?instruments=EUR%2FUSD", nil)
	defer conn.Close()

	var frame struct {
		Type  string                     `json:"type"`
		Ticks map[string]json.RawMessage `json:"ticks"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "snapshot", frame.Type)
	require.Contains(t, frame.Ticks, "EUR/USD")

	// A fresh observation surfaces as a coalesced update within one flush
	// interval.
	hub.Observe(testTick("EUR/USD", 1.0851, 2))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "update", frame.Type)
	require.Contains(t, frame.Ticks, "EUR/USD")
}

func TestMarketDataStreamRequiresInstruments(t *testing.T) {
	hub := marketdata.NewHub(20 * time.Millisecond)
	h := newHandler(Dependencies{Hub: hub}, nil)
	srv := httptest.NewServer(h.mount())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/stream/marketdata")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)
}

func TestRFQWatchClosesOnTerminalState(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	r := rfq.New("r-1", "t1", "u1", "EUR/USD", rfq.SideBuy, decimal.NewFromInt(1_000_000), now.Add(time.Minute), now)
	require.NoError(t, r.Send(now))
	require.NoError(t, r.Cancel("u1", now))
	require.NoError(t, store.SaveRFQ(context.Background(), nil, r, 0))

	h := newHandler(Dependencies{RFQReader: store}, nil)
	srv := httptest.NewServer(h.mount())
	defer srv.Close()

	conn := dialWS(t, srv, "/stream/rfq/r-1", map[string][]string{"X-Tenant-ID": {"t1"}})
	defer conn.Close()

	var frame struct {
		Type string `json:"type"`
		RFQ  struct {
			Status  string `json:"Status"`
			Version int64  `json:"Version"`
		} `json:"rfq"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "rfq", frame.Type)
	require.Equal(t, "CANCELLED", frame.RFQ.Status)

	// The RFQ is terminal, so the server closes the watch after the frame.
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestRFQWatchUnknownRFQIsNotFound(t *testing.T) {
	h := newHandler(Dependencies{RFQReader: memory.New()}, nil)
	srv := httptest.NewServer(h.mount())
	defer srv.Close()

	req, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/stream/rfq/missing",
		map[string][]string{"X-Tenant-ID": {"t1"}})
	if err == nil {
		req.Close()
		t.Fatalf("expected dial to fail for unknown rfq")
	}
}
