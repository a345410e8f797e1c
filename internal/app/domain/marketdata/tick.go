// Package marketdata defines the canonical tick schema and the
// staleness-tracking heartbeat used by the ingest and fan-out components.
package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quality flags annotate a tick without rejecting it.
type Quality struct {
	Stale      bool
	Indicative bool
	Late       bool
}

// Tick is immutable once constructed.
type Tick struct {
	InstrumentID string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Mid          decimal.Decimal
	Timestamp    time.Time
	Source       string
	Sequence     int64
	Quality      Quality
}

// Normalize validates a raw tick: instrument must be set, bid <= ask.
// Malformed ticks are rejected (never crash ingestion); callers increment a
// drop counter and continue. lastSeen is the previous accepted tick's
// timestamp for the same (instrument, source) pair, used to flag late
// arrivals (behind the latest by more than lateThreshold).
func Normalize(raw Tick, lastSeen time.Time, lateThreshold time.Duration) (Tick, error) {
	if raw.InstrumentID == "" {
		return Tick{}, fmt.Errorf("tick missing instrumentId")
	}
	if raw.Bid.GreaterThan(raw.Ask) {
		return Tick{}, fmt.Errorf("tick %s: bid %s > ask %s", raw.InstrumentID, raw.Bid, raw.Ask)
	}
	if raw.Mid.IsZero() {
		raw.Mid = raw.Bid.Add(raw.Ask).Div(decimal.NewFromInt(2))
	}
	if !lastSeen.IsZero() && raw.Timestamp.Before(lastSeen.Add(-lateThreshold)) {
		raw.Quality.Late = true
	}
	return raw, nil
}

// Heartbeat tracks the last-seen instant for a single (instrumentId, source)
// pair and whether it is currently considered stale.
type Heartbeat struct {
	InstrumentID string
	Source       string
	LastTickAt   time.Time
	Stale        bool
}

// CheckStale reports whether the heartbeat should transition stale state at
// `now`, given the configured threshold (default 5s). It returns
// the updated Heartbeat and true if the stale flag changed (a transition
// event should be emitted).
func (h Heartbeat) CheckStale(now time.Time, threshold time.Duration) (Heartbeat, bool) {
	wasStale := h.Stale
	h.Stale = h.LastTickAt.IsZero() || now.Sub(h.LastTickAt) > threshold
	return h, h.Stale != wasStale
}

// Observe records a fresh tick arrival, clearing staleness. It returns the
// updated Heartbeat and true if this arrival is a resume-from-stale
// transition (a MarketDataResumed event should be emitted).
func (h Heartbeat) Observe(at time.Time) (Heartbeat, bool) {
	wasStale := h.Stale
	h.LastTickAt = at
	h.Stale = false
	return h, wasStale
}
