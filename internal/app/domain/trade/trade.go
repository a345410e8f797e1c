// Package trade defines the immutable Trade record and the Settlement
// record's retry state machine used by the execution and post-trade sagas.
package trade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is immutable once created. TradeID is globally unique;
// (RFQID, AcceptedQuoteID) is unique when both are present, which is the
// dedup key that prevents duplicate trade creation per acceptance.
type Trade struct {
	TradeID         string
	TenantID        string
	RFQID           string // optional; empty for book-originated trades
	AcceptedQuoteID string // optional
	InstrumentID    string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	BuyerParty      string
	SellerParty     string
	Venue           string
	ExecutedAt      time.Time
}

// SettlementStatus is the settlement retry state.
type SettlementStatus string

const (
	SettlementPending     SettlementStatus = "PENDING"
	SettlementSettling    SettlementStatus = "SETTLING"
	SettlementSettled     SettlementStatus = "SETTLED"
	SettlementFailed      SettlementStatus = "FAILED"
	SettlementRetrying    SettlementStatus = "RETRYING"
	SettlementFailedFinal SettlementStatus = "FAILED_FINAL"
)

var settlementTransitions = map[SettlementStatus]map[SettlementStatus]bool{
	SettlementPending:  {SettlementSettling: true},
	SettlementSettling: {SettlementSettled: true, SettlementFailed: true},
	SettlementFailed:   {SettlementRetrying: true, SettlementFailedFinal: true},
	SettlementRetrying: {SettlementSettling: true},
}

func CanTransitionSettlement(from, to SettlementStatus) bool {
	edges, ok := settlementTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Settlement tracks the retry state machine for a single trade's settlement.
// Retries are bounded by MaxAttempts (a per-venue configurable default);
// FAILED_FINAL is terminal.
type Settlement struct {
	TradeID       string
	TenantID      string
	Venue         string
	Status        SettlementStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewSettlement(tradeID, tenantID, venue string, maxAttempts int, now time.Time) Settlement {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Settlement{
		TradeID:     tradeID,
		TenantID:    tenantID,
		Venue:       venue,
		Status:      SettlementPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

var ErrSettlementStateInvalid = fmt.Errorf("settlement transition not permitted")

func (s *Settlement) BeginAttempt(now time.Time) error {
	if s.Status != SettlementPending && s.Status != SettlementRetrying {
		return ErrSettlementStateInvalid
	}
	s.Status = SettlementSettling
	s.Attempts++
	s.UpdatedAt = now
	return nil
}

func (s *Settlement) Succeed(now time.Time) error {
	if !CanTransitionSettlement(s.Status, SettlementSettled) {
		return ErrSettlementStateInvalid
	}
	s.Status = SettlementSettled
	s.UpdatedAt = now
	return nil
}

// Fail records a failed attempt, computes the exponential-backoff-with-jitter
// next attempt time (base 5s, factor 2, cap 300s by default;
// configurable by the caller), and decides whether the settlement should
// retry or become terminally FAILED_FINAL.
func (s *Settlement) Fail(lastError string, base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration, now time.Time) error {
	if !CanTransitionSettlement(s.Status, SettlementFailed) {
		return ErrSettlementStateInvalid
	}
	s.Status = SettlementFailed
	s.LastError = lastError
	s.UpdatedAt = now

	if s.Attempts >= s.MaxAttempts {
		s.Status = SettlementFailedFinal
		return nil
	}

	backoff := base
	for i := 1; i < s.Attempts; i++ {
		backoff *= 2
		if maxBackoff > 0 && backoff > maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	if jitter != nil {
		backoff = jitter(backoff)
	}
	s.Status = SettlementRetrying
	s.NextAttemptAt = now.Add(backoff)
	return nil
}
