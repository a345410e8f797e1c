// Package rfq implements the Request-for-Quote aggregate: its finite-state
// machine, quote bookkeeping, and quote ranking. State changes are methods on
// *RFQ that mutate the receiver in place and return only an error; the
// package has no Apply function and builds no events. Events and persistence
// are handled by the coordinator package, not here.
package rfq

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of the requester's interest.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the RFQ lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSent      Status = "SENT"
	StatusQuoting   Status = "QUOTING"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
	StatusTraded    Status = "TRADED"
)

// transitions enumerates every legal (from, to) edge. Any move not listed
// here fails with StateInvalid and mutates nothing.
var transitions = map[Status]map[Status]bool{
	StatusCreated:  {StatusSent: true, StatusCancelled: true},
	StatusSent:     {StatusQuoting: true, StatusAccepted: true, StatusExpired: true, StatusCancelled: true},
	StatusQuoting:  {StatusAccepted: true, StatusExpired: true, StatusCancelled: true},
	StatusAccepted: {StatusTraded: true, StatusQuoting: true, StatusRejected: true},
}

// CanTransition reports whether from -> to is a legal edge in the RFQ FSM.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Terminal statuses admit no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusTraded, StatusExpired, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Quote is a single liquidity provider's response to an RFQ.
type Quote struct {
	QuoteID    string
	RFQID      string
	LPID       string
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReceivedAt time.Time
	ValidUntil time.Time
	Flagged    bool // e.g. price sanity warning against reference mid
}

// RFQ is the aggregate root. Quotes is append-only within a version; entries
// are keyed by quoteId for O(1) dedup checks.
type RFQ struct {
	RFQID           string
	TenantID        string
	RequesterID     string
	InstrumentID    string
	Side            Side
	Size            decimal.Decimal
	ExpiryInstant   time.Time
	Status          Status
	Version         int64
	Quotes          map[string]Quote
	AcceptedQuoteID string
	AcceptIdemKey   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New constructs a freshly CREATED RFQ at version 1.
func New(rfqID, tenantID, requesterID, instrumentID string, side Side, size decimal.Decimal, expiry time.Time, now time.Time) RFQ {
	return RFQ{
		RFQID:         rfqID,
		TenantID:      tenantID,
		RequesterID:   requesterID,
		InstrumentID:  instrumentID,
		Side:          side,
		Size:          size,
		ExpiryInstant: expiry,
		Status:        StatusCreated,
		Version:       1,
		Quotes:        make(map[string]Quote),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep-enough copy safe to mutate independently of the
// receiver (used by the coordinator to apply commands without aliasing the
// cached state on failure).
func (r RFQ) Clone() RFQ {
	out := r
	out.Quotes = make(map[string]Quote, len(r.Quotes))
	for k, v := range r.Quotes {
		out.Quotes[k] = v
	}
	return out
}

// RankedQuote is a quote annotated with its current ranking flags.
type RankedQuote struct {
	Quote
	IsBestBid bool
	IsBestAsk bool
	Rank      int
}

// Rank orders valid quotes: best price for the RFQ side (lowest ask
// for BUY, highest bid for SELL), tie-broken by earliest ReceivedAt. For a
// one-way RFQ this is the only axis; the top entry gets IsBestAsk for a BUY
// RFQ and IsBestBid for a SELL RFQ, never both.
func Rank(side Side, quotes map[string]Quote) []RankedQuote {
	ranked := make([]RankedQuote, 0, len(quotes))
	for _, q := range quotes {
		ranked = append(ranked, RankedQuote{Quote: q})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		cmp := a.Price.Cmp(b.Price)
		var better bool
		switch side {
		case SideBuy:
			better = cmp < 0 // lowest ask wins
		default:
			better = cmp > 0 // highest bid wins
		}
		if cmp == 0 {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return better
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
		if i == 0 {
			if side == SideBuy {
				ranked[i].IsBestAsk = true
			} else {
				ranked[i].IsBestBid = true
			}
		}
	}
	return ranked
}

// Validation / business errors. The coordinator maps these to the closed set
// of wire error codes.
type ErrorKind string

const (
	ErrValidation   ErrorKind = "VALIDATION_FAILED"
	ErrNotFound     ErrorKind = "NOT_FOUND"
	ErrConflict     ErrorKind = "CONFLICT"
	ErrStateInvalid ErrorKind = "STATE_INVALID"
	ErrExpired      ErrorKind = "EXPIRED"
)

// Error carries a stable kind plus a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Send transitions CREATED -> SENT once routing has selected eligible LPs.
// It is a pure mutation: callers persist state+events transactionally.
func (r *RFQ) Send(now time.Time) error {
	if !CanTransition(r.Status, StatusSent) {
		return newErr(ErrStateInvalid, "cannot send RFQ in status %s", r.Status)
	}
	r.Status = StatusSent
	r.Version++
	r.UpdatedAt = now
	return nil
}

// RecordQuote idempotently appends a quote, applying the rejection checks
// in priority order. Returns (accepted, alreadyExists, error). A duplicate quoteId
// returns (false, true, nil) — silent idempotent success, no mutation.
func (r *RFQ) RecordQuote(q Quote, now time.Time, referenceMid *decimal.Decimal, tolerance decimal.Decimal) (bool, bool, error) {
	if r.Status != StatusSent && r.Status != StatusQuoting {
		return false, false, newErr(ErrStateInvalid, "RFQ not open for quotes in status %s", r.Status)
	}
	// A quote arriving exactly at the expiry instant is rejected.
	if !now.Before(r.ExpiryInstant) {
		return false, false, newErr(ErrExpired, "RFQ %s expired at %s", r.RFQID, r.ExpiryInstant)
	}
	if _, exists := r.Quotes[q.QuoteID]; exists {
		return false, true, nil
	}
	if referenceMid != nil && !tolerance.IsZero() {
		diff := q.Price.Sub(*referenceMid).Abs()
		limit := referenceMid.Mul(tolerance)
		if diff.GreaterThan(limit) {
			q.Flagged = true
		}
	}
	r.Quotes[q.QuoteID] = q
	if r.Status == StatusSent {
		r.Status = StatusQuoting
	}
	r.Version++
	r.UpdatedAt = now
	return true, false, nil
}

// AcceptQuote transitions to ACCEPTED after its ordered checks. readVersion
// implements optimistic concurrency: it must match r.Version or the call
// fails with Conflict. Retrying with the same idempotencyKey after success
// returns nil without mutating again — callers detect this by
// comparing r.AcceptIdemKey before calling.
func (r *RFQ) AcceptQuote(quoteID string, readVersion int64, idempotencyKey string, now time.Time) error {
	if r.AcceptIdemKey != "" && r.AcceptIdemKey == idempotencyKey {
		return nil // idempotent replay; original result stands
	}
	if readVersion != r.Version {
		return newErr(ErrConflict, "RFQ %s version advanced: have %d, read %d", r.RFQID, r.Version, readVersion)
	}
	if r.Status != StatusSent && r.Status != StatusQuoting {
		return newErr(ErrStateInvalid, "cannot accept quote in status %s", r.Status)
	}
	// An accept whose read timestamp does not strictly precede the expiry
	// instant loses the boundary race and is rejected.
	if !now.Before(r.ExpiryInstant) {
		return newErr(ErrExpired, "RFQ %s expired at %s", r.RFQID, r.ExpiryInstant)
	}
	q, ok := r.Quotes[quoteID]
	if !ok {
		return newErr(ErrNotFound, "quote %s not found on RFQ %s", quoteID, r.RFQID)
	}
	if now.After(q.ValidUntil) {
		return newErr(ErrExpired, "quote %s expired at %s", quoteID, q.ValidUntil)
	}
	r.Status = StatusAccepted
	r.AcceptedQuoteID = quoteID
	r.AcceptIdemKey = idempotencyKey
	r.Version++
	r.UpdatedAt = now
	return nil
}

// RejectAcceptance handles LP last-look rejection: if the RFQ is still open
// (not past expiry and no competing trade), it returns to QUOTING; otherwise
// it becomes terminally REJECTED. The exact last-look strategy (timing/price
// drift rule) is an implementation-defined strategy object supplied by the
// caller; this method only encodes the state transition.
func (r *RFQ) RejectAcceptance(now time.Time, stillOpen bool) error {
	if r.Status != StatusAccepted {
		return newErr(ErrStateInvalid, "cannot reject acceptance in status %s", r.Status)
	}
	if stillOpen && !now.After(r.ExpiryInstant) {
		r.Status = StatusQuoting
		r.AcceptedQuoteID = ""
		r.AcceptIdemKey = ""
	} else {
		r.Status = StatusRejected
	}
	r.Version++
	r.UpdatedAt = now
	return nil
}

// ConfirmTrade transitions ACCEPTED -> TRADED on execution confirmation.
func (r *RFQ) ConfirmTrade(now time.Time) error {
	if r.Status != StatusAccepted {
		return newErr(ErrStateInvalid, "cannot confirm trade in status %s", r.Status)
	}
	r.Status = StatusTraded
	r.Version++
	r.UpdatedAt = now
	return nil
}

// Cancel transitions to CANCELLED; only the requester may cancel, and any
// other caller gets StateInvalid. Idempotent: cancelling an
// already-cancelled RFQ is a no-op success.
func (r *RFQ) Cancel(requesterID string, now time.Time) error {
	if r.Status == StatusCancelled {
		return nil
	}
	if r.RequesterID != requesterID {
		return newErr(ErrStateInvalid, "only the requester may cancel RFQ %s", r.RFQID)
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return newErr(ErrStateInvalid, "cannot cancel RFQ in status %s", r.Status)
	}
	r.Status = StatusCancelled
	r.Version++
	r.UpdatedAt = now
	return nil
}

// Expire transitions SENT/QUOTING -> EXPIRED. The expiry scanner calls this;
// a concurrent accept that already advanced r.Version wins, because the
// scanner's version-guarded save then fails with a conflict and the scanner
// skips that RFQ.
func (r *RFQ) Expire(now time.Time) error {
	if r.Status != StatusSent && r.Status != StatusQuoting {
		return newErr(ErrStateInvalid, "cannot expire RFQ in status %s", r.Status)
	}
	r.Status = StatusExpired
	r.Version++
	r.UpdatedAt = now
	return nil
}
