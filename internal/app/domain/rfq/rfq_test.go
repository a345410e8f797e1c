package rfq

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestHappyRFQLifecycle(t *testing.T) {
	now := time.Now().UTC()
	r := New("rfq-1", "t1", "requester-1", "EUR/USD", SideBuy, mustDecimal(t, "1000000"), now.Add(30*time.Second), now)

	if err := r.Send(now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.Status != StatusSent || r.Version != 2 {
		t.Fatalf("unexpected state after send: %+v", r)
	}

	qA := Quote{QuoteID: "q1", RFQID: "rfq-1", LPID: "LP-A", Price: mustDecimal(t, "1.0850"), Size: mustDecimal(t, "1000000"), ReceivedAt: now, ValidUntil: now.Add(time.Minute)}
	accepted, dup, err := r.RecordQuote(qA, now, nil, decimal.Zero)
	if err != nil || !accepted || dup {
		t.Fatalf("record q1: accepted=%v dup=%v err=%v", accepted, dup, err)
	}
	if r.Status != StatusQuoting {
		t.Fatalf("expected QUOTING after first quote, got %s", r.Status)
	}

	qB := Quote{QuoteID: "q2", RFQID: "rfq-1", LPID: "LP-B", Price: mustDecimal(t, "1.0848"), Size: mustDecimal(t, "1000000"), ReceivedAt: now.Add(time.Millisecond), ValidUntil: now.Add(time.Minute)}
	if _, _, err := r.RecordQuote(qB, now, nil, decimal.Zero); err != nil {
		t.Fatalf("record q2: %v", err)
	}

	ranked := Rank(SideBuy, r.Quotes)
	if ranked[0].QuoteID != "q2" {
		t.Fatalf("expected q2 to rank best (lowest ask), got %s", ranked[0].QuoteID)
	}

	versionBeforeAccept := r.Version
	if err := r.AcceptQuote("q2", versionBeforeAccept, "k1", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.Status != StatusAccepted || r.AcceptedQuoteID != "q2" {
		t.Fatalf("unexpected state after accept: %+v", r)
	}

	// Replay with the same idempotency key must not mutate further.
	versionAfterAccept := r.Version
	if err := r.AcceptQuote("q2", versionBeforeAccept, "k1", now); err != nil {
		t.Fatalf("idempotent replay should succeed: %v", err)
	}
	if r.Version != versionAfterAccept {
		t.Fatalf("idempotent replay must not bump version: before=%d after=%d", versionAfterAccept, r.Version)
	}

	if err := r.ConfirmTrade(now); err != nil {
		t.Fatalf("confirm trade: %v", err)
	}
	if r.Status != StatusTraded {
		t.Fatalf("expected TRADED, got %s", r.Status)
	}
}

func TestAcceptQuote_ConflictOnStaleVersion(t *testing.T) {
	now := time.Now().UTC()
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), now.Add(time.Minute), now)
	_ = r.Send(now)
	q := Quote{QuoteID: "q1", Price: mustDecimal(t, "1.08"), ReceivedAt: now, ValidUntil: now.Add(time.Minute)}
	_, _, _ = r.RecordQuote(q, now, nil, decimal.Zero)

	err := r.AcceptQuote("q1", r.Version-1, "k1", now)
	if err == nil {
		t.Fatal("expected conflict error on stale version")
	}
	rfqErr, ok := err.(*Error)
	if !ok || rfqErr.Kind != ErrConflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
}

func TestAcceptQuote_ExpiredRejected(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(2 * time.Second)
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), expiry, now)
	_ = r.Send(now)
	q := Quote{QuoteID: "q1", Price: mustDecimal(t, "1.08"), ReceivedAt: now, ValidUntil: expiry.Add(time.Minute)}
	_, _, _ = r.RecordQuote(q, now, nil, decimal.Zero)

	past := expiry.Add(time.Millisecond)
	err := r.AcceptQuote("q1", r.Version, "k1", past)
	if err == nil {
		t.Fatal("expected expired error")
	}
	if rfqErr, ok := err.(*Error); !ok || rfqErr.Kind != ErrExpired {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestAcceptQuote_ExactlyAtExpiryRejected(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(2 * time.Second)
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), expiry, now)
	_ = r.Send(now)
	q := Quote{QuoteID: "q1", Price: mustDecimal(t, "1.08"), ReceivedAt: now, ValidUntil: expiry.Add(time.Minute)}
	_, _, _ = r.RecordQuote(q, now, nil, decimal.Zero)

	err := r.AcceptQuote("q1", r.Version, "k1", expiry)
	if err == nil {
		t.Fatal("expected expired error at the exact expiry instant")
	}
	if rfqErr, ok := err.(*Error); !ok || rfqErr.Kind != ErrExpired {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestRecordQuote_ExactlyAtExpiryRejected(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(2 * time.Second)
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), expiry, now)
	_ = r.Send(now)

	q := Quote{QuoteID: "q1", Price: mustDecimal(t, "1.08"), ReceivedAt: expiry, ValidUntil: expiry.Add(time.Minute)}
	_, _, err := r.RecordQuote(q, expiry, nil, decimal.Zero)
	if err == nil {
		t.Fatal("expected expired error at the exact expiry instant")
	}
	if rfqErr, ok := err.(*Error); !ok || rfqErr.Kind != ErrExpired {
		t.Fatalf("expected Expired, got %v", err)
	}
	if len(r.Quotes) != 0 {
		t.Fatalf("boundary quote must never enter the quote map, got %d", len(r.Quotes))
	}
}

func TestRecordQuote_DuplicateIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), now.Add(time.Minute), now)
	_ = r.Send(now)
	q := Quote{QuoteID: "q1", Price: mustDecimal(t, "1.08"), ReceivedAt: now, ValidUntil: now.Add(time.Minute)}

	accepted, dup, err := r.RecordQuote(q, now, nil, decimal.Zero)
	if err != nil || !accepted || dup {
		t.Fatalf("first insert unexpected: accepted=%v dup=%v err=%v", accepted, dup, err)
	}
	versionAfterFirst := r.Version

	accepted, dup, err = r.RecordQuote(q, now, nil, decimal.Zero)
	if err != nil || accepted || !dup {
		t.Fatalf("duplicate insert should be silent idempotent: accepted=%v dup=%v err=%v", accepted, dup, err)
	}
	if r.Version != versionAfterFirst {
		t.Fatalf("duplicate quote must not bump version")
	}
	if len(r.Quotes) != 1 {
		t.Fatalf("expected exactly one recorded quote, got %d", len(r.Quotes))
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), now.Add(time.Minute), now)
	if err := r.Cancel("req-1", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	versionAfterFirst := r.Version
	if err := r.Cancel("req-1", now); err != nil {
		t.Fatalf("second cancel should be idempotent: %v", err)
	}
	if r.Version != versionAfterFirst {
		t.Fatalf("idempotent cancel must not bump version")
	}
}

func TestExpire_OnlyFromOpenStatuses(t *testing.T) {
	now := time.Now().UTC()
	r := New("rfq-1", "t1", "req-1", "EUR/USD", SideBuy, mustDecimal(t, "100"), now.Add(time.Second), now)
	if err := r.Expire(now); err == nil {
		t.Fatal("expire from CREATED should be rejected")
	}
	_ = r.Send(now)
	if err := r.Expire(now.Add(2 * time.Second)); err != nil {
		t.Fatalf("expire from SENT: %v", err)
	}
	if r.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", r.Status)
	}
}

func TestFSM_RejectsUnlistedTransition(t *testing.T) {
	if CanTransition(StatusTraded, StatusQuoting) {
		t.Fatal("TRADED is terminal; no transitions should be allowed out of it")
	}
	if !IsTerminal(StatusTraded) || !IsTerminal(StatusExpired) || !IsTerminal(StatusCancelled) || !IsTerminal(StatusRejected) {
		t.Fatal("expected all four terminal statuses to report IsTerminal")
	}
}
