package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestOrderLifecycle_PartialThenFullFill(t *testing.T) {
	now := time.Now().UTC()
	o := New("o1", "t1", "owner-1", "EUR/USD", SideBuy, dec(t, "100"), dec(t, "1.08"), TIFGTC, "idem-1", now)
	if err := o.Acknowledge(now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := o.Fill(dec(t, "40"), now); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	if o.Status != StatusPartialFill {
		t.Fatalf("expected PARTIAL_FILL, got %s", o.Status)
	}
	if err := o.Fill(dec(t, "60"), now); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("expected FILLED, got %s", o.Status)
	}
	if !o.FilledQty.Equal(o.Qty) {
		t.Fatalf("expected filledQty == qty, got %s vs %s", o.FilledQty, o.Qty)
	}
}

func TestFill_RejectsOverfill(t *testing.T) {
	now := time.Now().UTC()
	o := New("o1", "t1", "owner-1", "EUR/USD", SideBuy, dec(t, "100"), dec(t, "1.08"), TIFGTC, "idem-1", now)
	_ = o.Acknowledge(now)
	if err := o.Fill(dec(t, "150"), now); err == nil {
		t.Fatal("expected overfill to be rejected")
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	o := New("o1", "t1", "owner-1", "EUR/USD", SideBuy, dec(t, "100"), dec(t, "1.08"), TIFGTC, "idem-1", now)
	if err := o.RequestCancel(now); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if err := o.ConfirmCancel(now); err != nil {
		t.Fatalf("confirm cancel: %v", err)
	}
	versionAfter := o.Version
	if err := o.ConfirmCancel(now); err != nil {
		t.Fatalf("second confirm should be idempotent: %v", err)
	}
	if o.Version != versionAfter {
		t.Fatal("idempotent cancel must not bump version")
	}
}

func TestAmend_RejectedWhenFilled(t *testing.T) {
	now := time.Now().UTC()
	o := New("o1", "t1", "owner-1", "EUR/USD", SideBuy, dec(t, "100"), dec(t, "1.08"), TIFGTC, "idem-1", now)
	_ = o.Acknowledge(now)
	_ = o.Fill(dec(t, "100"), now)
	newQty := dec(t, "200")
	if err := o.Amend(&newQty, nil, now); err == nil {
		t.Fatal("expected amend on FILLED order to be rejected")
	}
}

func TestAmend_RejectsBelowFilledQty(t *testing.T) {
	now := time.Now().UTC()
	o := New("o1", "t1", "owner-1", "EUR/USD", SideBuy, dec(t, "100"), dec(t, "1.08"), TIFGTC, "idem-1", now)
	_ = o.Acknowledge(now)
	_ = o.Fill(dec(t, "40"), now)
	newQty := dec(t, "30")
	if err := o.Amend(&newQty, nil, now); err == nil {
		t.Fatal("expected amend below filled qty to be rejected")
	}
}

func TestFSM_RejectsUnlistedTransition(t *testing.T) {
	if CanTransition(StatusFilled, StatusPartialFill) {
		t.Fatal("FILLED is terminal; no transitions should be allowed out of it")
	}
}
