package ledger

import (
	"testing"
	"time"
)

func TestFeeTermBalanceAndStatus(t *testing.T) {
	today := Day("2026-10-14")
	cases := []struct {
		name string
		term FeeTerm
		bal  int64
		want FeeStatus
	}{
		{"unpaid", FeeTerm{TotalAmount: 1000, GatepassExpiry: "2026-12-01"}, 1000, FeeUnpaid},
		{"partial", FeeTerm{TotalAmount: 1000, AmountPaid: 400, GatepassExpiry: "2026-12-01"}, 600, FeePartial},
		{"carried", FeeTerm{TotalAmount: 1000, CarriedBalance: 200, AmountPaid: 1000, GatepassExpiry: "2026-12-01"}, 200, FeePartial},
		{"overpaid", FeeTerm{TotalAmount: 1000, AmountPaid: 1300, GatepassExpiry: "2026-12-01"}, -300, FeePaid},
		{"overdue", FeeTerm{TotalAmount: 1000, AmountPaid: 100, GatepassExpiry: "2026-10-13"}, 900, FeeOverdue},
	}
	for _, tc := range cases {
		if got := tc.term.Balance(); got != tc.bal {
			t.Fatalf("%s: balance %d, want %d", tc.name, got, tc.bal)
		}
		if got := tc.term.DeriveStatus(today); got != tc.want {
			t.Fatalf("%s: status %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDayInLocation(t *testing.T) {
	kampala := time.FixedZone("EAT", 3*60*60)
	late := time.Date(2026, 10, 14, 22, 30, 0, 0, time.UTC)
	if got := DayOf(late, kampala); got != "2026-10-15" {
		t.Fatalf("expected local next day, got %s", got)
	}
	if got := DayOf(late, nil); got != "2026-10-14" {
		t.Fatalf("expected utc day, got %s", got)
	}
	d := Day("2026-10-14")
	if !d.End(kampala).Equal(d.Start(kampala).Add(24 * time.Hour)) {
		t.Fatal("end must be next midnight")
	}
	if d.AddDays(18) != "2026-11-01" {
		t.Fatalf("AddDays across month: %s", d.AddDays(18))
	}
	if _, err := ParseDay("2026-02-30"); err == nil {
		t.Fatal("expected invalid date")
	}
}

func TestReceiptProjection(t *testing.T) {
	rec := NewDailyRecord("acc_1", "2026-10-14")
	if _, ok := rec.Receipt(time.UTC); ok {
		t.Fatal("no code issued yet")
	}
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	rec.IssuedCode = "042917"
	rec.CodeIssuedAt = &at
	r, ok := rec.Receipt(time.UTC)
	if !ok {
		t.Fatal("expected receipt")
	}
	if r.ExpiredAt(at) || !r.ExpiredAt(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("receipt must expire at end of day, got %s", r.ExpiresAt)
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" Finance "); !ok || r != RoleFinance {
		t.Fatalf("unexpected %q %v", r, ok)
	}
	if _, ok := ParseRole("janitor"); ok {
		t.Fatal("unknown role accepted")
	}
}
