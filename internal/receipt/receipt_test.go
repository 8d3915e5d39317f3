package receipt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/notify"
)

func TestRandomCodesShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, err := RandomCodes{}.NextCode()
		if err != nil {
			t.Fatal(err)
		}
		if !ValidCode(c) {
			t.Fatalf("bad code %q", c)
		}
		seen[c] = true
	}
	if len(seen) < 150 {
		t.Fatalf("codes not spread: %d distinct of 200", len(seen))
	}
}

func TestRandomCodesKeepLeadingZeros(t *testing.T) {
	c, err := RandomCodes{Reader: bytes.NewReader(make([]byte, 64))}.NextCode()
	if err != nil {
		t.Fatal(err)
	}
	if c != "000000" {
		t.Fatalf("expected zero padded code, got %q", c)
	}
}

func TestValidCode(t *testing.T) {
	for in, want := range map[string]bool{"123456": true, "12345": false, "12a456": false, "1234567": false, "": false} {
		if ValidCode(in) != want {
			t.Fatalf("ValidCode(%q) != %v", in, want)
		}
	}
}

type fixedCodes string

func (f fixedCodes) NextCode() (string, error) { return string(f), nil }

func TestIssueOnceAndConsume(t *testing.T) {
	rec := notify.NewRecorder()
	e := NewEmitter(fixedCodes("424242"), rec)
	day := ledger.NewDailyRecord("acc_1", "2026-10-14")
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	r, err := e.Issue(&day, now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != "424242" || !r.ExpiresAt.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) || r.IsUsed {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if _, err := e.Issue(&day, now.Add(time.Hour), time.UTC); !errors.Is(err, ErrAlreadyIssued) {
		t.Fatalf("expected ErrAlreadyIssued, got %v", err)
	}
	if day.IssuedCode != "424242" {
		t.Fatal("second issue replaced the code")
	}

	if err := e.Consume(&day); err != nil {
		t.Fatal(err)
	}
	if err := e.Consume(&day); err != nil {
		t.Fatal(err)
	}
	got, _ := day.Receipt(time.UTC)
	if !got.IsUsed || got.ConsumedCount != 2 || got.Code != "424242" {
		t.Fatalf("unexpected consumed receipt %+v", got)
	}

	e.Announce(context.Background(), ledger.Account{ID: "acc_1", Name: "Amina"}, r)
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Kind != notify.KindReceiptIssued {
		t.Fatalf("unexpected events %+v", evs)
	}
	for _, v := range evs[0].Payload {
		if strings.Contains(v, "424242") {
			t.Fatal("code leaked into notification payload")
		}
	}
}

func TestConsumeWithoutCode(t *testing.T) {
	day := ledger.NewDailyRecord("acc_1", "2026-10-14")
	if err := NewEmitter(nil, nil).Consume(&day); !errors.Is(err, ErrNotIssued) {
		t.Fatalf("expected ErrNotIssued, got %v", err)
	}
}

func TestRenderQR(t *testing.T) {
	png, err := RenderQR(ledger.Receipt{AccountID: "acc_1", Day: "2026-10-14", Code: "042917"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("not a png")
	}
	if _, err := RenderQR(ledger.Receipt{}, 128); !errors.Is(err, ErrNotIssued) {
		t.Fatalf("expected ErrNotIssued, got %v", err)
	}
}
