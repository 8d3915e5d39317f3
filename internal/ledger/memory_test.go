package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newStudent(adm, course string) Account {
	return Account{
		Role:            RoleStudent,
		LoginKey:        StudentLoginKey(adm, course),
		Name:            "Amina Nakato",
		AdmissionNumber: adm,
		Course:          course,
		State:           StateDraftEnrolled,
	}
}

func TestCreateAccountDuplicates(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newStudent("ADM-001", "Nursing")
	a.Email = "amina@example.org"
	if _, err := s.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	cases := map[string]Account{
		"login key": newStudent("adm-001", "nursing"),
		"email": func() Account {
			b := newStudent("ADM-002", "Nursing")
			b.Email = "AMINA@example.org"
			return b
		}(),
		"admission": newStudent("ADM-001", "Midwifery"),
	}
	for name, acc := range cases {
		if _, err := s.CreateAccount(ctx, acc); !errors.Is(err, ErrDuplicateIdentifier) {
			t.Fatalf("%s: expected ErrDuplicateIdentifier, got %v", name, err)
		}
	}
}

func TestFindStudentNormalizesAdmission(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	created, err := s.CreateAccount(ctx, newStudent("adm-7", "Nursing"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.FindStudent(ctx, "  ADM-7 ")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID {
		t.Fatalf("unexpected account %s", got.ID)
	}
	if _, err := s.FindStudent(ctx, "ADM-8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTransitionVersionCheck(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, newStudent("ADM-1", "Nursing"))

	next := acc
	next.State = StateFinanceApproved
	next.Transitions = append(next.Transitions, Transition{From: StateDraftEnrolled, To: StateFinanceApproved, ActorRole: RoleFinance})
	term := &FeeTerm{Semester: "1", AcademicYear: "2026/2027", TotalAmount: 500, GatepassExpiry: "2026-12-31"}

	saved, err := s.SaveTransition(ctx, next, acc.Version, term)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != acc.Version+1 || saved.State != StateFinanceApproved {
		t.Fatalf("unexpected saved account %+v", saved)
	}
	if _, err := s.SaveTransition(ctx, next, acc.Version, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	cur, err := s.CurrentFeeTerm(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.AccountID != acc.ID || cur.ID == "" {
		t.Fatalf("fee term not attached: %+v", cur)
	}
	if term.AccountID != "" {
		t.Fatal("caller term mutated")
	}
}

func TestCurrentFeeTermLatestExpiry(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, newStudent("ADM-2", "Nursing"))

	for _, ft := range []FeeTerm{
		{AccountID: acc.ID, Semester: "1", AcademicYear: "2026/2027", GatepassExpiry: "2026-12-20"},
		{AccountID: acc.ID, Semester: "2", AcademicYear: "2026/2027", GatepassExpiry: "2027-05-30"},
	} {
		if _, err := s.UpsertFeeTerm(ctx, ft); err != nil {
			t.Fatal(err)
		}
	}
	up, err := s.UpsertFeeTerm(ctx, FeeTerm{AccountID: acc.ID, Semester: "1", AcademicYear: "2026/2027", AmountPaid: 10, GatepassExpiry: "2026-12-21"})
	if err != nil {
		t.Fatal(err)
	}
	terms, _ := s.FeeTerms(ctx, acc.ID)
	if len(terms) != 2 {
		t.Fatalf("expected 2 terms, got %d", len(terms))
	}
	if terms[0].ID != up.ID || terms[0].AmountPaid != 10 {
		t.Fatalf("upsert did not replace semester 1: %+v", terms[0])
	}
	cur, _ := s.CurrentFeeTerm(ctx, acc.ID)
	if cur.Semester != "2" {
		t.Fatalf("expected semester 2 current, got %s", cur.Semester)
	}
	exp, _ := s.FeeTermsExpiring(ctx, "2026-12-01", "2026-12-31")
	if len(exp) != 1 || exp[0].Semester != "1" {
		t.Fatalf("unexpected expiring terms %+v", exp)
	}
}

func TestSaveDailyRecordCompareAndSwap(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	rec := NewDailyRecord("acc_1", "2026-10-14")
	rec.Grant(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC))

	saved, err := s.SaveDailyRecord(ctx, rec, 0)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}
	if _, err := s.SaveDailyRecord(ctx, rec, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second insert: expected ErrConflict, got %v", err)
	}
	saved.Grant(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	if _, err := s.SaveDailyRecord(ctx, saved, 7); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale version: expected ErrConflict, got %v", err)
	}
	if _, err := s.SaveDailyRecord(ctx, saved, saved.Version); err != nil {
		t.Fatal(err)
	}
	got, _ := s.DailyRecord(ctx, "acc_1", "2026-10-14")
	if got.VerificationCount != 2 || len(got.Timestamps) != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := s.DailyRecord(ctx, "acc_1", "2026-10-15"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("next day: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentDailyInsertSingleWinner(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SaveDailyRecord(ctx, NewDailyRecord("acc_1", "2026-10-14"), 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one insert, got %d", wins)
	}
}

func TestLatestReceipt(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	issued := time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)
	for _, d := range []Day{"2026-10-12", "2026-10-13", "2026-10-14"} {
		rec := NewDailyRecord("acc_1", d)
		if d != "2026-10-14" {
			rec.IssuedCode = "123456"
			rec.CodeIssuedAt = &issued
		}
		if _, err := s.SaveDailyRecord(ctx, rec, 0); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := s.LatestReceipt(ctx, "acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Day != "2026-10-13" {
		t.Fatalf("expected latest coded day 2026-10-13, got %s", rec.Day)
	}
	if _, err := s.LatestReceipt(ctx, "acc_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
