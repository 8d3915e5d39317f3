package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"schoolgate.org/internal/ids"
)

type dailyKey struct {
	account string
	day     Day
}

type termKey struct {
	semester string
	year     string
}

// InMemory implements Store with in-process concurrency safety.
// Values are copied on the way in and out so callers never share slices with the store.
type InMemory struct {
	mu          sync.RWMutex
	now         func() time.Time
	accts       map[string]*Account
	byLogin     map[string]string
	byEmail     map[string]string
	byAdmission map[string]string
	terms       map[string]map[termKey]FeeTerm
	daily       map[dailyKey]DailyVerificationRecord
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		now:         func() time.Time { return time.Now().UTC() },
		accts:       make(map[string]*Account),
		byLogin:     make(map[string]string),
		byEmail:     make(map[string]string),
		byAdmission: make(map[string]string),
		terms:       make(map[string]map[termKey]FeeTerm),
		daily:       make(map[dailyKey]DailyVerificationRecord),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	if acc.LoginKey == "" || acc.Role == "" {
		return Account{}, fmt.Errorf("%w: login key and role are required", ErrInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(acc.Email))
	admission := NormalizeKey(acc.AdmissionNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byLogin[acc.LoginKey]; ok {
		return Account{}, fmt.Errorf("%w: login key %s", ErrDuplicateIdentifier, acc.LoginKey)
	}
	if email != "" {
		if _, ok := s.byEmail[email]; ok {
			return Account{}, fmt.Errorf("%w: email %s", ErrDuplicateIdentifier, email)
		}
	}
	if admission != "" {
		if _, ok := s.byAdmission[admission]; ok {
			return Account{}, fmt.Errorf("%w: admission number %s", ErrDuplicateIdentifier, admission)
		}
	}

	if acc.ID == "" {
		acc.ID = ids.Prefixed("acc")
	}
	if _, ok := s.accts[acc.ID]; ok {
		return Account{}, fmt.Errorf("%w: id %s", ErrDuplicateIdentifier, acc.ID)
	}
	now := s.now()
	acc.CreatedAt, acc.UpdatedAt = now, now
	acc.Version = 1
	stored := acc.clone()
	s.accts[acc.ID] = &stored
	s.byLogin[acc.LoginKey] = acc.ID
	if email != "" {
		s.byEmail[email] = acc.ID
	}
	if admission != "" {
		s.byAdmission[admission] = acc.ID
	}
	return stored.clone(), nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc.clone(), nil
}

func (s *InMemory) FindStudent(ctx context.Context, admissionNumber string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAdmission[NormalizeKey(admissionNumber)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.accts[id].clone(), nil
}

func (s *InMemory) FindByLoginKey(ctx context.Context, loginKey string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLogin[loginKey]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.accts[id].clone(), nil
}

func (s *InMemory) SaveTransition(ctx context.Context, acc Account, expectVersion int64, term *FeeTerm) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accts[acc.ID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if cur.Version != expectVersion {
		return Account{}, ErrConflict
	}
	now := s.now()
	next := cur.clone()
	next.State = acc.State
	next.Transitions = append([]Transition(nil), acc.Transitions...)
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if term != nil {
		t := *term
		t.AccountID = acc.ID
		s.upsertTermLocked(t, now)
	}
	*cur = next
	return next.clone(), nil
}

func (s *InMemory) UpsertFeeTerm(ctx context.Context, term FeeTerm) (FeeTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accts[term.AccountID]; !ok {
		return FeeTerm{}, ErrNotFound
	}
	return s.upsertTermLocked(term, s.now()), nil
}

func (s *InMemory) upsertTermLocked(term FeeTerm, now time.Time) FeeTerm {
	byKey, ok := s.terms[term.AccountID]
	if !ok {
		byKey = make(map[termKey]FeeTerm)
		s.terms[term.AccountID] = byKey
	}
	k := termKey{semester: term.Semester, year: term.AcademicYear}
	if prev, ok := byKey[k]; ok {
		term.ID = prev.ID
		term.CreatedAt = prev.CreatedAt
	} else {
		if term.ID == "" {
			term.ID = ids.Prefixed("fee")
		}
		term.CreatedAt = now
	}
	term.UpdatedAt = now
	byKey[k] = term
	return term
}

func (s *InMemory) FeeTerms(ctx context.Context, accountID string) ([]FeeTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accts[accountID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]FeeTerm, 0, len(s.terms[accountID]))
	for _, t := range s.terms[accountID] {
		out = append(out, t)
	}
	sortTerms(out)
	return out, nil
}

func (s *InMemory) CurrentFeeTerm(ctx context.Context, accountID string) (FeeTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terms := make([]FeeTerm, 0, len(s.terms[accountID]))
	for _, t := range s.terms[accountID] {
		terms = append(terms, t)
	}
	cur, ok := CurrentOf(terms)
	if !ok {
		return FeeTerm{}, ErrNotFound
	}
	return cur, nil
}

func (s *InMemory) FeeTermsExpiring(ctx context.Context, from, to Day) ([]FeeTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FeeTerm
	for _, byKey := range s.terms {
		for _, t := range byKey {
			if !t.GatepassExpiry.Before(from) && !to.Before(t.GatepassExpiry) {
				out = append(out, t)
			}
		}
	}
	sortTerms(out)
	return out, nil
}

func (s *InMemory) DailyRecord(ctx context.Context, accountID string, day Day) (DailyVerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.daily[dailyKey{account: accountID, day: day}]
	if !ok {
		return DailyVerificationRecord{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *InMemory) SaveDailyRecord(ctx context.Context, rec DailyVerificationRecord, expectVersion int64) (DailyVerificationRecord, error) {
	if rec.AccountID == "" || !rec.Day.Valid() {
		return DailyVerificationRecord{}, fmt.Errorf("%w: daily record key", ErrInvalidInput)
	}
	k := dailyKey{account: rec.AccountID, day: rec.Day}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.daily[k]
	switch {
	case expectVersion == 0 && exists:
		return DailyVerificationRecord{}, ErrConflict
	case expectVersion != 0 && (!exists || cur.Version != expectVersion):
		return DailyVerificationRecord{}, ErrConflict
	}
	rec.Version = expectVersion + 1
	stored := rec.clone()
	s.daily[k] = stored
	return stored.clone(), nil
}

func (s *InMemory) LatestReceipt(ctx context.Context, accountID string) (DailyVerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  DailyVerificationRecord
		found bool
	)
	for k, rec := range s.daily {
		if k.account != accountID || !rec.HasCode() {
			continue
		}
		if !found || best.Day.Before(rec.Day) {
			best, found = rec, true
		}
	}
	if !found {
		return DailyVerificationRecord{}, ErrNotFound
	}
	return best.clone(), nil
}

func (s *InMemory) Ping(ctx context.Context) error { return nil }

func sortTerms(ts []FeeTerm) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].GatepassExpiry != ts[j].GatepassExpiry {
			return ts[i].GatepassExpiry.Before(ts[j].GatepassExpiry)
		}
		return ts[i].ID < ts[j].ID
	})
}
