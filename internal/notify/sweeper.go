package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"schoolgate.org/internal/ledger"
)

// ExpiryStore is the slice of ledger.Store the sweeper reads.
type ExpiryStore interface {
	FeeTermsExpiring(ctx context.Context, from, to ledger.Day) ([]ledger.FeeTerm, error)
	CurrentFeeTerm(ctx context.Context, accountID string) (ledger.FeeTerm, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
}

// ExpirySweeper warns active accounts whose gate pass expires within the warning window.
// Each account is warned at most once per calendar day.
type ExpirySweeper struct {
	store    ExpiryStore
	notifier Notifier
	window   int
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger

	mu     sync.Mutex
	warned map[string]ledger.Day
	cron   *cron.Cron
}

type SweeperOption func(*ExpirySweeper)

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *ExpirySweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweepLocation(loc *time.Location) SweeperOption {
	return func(s *ExpirySweeper) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *ExpirySweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func NewExpirySweeper(store ExpiryStore, n Notifier, warningDays int, opts ...SweeperOption) *ExpirySweeper {
	s := &ExpirySweeper{
		store:    store,
		notifier: n,
		window:   warningDays,
		loc:      time.UTC,
		now:      time.Now,
		log:      zap.NewNop(),
		warned:   make(map[string]ledger.Day),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass and returns the number of warnings sent.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	today := ledger.DayOf(s.now(), s.loc)
	end := today.AddDays(s.window)
	terms, err := s.store.FeeTermsExpiring(ctx, today, end)
	if err != nil {
		return 0, fmt.Errorf("list expiring fee terms: %w", err)
	}
	candidates := make(map[string]struct{})
	for _, t := range terms {
		candidates[t.AccountID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for accountID := range candidates {
		if s.warned[accountID] == today {
			continue
		}
		// The gate honours the current term only; a renewal outside the window means no warning.
		term, err := s.store.CurrentFeeTerm(ctx, accountID)
		if err != nil {
			s.log.Warn("expiry sweep: current fee term lookup failed", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if end.Before(term.GatepassExpiry) || term.GatepassExpiry.Before(today) {
			continue
		}
		acc, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			s.log.Warn("expiry sweep: account lookup failed", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if acc.State != ledger.StateActive {
			continue
		}
		days := int(term.GatepassExpiry.Start(time.UTC).Sub(today.Start(time.UTC)).Hours() / 24)
		s.notifier.Notify(ctx, NewEvent(KindGatepassNearExpiry, accountID, s.now(), map[string]string{
			"name":            acc.Name,
			"gatepass_expiry": term.GatepassExpiry.String(),
			"days_left":       strconv.Itoa(days),
			"semester":        term.Semester,
			"academic_year":   term.AcademicYear,
		}))
		s.warned[accountID] = today
		sent++
	}
	s.prune(today)
	return sent, nil
}

func (s *ExpirySweeper) prune(today ledger.Day) {
	for id, day := range s.warned {
		if day != today {
			delete(s.warned, id)
		}
	}
}

// Start schedules Sweep on spec (standard five-field cron) in the sweeper's timezone.
func (s *ExpirySweeper) Start(spec string) error {
	logger := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLocation(s.loc), cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := s.Sweep(ctx)
		if err != nil {
			s.log.Warn("expiry sweep failed", zap.Error(err))
			return
		}
		s.log.Info("expiry sweep complete", zap.Int("warned", n))
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", spec, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *ExpirySweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes the scheduler's own messages through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
