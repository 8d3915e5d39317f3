package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"schoolgate.org/internal/ids"
	"schoolgate.org/internal/ledger"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected    = "40P01"
)

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen, maxIdle, life := 50, 25, 15*time.Minute
	if pool.MaxOpenConns > 0 {
		maxOpen = pool.MaxOpenConns
	}
	if pool.MaxIdleConns > 0 {
		maxIdle = pool.MaxIdleConns
	}
	if pool.ConnMaxLifetime > 0 {
		life = pool.ConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(life)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests pass a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const accountColumns = `id, role, login_key, email, name, admission_number, course, level, staff_code, state, password_hash, version, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acc ledger.Account) (ledger.Account, error) {
	if acc.LoginKey == "" || acc.Role == "" {
		return ledger.Account{}, fmt.Errorf("%w: login key and role are required", ledger.ErrInvalidInput)
	}
	if acc.ID == "" {
		acc.ID = ids.Prefixed("acc")
	}
	acc.Email = strings.TrimSpace(acc.Email)
	acc.AdmissionNumber = ledger.NormalizeKey(acc.AdmissionNumber)

	row := s.db.QueryRowContext(ctx, `
		insert into accounts (id, role, login_key, email, name, admission_number, course, level, staff_code, state, password_hash, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
		returning `+accountColumns,
		acc.ID, string(acc.Role), acc.LoginKey, acc.Email, acc.Name, acc.AdmissionNumber,
		acc.Course, acc.Level, acc.StaffCode, string(acc.State), acc.PasswordHash)
	out, err := scanAccount(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateIdentifier, pgErr.ConstraintName)
		}
		return ledger.Account{}, err
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id)
	return s.withTransitions(ctx, row)
}

func (s *Store) FindStudent(ctx context.Context, admissionNumber string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+` from accounts
		where admission_number=$1 and role=$2
	`, ledger.NormalizeKey(admissionNumber), string(ledger.RoleStudent))
	return s.withTransitions(ctx, row)
}

func (s *Store) FindByLoginKey(ctx context.Context, loginKey string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where login_key=$1`, loginKey)
	return s.withTransitions(ctx, row)
}

// SetPassword replaces the password hash of the account owning loginKey.
func (s *Store) SetPassword(ctx context.Context, loginKey, hash string) error {
	res, err := s.db.ExecContext(ctx, `update accounts set password_hash=$2, updated_at=now() where login_key=$1`, loginKey, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) withTransitions(ctx context.Context, row *sql.Row) (ledger.Account, error) {
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select from_state, to_state, actor_role, actor_id, at
		from account_transitions where account_id=$1 order by at asc, id asc
	`, acc.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tr             ledger.Transition
			from, to, role string
		)
		if err := rows.Scan(&from, &to, &role, &tr.ActorID, &tr.At); err != nil {
			return ledger.Account{}, err
		}
		tr.From, tr.To, tr.ActorRole = ledger.State(from), ledger.State(to), ledger.Role(role)
		acc.Transitions = append(acc.Transitions, tr)
	}
	return acc, rows.Err()
}

// SaveTransition persists the newest element of acc.Transitions together with the state change.
// Serialization failures and deadlocks surface as ledger.ErrConflict so callers reload and retry.
func (s *Store) SaveTransition(ctx context.Context, acc ledger.Account, expectVersion int64, term *ledger.FeeTerm) (ledger.Account, error) {
	out, err := s.saveTransition(ctx, acc, expectVersion, term)
	if err != nil {
		return ledger.Account{}, conflictOf(err)
	}
	return out, nil
}

func (s *Store) saveTransition(ctx context.Context, acc ledger.Account, expectVersion int64, term *ledger.FeeTerm) (ledger.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx, `select version from accounts where id=$1 for update`, acc.ID).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrNotFound
		}
		return ledger.Account{}, err
	}
	if version != expectVersion {
		return ledger.Account{}, ledger.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set state=$2, version=version+1, updated_at=now() where id=$1
	`, acc.ID, string(acc.State)); err != nil {
		return ledger.Account{}, err
	}
	if n := len(acc.Transitions); n > 0 {
		tr := acc.Transitions[n-1]
		if _, err := tx.ExecContext(ctx, `
			insert into account_transitions (id, account_id, from_state, to_state, actor_role, actor_id, at)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, ids.Prefixed("trn"), acc.ID, string(tr.From), string(tr.To), string(tr.ActorRole), tr.ActorID, tr.At); err != nil {
			return ledger.Account{}, err
		}
	}
	if term != nil {
		t := *term
		t.AccountID = acc.ID
		if _, err := upsertTerm(ctx, tx, t); err != nil {
			return ledger.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return s.GetAccount(ctx, acc.ID)
}

const termColumns = `id, account_id, semester, academic_year, total_amount, carried_balance, amount_paid, status, to_char(gatepass_expiry, 'YYYY-MM-DD'), created_at, updated_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertTerm(ctx context.Context, q queryRower, t ledger.FeeTerm) (ledger.FeeTerm, error) {
	if t.ID == "" {
		t.ID = ids.Prefixed("fee")
	}
	row := q.QueryRowContext(ctx, `
		insert into fee_terms (id, account_id, semester, academic_year, total_amount, carried_balance, amount_paid, status, gatepass_expiry)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9::date)
		on conflict (account_id, semester, academic_year) do update set
			total_amount = excluded.total_amount,
			carried_balance = excluded.carried_balance,
			amount_paid = excluded.amount_paid,
			status = excluded.status,
			gatepass_expiry = excluded.gatepass_expiry,
			updated_at = now()
		returning `+termColumns,
		t.ID, t.AccountID, t.Semester, t.AcademicYear, t.TotalAmount, t.CarriedBalance, t.AmountPaid,
		string(t.Status), string(t.GatepassExpiry))
	return scanTerm(row)
}

func (s *Store) UpsertFeeTerm(ctx context.Context, term ledger.FeeTerm) (ledger.FeeTerm, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `select 1 from accounts where id=$1`, term.AccountID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.FeeTerm{}, ledger.ErrNotFound
		}
		return ledger.FeeTerm{}, err
	}
	return upsertTerm(ctx, s.db, term)
}

func (s *Store) FeeTerms(ctx context.Context, accountID string) ([]ledger.FeeTerm, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+termColumns+` from fee_terms where account_id=$1 order by gatepass_expiry asc, id asc
	`, accountID)
	if err != nil {
		return nil, err
	}
	return collectTerms(rows)
}

func (s *Store) CurrentFeeTerm(ctx context.Context, accountID string) (ledger.FeeTerm, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+termColumns+` from fee_terms where account_id=$1
		order by gatepass_expiry desc, updated_at desc limit 1
	`, accountID)
	t, err := scanTerm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FeeTerm{}, ledger.ErrNotFound
	}
	return t, err
}

func (s *Store) FeeTermsExpiring(ctx context.Context, from, to ledger.Day) ([]ledger.FeeTerm, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+termColumns+` from fee_terms
		where gatepass_expiry between $1::date and $2::date
		order by gatepass_expiry asc, id asc
	`, string(from), string(to))
	if err != nil {
		return nil, err
	}
	return collectTerms(rows)
}

const dailyColumns = `account_id, to_char(day, 'YYYY-MM-DD'), verification_count, timestamps, coalesce(issued_code, ''), code_issued_at, code_consumed_count, receipt_used, expired_attempts, failed_code_attempts, version`

func (s *Store) DailyRecord(ctx context.Context, accountID string, day ledger.Day) (ledger.DailyVerificationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+dailyColumns+` from daily_verifications where account_id=$1 and day=$2::date
	`, accountID, string(day))
	rec, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DailyVerificationRecord{}, ledger.ErrNotFound
	}
	return rec, err
}

func (s *Store) SaveDailyRecord(ctx context.Context, rec ledger.DailyVerificationRecord, expectVersion int64) (ledger.DailyVerificationRecord, error) {
	if rec.AccountID == "" || !rec.Day.Valid() {
		return ledger.DailyVerificationRecord{}, fmt.Errorf("%w: daily record key", ledger.ErrInvalidInput)
	}
	stamps, err := json.Marshal(rec.Timestamps)
	if err != nil {
		return ledger.DailyVerificationRecord{}, fmt.Errorf("encode timestamps: %w", err)
	}
	var res sql.Result
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			insert into daily_verifications (account_id, day, verification_count, timestamps, issued_code, code_issued_at,
				code_consumed_count, receipt_used, expired_attempts, failed_code_attempts, version)
			values ($1,$2::date,$3,$4,nullif($5,''),$6,$7,$8,$9,$10,1)
			on conflict (account_id, day) do nothing
		`, rec.AccountID, string(rec.Day), rec.VerificationCount, stamps, rec.IssuedCode, rec.CodeIssuedAt,
			rec.CodeConsumedCount, rec.ReceiptUsed, rec.ExpiredAttempts, rec.FailedCodeAttempts)
	} else {
		res, err = s.db.ExecContext(ctx, `
			update daily_verifications set
				verification_count=$3, timestamps=$4, issued_code=nullif($5,''), code_issued_at=$6,
				code_consumed_count=$7, receipt_used=$8, expired_attempts=$9, failed_code_attempts=$10,
				version=version+1, updated_at=now()
			where account_id=$1 and day=$2::date and version=$11
		`, rec.AccountID, string(rec.Day), rec.VerificationCount, stamps, rec.IssuedCode, rec.CodeIssuedAt,
			rec.CodeConsumedCount, rec.ReceiptUsed, rec.ExpiredAttempts, rec.FailedCodeAttempts, expectVersion)
	}
	if err != nil {
		return ledger.DailyVerificationRecord{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.DailyVerificationRecord{}, err
	}
	if n == 0 {
		return ledger.DailyVerificationRecord{}, ledger.ErrConflict
	}
	rec.Version = expectVersion + 1
	return rec, nil
}

func (s *Store) LatestReceipt(ctx context.Context, accountID string) (ledger.DailyVerificationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+dailyColumns+` from daily_verifications
		where account_id=$1 and issued_code is not null
		order by day desc limit 1
	`, accountID)
	rec, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DailyVerificationRecord{}, ledger.ErrNotFound
	}
	return rec, err
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		acc         ledger.Account
		role, state string
	)
	err := row.Scan(&acc.ID, &role, &acc.LoginKey, &acc.Email, &acc.Name, &acc.AdmissionNumber, &acc.Course,
		&acc.Level, &acc.StaffCode, &state, &acc.PasswordHash, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	acc.Role, acc.State = ledger.Role(role), ledger.State(state)
	return acc, nil
}

func scanTerm(row scanner) (ledger.FeeTerm, error) {
	var (
		t              ledger.FeeTerm
		status, expiry string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Semester, &t.AcademicYear, &t.TotalAmount, &t.CarriedBalance,
		&t.AmountPaid, &status, &expiry, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ledger.FeeTerm{}, err
	}
	t.Status, t.GatepassExpiry = ledger.FeeStatus(status), ledger.Day(expiry)
	return t, nil
}

func collectTerms(rows *sql.Rows) ([]ledger.FeeTerm, error) {
	defer rows.Close()
	var out []ledger.FeeTerm
	for rows.Next() {
		t, err := scanTerm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanDaily(row scanner) (ledger.DailyVerificationRecord, error) {
	var (
		rec      ledger.DailyVerificationRecord
		day      string
		stamps   []byte
		issuedAt sql.NullTime
	)
	err := row.Scan(&rec.AccountID, &day, &rec.VerificationCount, &stamps, &rec.IssuedCode, &issuedAt,
		&rec.CodeConsumedCount, &rec.ReceiptUsed, &rec.ExpiredAttempts, &rec.FailedCodeAttempts, &rec.Version)
	if err != nil {
		return ledger.DailyVerificationRecord{}, err
	}
	rec.Day = ledger.Day(day)
	if len(stamps) > 0 {
		if err := json.Unmarshal(stamps, &rec.Timestamps); err != nil {
			return ledger.DailyVerificationRecord{}, fmt.Errorf("decode timestamps: %w", err)
		}
	}
	if issuedAt.Valid {
		t := issuedAt.Time
		rec.CodeIssuedAt = &t
	}
	return rec, nil
}

// conflictOf maps transaction aborts that are safe to retry onto ledger.ErrConflict.
func conflictOf(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrSerializationFailure, pgErrDeadlockDetected:
			return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
