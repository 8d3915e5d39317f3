package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"schoolgate.org/internal/admission"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/notify"
	"schoolgate.org/internal/receipt"
	"schoolgate.org/internal/stream"
)

const testSecret = "test-secret-0123456789"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	tokens  *auth.Tokens
	store   *ledger.InMemory
	engine  *gate.Engine
	clock   *testClock
	events  *notify.Recorder
	stream  *stream.Stream
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	store := ledger.NewInMemory()
	clock := &testClock{t: time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)}
	events := notify.NewRecorder()
	live := stream.New(16)
	engine := gate.New(store, receipt.NewEmitter(nil, events), nil,
		gate.WithClock(clock.Now), gate.WithPublisher(live))
	pipeline := admission.New(store, events, admission.WithClock(clock.Now))

	api := New(Deps{
		Store:      store,
		Pipeline:   pipeline,
		Engine:     engine,
		Tokens:     tokens,
		Stream:     live,
		Version:    "test",
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		tokens:  tokens,
		store:   store,
		engine:  engine,
		clock:   clock,
		events:  events,
		stream:  live,
	}
}

func (c *apiClient) token(subject string, role ledger.Role) string {
	c.t.Helper()
	tok, _, err := c.tokens.Generate(subject, []ledger.Role{role}, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func TestAdmissionToGateFlow(t *testing.T) {
	api := newTestAPI(t)
	enrollTok := api.token("acc_enroll", ledger.RoleEnrollment)
	financeTok := api.token("acc_finance", ledger.RoleFinance)
	teacherTok := api.token("acc_teacher", ledger.RoleTeacher)
	gateTok := api.token("acc_gate", ledger.RoleGate)

	student := map[string]any{
		"role":             "student",
		"name":             "Amina Nakato",
		"admission_number": "adm-100",
		"course":           "Nursing",
		"password":         "student-pass",
	}
	resp := api.do(http.MethodPost, "/v1/admissions", enrollTok, student)
	expectStatus(t, resp, http.StatusCreated)
	if resp.Header.Get("Location") == "" {
		t.Fatal("expected Location header")
	}
	acc := decode[ledger.Account](t, resp)
	if acc.State != ledger.StateDraftEnrolled || acc.LoginKey != "ADM-100/NURSING" {
		t.Fatalf("unexpected account %+v", acc)
	}

	resp = api.do(http.MethodPost, "/v1/admissions", enrollTok, student)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Code != "duplicate" || body.RequestID == "" {
		t.Fatalf("unexpected duplicate body %+v", body)
	}

	resp = api.do(http.MethodPost, "/v1/admissions/"+acc.ID+"/activation", teacherTok, nil)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Code != "invalid_state" {
		t.Fatalf("unexpected body %+v", body)
	}

	expiry := api.engine.Today().AddDays(30)
	resp = api.do(http.MethodPost, "/v1/admissions/"+acc.ID+"/finance-approval", financeTok, map[string]any{
		"semester":        "1",
		"academic_year":   "2026/2027",
		"total_amount":    150000,
		"amount_paid":     200000,
		"gatepass_expiry": expiry.String(),
	})
	expectStatus(t, resp, http.StatusOK)
	approval := decode[approvalResponse](t, resp)
	if approval.Account.State != ledger.StateFinanceApproved || approval.FeeTerm.Balance != -50000 {
		t.Fatalf("unexpected approval %+v", approval)
	}
	if approval.FeeTerm.Status != ledger.FeePaid {
		t.Fatalf("overpaid term should be paid, got %s", approval.FeeTerm.Status)
	}

	resp = api.do(http.MethodPost, "/v1/admissions/"+acc.ID+"/activation", teacherTok, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[ledger.Account](t, resp); got.State != ledger.StateActive {
		t.Fatalf("expected active, got %s", got.State)
	}
	if api.events.Count(notify.KindAccountActivated) != 1 {
		t.Fatal("expected one activation notice")
	}

	gateReq := map[string]any{"identifier": "ADM-100", "course": "nursing"}
	for i := 1; i <= 3; i++ {
		resp = api.do(http.MethodPost, "/v1/gate/verifications", gateTok, gateReq)
		expectStatus(t, resp, http.StatusOK)
		card := decode[verifyResponse](t, resp)
		if card.Outcome != gate.Granted || card.VerificationCount != i || card.Student == nil {
			t.Fatalf("entry %d: unexpected card %+v", i, card)
		}
		api.clock.Advance(time.Minute)
	}
	resp = api.do(http.MethodPost, "/v1/gate/verifications", gateTok, gateReq)
	expectStatus(t, resp, http.StatusPreconditionRequired)
	if card := decode[verifyResponse](t, resp); card.Code != "code_required" || card.Message == "" {
		t.Fatalf("unexpected card %+v", card)
	}

	resp = api.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"login_key": "adm-100/nursing",
		"password":  "student-pass",
	})
	expectStatus(t, resp, http.StatusOK)
	login := decode[tokenResponse](t, resp)
	if login.AccountID != acc.ID || login.Role != ledger.RoleStudent {
		t.Fatalf("unexpected login %+v", login)
	}

	resp = api.do(http.MethodGet, "/v1/students/"+acc.ID+"/receipt", login.Token, nil)
	expectStatus(t, resp, http.StatusOK)
	view := decode[gate.ReceiptView](t, resp)
	if !receipt.ValidCode(view.Receipt.Code) || !view.Valid || view.Receipt.IsUsed {
		t.Fatalf("unexpected receipt %+v", view)
	}

	resp = api.do(http.MethodGet, "/v1/students/acc_someone_else/receipt", login.Token, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// Gate staff see the receipt status but never the code they are meant to challenge for.
	resp = api.do(http.MethodGet, "/v1/students/"+acc.ID+"/receipt", gateTok, nil)
	expectStatus(t, resp, http.StatusOK)
	staffView := decode[struct {
		Receipt map[string]any `json:"receipt"`
		Valid   bool           `json:"valid"`
	}](t, resp)
	if _, leaked := staffView.Receipt["verification_code"]; leaked {
		t.Fatalf("gate token saw the verification code: %v", staffView.Receipt)
	}
	if staffView.Receipt["account_id"] != acc.ID || !staffView.Valid {
		t.Fatalf("unexpected staff receipt view %+v", staffView)
	}
	resp = api.do(http.MethodGet, "/v1/students/"+acc.ID+"/receipt/qr", gateTok, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/students/"+acc.ID+"/receipt/qr", login.Token, nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	resp.Body.Close()

	wrong := "000000"
	if view.Receipt.Code == wrong {
		wrong = "999999"
	}
	resp = api.do(http.MethodPost, "/v1/gate/verifications", gateTok, map[string]any{
		"identifier": "ADM-100", "course": "Nursing", "code": wrong,
	})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/gate/verifications", gateTok, map[string]any{
		"identifier": "ADM-100", "course": "Nursing", "code": view.Receipt.Code,
	})
	expectStatus(t, resp, http.StatusOK)
	if card := decode[verifyResponse](t, resp); card.VerificationCount != 4 {
		t.Fatalf("expected count 4, got %d", card.VerificationCount)
	}

	resp = api.do(http.MethodGet, "/v1/admissions/"+acc.ID, financeTok, nil)
	expectStatus(t, resp, http.StatusOK)
	adm := decode[admissionView](t, resp)
	if len(adm.FeeTerms) != 1 || adm.FeeTerms[0].GatepassExpiry != expiry {
		t.Fatalf("unexpected admission view %+v", adm)
	}
}

func TestGateDenialStatuses(t *testing.T) {
	api := newTestAPI(t)
	gateTok := api.token("acc_gate", ledger.RoleGate)

	resp := api.do(http.MethodPost, "/v1/gate/verifications", gateTok, map[string]any{
		"identifier": "ADM-404", "course": "Nursing",
	})
	expectStatus(t, resp, http.StatusNotFound)
	if card := decode[verifyResponse](t, resp); card.Outcome != gate.DeniedNotFound || card.Student != nil {
		t.Fatalf("unexpected card %+v", card)
	}

	ctx := t.Context()
	acc, err := api.store.CreateAccount(ctx, ledger.Account{
		Role: ledger.RoleStudent, LoginKey: ledger.StudentLoginKey("ADM-7", "Law"),
		Name: "Brian", AdmissionNumber: "ADM-7", Course: "Law", State: ledger.StateActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := api.store.UpsertFeeTerm(ctx, ledger.FeeTerm{
		AccountID: acc.ID, Semester: "1", AcademicYear: "2026/2027",
		GatepassExpiry: api.engine.Today().AddDays(-1),
	}); err != nil {
		t.Fatal(err)
	}
	resp = api.do(http.MethodPost, "/v1/gate/verifications", gateTok, map[string]any{
		"identifier": "ADM-7", "course": "Law",
	})
	expectStatus(t, resp, http.StatusForbidden)
	if card := decode[verifyResponse](t, resp); card.Code != "expired" {
		t.Fatalf("unexpected card %+v", card)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/admissions", "", map[string]any{"role": "student"})
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/admissions", "not-a-jwt", map[string]any{"role": "student"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	gateTok := api.token("acc_gate", ledger.RoleGate)
	resp = api.do(http.MethodPost, "/v1/admissions", gateTok, map[string]any{
		"role": "student", "name": "X", "admission_number": "A-1", "course": "Law",
	})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	studentTok := api.token("acc_student", ledger.RoleStudent)
	resp = api.do(http.MethodPost, "/v1/gate/verifications", studentTok, map[string]any{
		"identifier": "A-1", "course": "Law",
	})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	adminTok := api.token("acc_admin", ledger.RoleAdmin)
	resp = api.do(http.MethodPost, "/v1/admissions/acc_x/finance-approval", adminTok, map[string]any{
		"semester": "1", "academic_year": "2026", "gatepass_expiry": "2026-12-31",
	})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestValidationErrors(t *testing.T) {
	api := newTestAPI(t)
	enrollTok := api.token("acc_enroll", ledger.RoleEnrollment)

	resp := api.do(http.MethodPost, "/v1/admissions", enrollTok, map[string]any{
		"role": "student", "name": "No Admission",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[errorBody](t, resp)
	if body.Code != "validation" || body.Fields["admission_number"] != "required_if" || body.Fields["course"] != "required_if" {
		t.Fatalf("unexpected validation body %+v", body)
	}

	resp = api.do(http.MethodPost, "/v1/admissions", enrollTok, map[string]any{
		"role": "janitor", "name": "X",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/admissions", enrollTok, map[string]any{
		"role": "student", "name": "X", "admission_number": "A", "course": "B", "unknown": true,
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	financeTok := api.token("acc_finance", ledger.RoleFinance)
	resp = api.do(http.MethodPost, "/v1/admissions/acc_x/finance-approval", financeTok, map[string]any{
		"semester": "1", "academic_year": "2026", "gatepass_expiry": "31/12/2026",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[errorBody](t, resp); body.Fields["gatepass_expiry"] != "datetime" {
		t.Fatalf("unexpected body %+v", body)
	}

	resp = api.do(http.MethodPost, "/v1/admissions/acc_missing/finance-approval", financeTok, map[string]any{
		"semester": "1", "academic_year": "2026", "gatepass_expiry": "2026-12-31",
	})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	hash, err := auth.HashPassword("correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	for _, acc := range []ledger.Account{
		{Role: ledger.RoleGate, LoginKey: "4001", Name: "Gate", StaffCode: "4001", State: ledger.StateActive, PasswordHash: hash},
		{Role: ledger.RoleTeacher, LoginKey: "3001", Name: "Teacher", StaffCode: "3001", State: ledger.StateDraftEnrolled, PasswordHash: hash},
	} {
		if _, err := api.store.CreateAccount(t.Context(), acc); err != nil {
			t.Fatal(err)
		}
	}

	cases := []map[string]any{
		{"login_key": "4001", "password": "wrong-horse"},
		{"login_key": "5555", "password": "correct-horse"},
		{"login_key": "3001", "password": "correct-horse"},
	}
	for _, c := range cases {
		resp := api.do(http.MethodPost, "/v1/auth/login", "", c)
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}

	resp := api.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"login_key": "4001", "password": "correct-horse"})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	p, err := api.tokens.Authenticate(tok.Token)
	if err != nil || !p.HasPermission(auth.PermGateVerify) {
		t.Fatalf("issued token unusable: %v %+v", err, p)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.do(http.MethodGet, path, "", nil)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	resp := api.do(http.MethodGet, "/v1/nowhere", api.token("acc_admin", ledger.RoleAdmin), nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestStreamDeliversGateEvents(t *testing.T) {
	api := newTestAPI(t)
	gateTok := api.token("acc_gate", ledger.RoleGate)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/gate/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+gateTok)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.stream.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	api.do(http.MethodPost, "/v1/gate/verifications", gateTok, map[string]any{
		"identifier": "ADM-404", "course": "Nursing",
	}).Body.Close()

	buf := make([]byte, 4096)
	var got []byte
	for time.Now().Before(deadline) && !bytes.Contains(got, []byte("denied_not_found")) {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if !bytes.Contains(got, []byte("event: "+stream.TypeVerification)) || !bytes.Contains(got, []byte("denied_not_found")) {
		t.Fatalf("stream did not deliver the event: %q", got)
	}
}
