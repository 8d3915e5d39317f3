// Package httpapi exposes the admission pipeline and the gate engine over
// REST, SSE and gRPC.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"schoolgate.org/internal/admission"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/obs"
	"schoolgate.org/internal/stream"
)

const (
	serviceName     = "schoolgate-api"
	defaultTokenTTL = 12 * time.Hour
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the ledger store.
type ReadyProbe struct {
	Store ledger.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Store    ledger.Store
	Pipeline *admission.Pipeline
	Engine   *gate.Engine
	Tokens   *auth.Tokens
	Stream   *stream.Stream
	Ready    readinessChecker
	Version  string

	TokenTTL     time.Duration
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
	CORSOrigins  []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	store    ledger.Store
	pipeline *admission.Pipeline
	engine   *gate.Engine
	tokens   *auth.Tokens
	stream   *stream.Stream
	ready    readinessChecker
	version  string

	tokenTTL     time.Duration
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
	corsOrigins  []string
}

func New(d Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		store:        d.Store,
		pipeline:     d.Pipeline,
		engine:       d.Engine,
		tokens:       d.Tokens,
		stream:       d.Stream,
		ready:        d.Ready,
		version:      d.Version,
		tokenTTL:     d.TokenTTL,
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSec,
		maxBodyBytes: d.MaxBodyBytes,
		corsOrigins:  d.CORSOrigins,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{Store: d.Store}
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = defaultTokenTTL
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.login)

	a.mux.HandleFunc("POST /v1/admissions", a.enroll)
	a.mux.HandleFunc("GET /v1/admissions/{id}", a.getAdmission)
	a.mux.HandleFunc("POST /v1/admissions/{id}/finance-approval", a.approveFinance)
	a.mux.HandleFunc("POST /v1/admissions/{id}/activation", a.activate)
	a.mux.HandleFunc("POST /v1/admissions/{id}/deactivation", a.deactivate)
	a.mux.HandleFunc("PUT /v1/admissions/{id}/fee-terms", a.updateFeeTerm)

	a.mux.HandleFunc("POST /v1/gate/verifications", a.verify)
	a.mux.HandleFunc("GET /v1/gate/stream", a.Stream)
	a.mux.HandleFunc("GET /v1/students/{id}/receipt", a.getReceipt)
	a.mux.HandleFunc("GET /v1/students/{id}/receipt/qr", a.getReceiptQR)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	return a
}

// Handler wraps the routes with the middleware chain, outermost first:
// request id, logging, metrics, security headers, CORS, rate limit, body limit, auth.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.corsOrigins)(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.engine != nil {
		info["today"] = a.engine.Today()
	}
	writeJSON(w, http.StatusOK, info)
}
