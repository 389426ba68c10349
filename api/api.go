// Package api is a reference certificate authority for the authenticator
// sync protocol. It stores one encrypted authenticator data blob per
// account, hands out single-use write locks, certifies authenticator keys
// and issues account certificates. Account state is kept in memory; the
// audit trail goes to a storage.Repository.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/storage"
)

const (
	defaultAccountCertDays = 90
	defaultAuthCertDays    = 365
)

// API holds the CA state and the dependencies of its handlers.
type API struct {
	authority *pki.Authority
	repo      storage.Repository

	mu       sync.Mutex
	accounts map[string]*account

	audit          *auditLogger
	alertFn        AlertFunc
	webhook        *auditWebhook
	proofLimiter   *proofRateLimiter
	signLimiter    *signIPLimiter
	trustedProxies []netip.Prefix

	auditMaxAge                time.Duration
	auditMaxEntries            int
	auditAppendsSinceRetention atomic.Int64

	accountCertDays int
	authCertDays    int
	now             func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback for anomaly alerts such as a burst of
// suspected hijacks.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, if set, is
// sent as "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithAuditRetention bounds each account's audit trail by age and by entry
// count. Zero disables that bound.
func WithAuditRetention(maxAge time.Duration, maxEntries int) Option {
	return func(a *API) {
		a.auditMaxAge = maxAge
		a.auditMaxEntries = maxEntries
	}
}

// WithTrustedProxies lists the proxies, as CIDRs or bare IPs, whose
// forwarding headers are believed when rate limiting by client IP.
func WithTrustedProxies(proxies []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(proxies))
	for _, p := range proxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithCertificateValidity sets how many days issued account and
// authenticator certificates are valid.
func WithCertificateValidity(accountDays, authenticatorDays int) Option {
	return func(a *API) {
		if accountDays > 0 {
			a.accountCertDays = accountDays
		}
		if authenticatorDays > 0 {
			a.authCertDays = authenticatorDays
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a CA served by authority. repo receives the audit trail.
func New(authority *pki.Authority, repo storage.Repository, opts ...Option) *API {
	a := &API{
		authority:       authority,
		repo:            repo,
		accounts:        make(map[string]*account),
		proofLimiter:    newProofRateLimiter(),
		signLimiter:     newSignIPLimiter(),
		accountCertDays: defaultAccountCertDays,
		authCertDays:    defaultAuthCertDays,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.webhook = a.webhook
	a.audit.store = a.appendAuditEntry
	go a.cleanupLoop()
	return a
}

// Close stops background work and flushes pending webhook deliveries.
func (a *API) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all CA routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(limitBody)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/ca.pem", a.CACertificate)
	r.Get("/crl.pem", a.RevocationList)

	r.Route("/accounts/{username}", func(r chi.Router) {
		r.Get("/data", a.FetchData)
		r.Post("/data", a.LockData)
		r.Put("/data", a.WriteData)
		r.Post("/certificate", a.IssueAccountCertificate)
		r.Post("/sign", a.SignAuthenticator)
		r.Post("/revoke", a.RevokeAuthenticator)
		r.Get("/audit", a.ListAuditLogs)
	})

	return r
}
