package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// RelyingParty ends sessions at the services an account is registered with.
type RelyingParty interface {
	Logout(ctx context.Context, domain, accountCert, sessionCert string) error
}

// LogoutRequest is the body POSTed to a relying party's logout endpoint.
type LogoutRequest struct {
	AccountCertificate string `json:"accountCertificate"`
	SessionCertificate string `json:"sessionCertificate"`
}

const (
	logoutPath           = "/api/logout"
	defaultLogoutTimeout = 15 * time.Second
)

// HTTPRelyingParty logs out over HTTPS at https://{domain}/api/logout.
type HTTPRelyingParty struct {
	httpClient *http.Client
	logger     *slog.Logger
}

var _ RelyingParty = (*HTTPRelyingParty)(nil)

// RelyingPartyOption configures an HTTPRelyingParty.
type RelyingPartyOption func(*HTTPRelyingParty)

// WithRelyingPartyHTTPClient sets the HTTP client used for logouts.
func WithRelyingPartyHTTPClient(hc *http.Client) RelyingPartyOption {
	return func(rp *HTTPRelyingParty) {
		rp.httpClient = hc
	}
}

// WithRelyingPartyLogger sets the logger. The default is slog.Default().
func WithRelyingPartyLogger(l *slog.Logger) RelyingPartyOption {
	return func(rp *HTTPRelyingParty) {
		rp.logger = l
	}
}

// NewHTTPRelyingParty returns a RelyingParty speaking the logout protocol
// over HTTPS.
func NewHTTPRelyingParty(opts ...RelyingPartyOption) *HTTPRelyingParty {
	rp := &HTTPRelyingParty{
		httpClient: &http.Client{Timeout: defaultLogoutTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(rp)
	}
	rp.logger = rp.logger.With("component", "relyingparty")
	return rp
}

// Logout ends the session identified by sessionCert at domain. A session
// the relying party no longer knows (404 or 410) counts as logged out, so
// repeating a logout is harmless.
func (rp *HTTPRelyingParty) Logout(ctx context.Context, domain, accountCert, sessionCert string) error {
	if domain == "" {
		return fmt.Errorf("logout: empty domain")
	}
	target := (&url.URL{Scheme: "https", Host: domain, Path: logoutPath}).String()
	body, err := json.Marshal(LogoutRequest{
		AccountCertificate: accountCert,
		SessionCertificate: sessionCert,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout at %s: %w", domain, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		rp.logger.Info("session logged out", "domain", domain)
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		rp.logger.Debug("session already gone", "domain", domain, "status", resp.StatusCode)
		return nil
	default:
		return fmt.Errorf("%w: %s returned HTTP %d", ErrLogoutRejected, domain, resp.StatusCode)
	}
}
