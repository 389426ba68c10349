// Package ca is the client side of the 1Key certificate authority protocol:
// fetching and writing the encrypted authenticator data blob under a
// single-use lock, and requesting, renewing and revoking certificates.
//
// The client never retries. Every outcome, including "no response", is
// returned to the caller.
package ca

import (
	"bytes"
	"context"
	gocrypto "crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/byu-ilab/onekey/crypto"
)

// DefaultTimeout bounds a single round trip when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 4 << 10

// Client talks to one CA.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a Client for the CA at baseURL, e.g. https://letsauth.org.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing CA url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("CA url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ca-client")
	return c, nil
}

// BaseURL returns the CA address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Fetch reads the account's encrypted authenticator data. A non-empty etag
// makes the request conditional.
func (c *Client) Fetch(ctx context.Context, username, authCert, etag string) (*FetchResult, error) {
	const op = "fetch"
	q := url.Values{"authenticatorCertificate": {authCert}}
	req, err := c.newRequest(ctx, http.MethodGet, c.accountPath(username, "data")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.do(op, username, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body DataResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			return nil, fmt.Errorf("%s: %w: %v", op, ErrMalformedPayload, err)
		}
		newETag := resp.Header.Get("ETag")
		if body.AuthenticationData.IsZero() {
			return &FetchResult{State: StateEmpty, ETag: newETag}, nil
		}
		data := body.AuthenticationData
		return &FetchResult{State: StateData, Data: &data, ETag: newETag}, nil
	case http.StatusNotModified:
		return &FetchResult{State: StateUnchanged, ETag: etag}, nil
	case http.StatusNotFound:
		return &FetchResult{State: StateEmpty}, nil
	case http.StatusForbidden:
		return nil, c.denial(op, resp, ErrHijackSuspected)
	default:
		return nil, c.unexpected(op, resp)
	}
}

// Lock obtains a single-use write lock. Any lock handed out earlier for the
// account stops being valid.
func (c *Client) Lock(ctx context.Context, username, authCert string) (string, error) {
	const op = "lock"
	resp, err := c.postJSON(ctx, op, http.MethodPost, username, "data", LockRequest{AuthenticatorCertificate: authCert})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out LockResponse
		if err := decodeBody(resp.Body, &out); err != nil || out.LockIdentifier == "" {
			return "", fmt.Errorf("%s: %w: missing lockIdentifier", op, ErrMalformedPayload)
		}
		return out.LockIdentifier, nil
	case http.StatusForbidden, http.StatusConflict, http.StatusLocked:
		return "", c.denial(op, resp, ErrLockDenied)
	default:
		return "", c.unexpected(op, resp)
	}
}

// Write stores data under lockID. A rejected write is returned as
// ErrWriteRejected and must not be retried with the same lock.
func (c *Client) Write(ctx context.Context, username, authCert string, data AuthenticationData, lockID string) error {
	const op = "write"
	resp, err := c.postJSON(ctx, op, http.MethodPut, username, "data", WriteRequest{
		AuthenticatorCertificate: authCert,
		AuthenticationData:       data,
		LockIdentifier:           lockID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed, http.StatusLocked:
		return c.denial(op, resp, ErrWriteRejected)
	default:
		return c.unexpected(op, resp)
	}
}

// RenewAccountCertificate submits a CSR for an account certificate. sig is
// the CSR signed with the caller's authenticator key. A 403 on this
// endpoint means the CA believes the account is hijacked.
func (c *Client) RenewAccountCertificate(ctx context.Context, username, csr, sig, authCert string) (string, error) {
	const op = "renew"
	resp, err := c.postJSON(ctx, op, http.MethodPost, username, "certificate", RenewRequest{
		CSR:                      csr,
		AuthSignature:            sig,
		AuthenticatorCertificate: authCert,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out RenewResponse
		if err := decodeBody(resp.Body, &out); err != nil || out.AccountCertificate == "" {
			return "", fmt.Errorf("%s: %w: missing accountCertificate", op, ErrMalformedPayload)
		}
		return out.AccountCertificate, nil
	case http.StatusForbidden:
		return "", fmt.Errorf("%s: %w", op, ErrHijackSuspected)
	case http.StatusBadRequest, http.StatusUnauthorized:
		return "", c.denial(op, resp, ErrDenied)
	default:
		return "", c.unexpected(op, resp)
	}
}

// SignAuthenticatorCSR asks the CA to certify a newly generated
// authenticator key for username.
func (c *Client) SignAuthenticatorCSR(ctx context.Context, username, csr string, sponsor *SponsorProof) (string, error) {
	const op = "sign"
	resp, err := c.postJSON(ctx, op, http.MethodPost, username, "sign", SignRequest{CSR: csr, Sponsor: sponsor})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out SignResponse
		if err := decodeBody(resp.Body, &out); err != nil || out.AuthenticatorCertificate == "" {
			return "", fmt.Errorf("%s: %w: missing authenticatorCertificate", op, ErrMalformedPayload)
		}
		return out.AuthenticatorCertificate, nil
	case http.StatusBadRequest, http.StatusForbidden:
		return "", c.denial(op, resp, ErrDenied)
	default:
		return "", c.unexpected(op, resp)
	}
}

// Revoke asks the CA to revoke targetCert on behalf of the authenticator
// identified by proof.
func (c *Client) Revoke(ctx context.Context, username string, proof RevokeProof, targetCert string) error {
	const op = "revoke"
	resp, err := c.postJSON(ctx, op, http.MethodPost, username, "revoke", RevokeRequest{
		AuthenticatorCertificate: targetCert,
		Proof:                    proof,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return c.denial(op, resp, ErrDenied)
	default:
		return c.unexpected(op, resp)
	}
}

// AuditLog reads a page of the account's audit trail.
func (c *Client) AuditLog(ctx context.Context, username, authCert string, q AuditQuery) (*AuditPage, error) {
	const op = "audit"
	params := url.Values{"authenticatorCertificate": {authCert}}
	if q.Event != "" {
		params.Set("event", q.Event)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.accountPath(username, "audit")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(op, username, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var page AuditPage
		if err := decodeBody(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &page, nil
	case http.StatusForbidden:
		return nil, c.denial(op, resp, ErrHijackSuspected)
	default:
		return nil, c.unexpected(op, resp)
	}
}

// NewSponsorProof approves csr for joining the account, signing it with the
// sponsoring authenticator's key.
func NewSponsorProof(signer gocrypto.Signer, sponsorCert, csr string) (SponsorProof, error) {
	sig, err := crypto.Sign(signer, []byte(csr))
	if err != nil {
		return SponsorProof{}, err
	}
	return SponsorProof{AuthenticatorCertificate: sponsorCert, Signature: sig}, nil
}

// NewRevokeProof signs targetCert with the caller's authenticator key.
func NewRevokeProof(signer gocrypto.Signer, callerCert, targetCert string) (RevokeProof, error) {
	sig, err := crypto.Sign(signer, []byte(targetCert))
	if err != nil {
		return RevokeProof{}, err
	}
	return RevokeProof{AuthenticatorCertificate: callerCert, Signature: sig}, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (c *Client) accountPath(username, endpoint string) string {
	return c.baseURL.String() + "/accounts/" + url.PathEscape(username) + "/" + endpoint
}

func (c *Client) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, op, method, username, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", op, err)
	}
	req, err := c.newRequest(ctx, method, c.accountPath(username, endpoint), body)
	if err != nil {
		return nil, err
	}
	return c.do(op, username, req)
}

// do sends req. Transport failures become ErrNetworkUnavailable unless the
// context itself was cancelled.
func (c *Client) do(op, username string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		c.logger.Warn("CA request failed", "op", op, "username", username, "error", err)
		return nil, fmt.Errorf("%s: %w: %v", op, ErrNetworkUnavailable, err)
	}
	c.logger.Debug("CA request", "op", op, "username", username, "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

// denial maps an explicit refusal to sentinel, unless the body says the CA
// suspects a hijack.
func (c *Client) denial(op string, resp *http.Response, sentinel error) error {
	e := readError(resp)
	if e.Code == CodeHijackSuspected {
		return fmt.Errorf("%s: %w", op, ErrHijackSuspected)
	}
	if e.Error != "" {
		return fmt.Errorf("%s: %w: %s", op, sentinel, e.Error)
	}
	return fmt.Errorf("%s: %w", op, sentinel)
}

func (c *Client) unexpected(op string, resp *http.Response) error {
	e := readError(resp)
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: e.Error}
}

func readError(resp *http.Response) ErrorResponse {
	var e ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &e); err != nil {
		e.Error = strings.TrimSpace(string(raw))
	}
	return e
}

func decodeBody(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
