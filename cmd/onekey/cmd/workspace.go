package cmd

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/certcache"
	"github.com/byu-ilab/onekey/lifecycle"
	boltstore "github.com/byu-ilab/onekey/storage/bbolt"
	"github.com/byu-ilab/onekey/vault"
)

const localDBName = "onekey.db"

// workspace is everything a client command needs for one unlocked user.
type workspace struct {
	repo   *boltstore.Store
	vault  *vault.Vault
	sess   *vault.Session
	client *ca.Client
	etags  *vault.BoltETagCache
	cache  *certcache.Cache
	svc    *lifecycle.Service
}

func (w *workspace) Close() {
	w.sess.Close()
	w.repo.Close()
}

func requireUsername() (string, error) {
	if cfg.Username == "" {
		return "", errors.New("no username: pass --username or set ONEKEY_USERNAME")
	}
	return cfg.Username, nil
}

func openLocalStore() (*boltstore.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := boltstore.NewRepositoryFromFile(filepath.Join(cfg.DataDir, localDBName), &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	return repo, nil
}

// readPassphrase returns ONEKEY_PASSPHRASE or reads one line from stdin.
func readPassphrase(cmd *cobra.Command, prompt string) (string, error) {
	if cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	pass := strings.TrimRight(line, "\r\n")
	if pass == "" {
		return "", errors.New("passphrase must not be empty")
	}
	return pass, nil
}

func newCAClient() (*ca.Client, error) {
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.CACertFile != "" {
		pemData, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		hc.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		}
	}
	return ca.New(cfg.CAURL, ca.WithHTTPClient(hc), ca.WithLogger(logger))
}

func newService(client *ca.Client, cache *certcache.Cache, etags vault.ETagCache) *lifecycle.Service {
	rp := lifecycle.NewHTTPRelyingParty(
		lifecycle.WithRelyingPartyHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		lifecycle.WithRelyingPartyLogger(logger),
	)
	return lifecycle.New(client, cache, etags,
		lifecycle.WithLogger(logger),
		lifecycle.WithRelyingParty(rp),
		lifecycle.WithAccountEmailDomain(cfg.AccountEmailDomain),
	)
}

// openWorkspace unlocks the local profile of the configured user.
func openWorkspace(cmd *cobra.Command) (*workspace, error) {
	username, err := requireUsername()
	if err != nil {
		return nil, err
	}
	repo, err := openLocalStore()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			repo.Close()
		}
	}()

	v := vault.New(username, repo)
	pass, err := readPassphrase(cmd, "Passphrase: ")
	if err != nil {
		return nil, err
	}
	sess, err := v.Open(cmd.Context(), pass)
	if errors.Is(err, vault.ErrNotInitialized) {
		return nil, fmt.Errorf("no local profile for %q: run onekey init first", username)
	}
	if err != nil {
		return nil, err
	}
	client, err := newCAClient()
	if err != nil {
		sess.Close()
		return nil, err
	}
	etags, err := vault.NewBoltETagCache(repo.DB())
	if err != nil {
		sess.Close()
		return nil, err
	}
	cache := certcache.New(repo, certcache.WithLogger(logger))
	ok = true
	return &workspace{
		repo:   repo,
		vault:  v,
		sess:   sess,
		client: client,
		etags:  etags,
		cache:  cache,
		svc:    newService(client, cache, etags),
	}, nil
}
