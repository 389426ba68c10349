package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/byu-ilab/onekey/api"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/pki"
	bboltstorage "github.com/byu-ilab/onekey/storage/bbolt"
)

var (
	caPort            int
	caTLSCert         string
	caTLSKey          string
	caAccountCertDays int
	caAuthCertDays    int
	caAuditMaxAge     time.Duration
	caAuditMaxEntries int
)

var caServerCmd = &cobra.Command{
	Use:   "ca-server",
	Short: "Start a reference certificate authority",
	Long: `Start a certificate authority speaking the authenticator sync protocol.
The CA key and all account data live in memory and are lost on restart;
only the audit trail is written to the data directory. Intended for
development and testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("port") {
			caPort = cfg.CAPort
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "ca-audit.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open audit storage: %w", err)
		}
		defer repo.Close()

		authority, err := pki.NewAuthority(pkix.Name{CommonName: "OneKey CA", Organization: []string{"OneKey"}}, 10)
		if err != nil {
			return fmt.Errorf("failed to create authority: %w", err)
		}

		opts := []api.Option{
			api.WithLogger(logger.With("component", "ca")),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("anomaly detected", "alert", string(e.Type), "count", e.Count, "threshold", e.Threshold)
			}),
			api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuth),
			api.WithAuditRetention(caAuditMaxAge, caAuditMaxEntries),
			api.WithCertificateValidity(caAccountCertDays, caAuthCertDays),
		}
		if len(cfg.TrustedProxies) > 0 {
			proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
			if err != nil {
				return err
			}
			opts = append(opts, proxies)
		}
		a := api.New(authority, repo, opts...)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", a.Router())

		var tlsConfig *tls.Config
		if caTLSCert != "" && caTLSKey != "" {
			cert, err := tls.LoadX509KeyPair(caTLSCert, caTLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, certPEM, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			certPath := filepath.Join(cfg.DataDir, "ca-tls.pem")
			if err := os.WriteFile(certPath, []byte(certPEM), 0o644); err != nil {
				return fmt.Errorf("failed to write TLS certificate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Using self-signed runtime generated certificate for TLS (trust it with --ca-cert %s)\n", certPath)
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", caPort),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		fmt.Fprintf(cmd.OutOrStdout(), "Starting CA on port %d (audit: %s)...\n", caPort, cfg.DataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(caServerCmd)
	f := caServerCmd.Flags()
	f.IntVarP(&caPort, "port", "p", 3060, "Port to listen on (ONEKEY_CA_PORT)")
	f.StringVar(&caTLSCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&caTLSKey, "tls-key", "", "Path to TLS key file")
	f.IntVar(&caAccountCertDays, "account-cert-days", 90, "Validity of issued account certificates")
	f.IntVar(&caAuthCertDays, "auth-cert-days", 365, "Validity of issued authenticator certificates")
	f.DurationVar(&caAuditMaxAge, "audit-max-age", 90*24*time.Hour, "Drop audit entries older than this (0 keeps all)")
	f.IntVar(&caAuditMaxEntries, "audit-max-entries", 10000, "Audit entries kept per account (0 keeps all)")
}
