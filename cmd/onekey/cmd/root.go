package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/byu-ilab/onekey/internal/config"
)

var (
	cfg    config.Config
	logger *slog.Logger

	flagCAURL    string
	flagCACert   string
	flagDataDir  string
	flagUsername string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "onekey",
	Short: "OneKey keeps the authenticators of an account in sync",
	Long: `OneKey shares one account's relying-party accounts, sessions and
authenticators between devices through a certificate authority that only
ever sees an encrypted blob. Settings come from ONEKEY_* environment
variables and may be overridden with flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		for name, apply := range map[string]func(){
			"ca-url":    func() { loaded.CAURL = flagCAURL },
			"ca-cert":   func() { loaded.CACertFile = flagCACert },
			"data-dir":  func() { loaded.DataDir = flagDataDir },
			"username":  func() { loaded.Username = flagUsername },
			"log-level": func() { loaded.LogLevel = flagLogLevel },
		} {
			if flags.Changed(name) {
				apply()
			}
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.NewLogger(cmd.ErrOrStderr())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagCAURL, "ca-url", "", "Base URL of the certificate authority (ONEKEY_CA_URL)")
	pf.StringVar(&flagCACert, "ca-cert", "", "PEM file of extra roots to trust for the CA (ONEKEY_CA_CERT)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory for local state (ONEKEY_DATA_DIR)")
	pf.StringVarP(&flagUsername, "username", "u", "", "Account username (ONEKEY_USERNAME)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (ONEKEY_LOG_LEVEL)")
}
