package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var certRenew bool

var certCmd = &cobra.Command{
	Use:   "cert <account-id>",
	Short: "Print this authenticator's certificate for an account, issuing one if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		issue := w.svc.GetOrIssueAccountCertificate
		if certRenew {
			issue = w.svc.RenewAccountCertificate
		}
		certPEM, err := issue(cmd.Context(), w.sess, args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), certPEM)
		return nil
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew every expired account certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		renewed, err := w.svc.RenewExpiredCertificates(cmd.Context(), w.sess)
		for _, id := range renewed {
			fmt.Fprintf(cmd.OutOrStdout(), "renewed %s\n", id)
		}
		if err != nil {
			return err
		}
		if len(renewed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No expired certificates")
		}
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <authenticator>",
	Short: "Revoke another authenticator and log it out of every account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.svc.RevokeAuthenticator(cmd.Context(), w.sess, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %q\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd, renewCmd, revokeCmd)
	certCmd.Flags().BoolVar(&certRenew, "renew", false, "Request a new certificate even if a valid one is cached")
}
