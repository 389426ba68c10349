package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var accountsDomain string

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the relying-party accounts in the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		ctx := cmd.Context()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer tw.Flush()

		if accountsDomain != "" {
			recs, err := w.cache.AccountsByDomain(ctx, w.sess, accountsDomain)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ACCOUNT ID\tNAME\tCERTIFICATE EXPIRES")
			for _, r := range recs {
				expires := "-"
				if r.HasCertificate() {
					expires = r.Expiration.Format(time.DateOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.AccountID, r.AccountName, expires)
			}
			return nil
		}

		summaries, err := w.cache.AccountSummaries(ctx, w.sess)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ACCOUNT ID\tDOMAIN\tNAME\tDEVICES")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.AccountID, s.Domain, s.AccountName, strings.Join(s.Devices, ","))
		}
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List authenticators and where they are logged in",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		auths, err := w.cache.ListAuthenticators(ctx, w.sess)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AUTHENTICATOR\tEXPIRES\tSTATUS")
		for _, a := range auths {
			status := "active"
			switch {
			case a.Revoked:
				status = "revoked"
			case a.Name == w.sess.AuthName():
				status = "this device"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.Expiration.Format(time.DateOnly), status)
		}
		tw.Flush()

		devices, err := w.cache.LoggedInDevices(ctx, w.sess)
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Fprintf(out, "\n%s\n", d.Name)
			for _, a := range d.Accounts {
				fmt.Fprintf(out, "  %s (%s): %d session(s)\n", a.Domain, a.AccountName, len(a.Sessions))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd, devicesCmd)
	accountsCmd.Flags().StringVar(&accountsDomain, "domain", "", "Only accounts registered at this domain")
}
