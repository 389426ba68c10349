package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/byu-ilab/onekey/ca"
)

var (
	auditEvent  string
	auditLimit  int
	auditOffset int
	auditJSON   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the account's audit trail at the CA",
	Long: `Show security events the CA recorded for this account, newest first:
locks, writes, certificates issued and revoked, and suspected hijacks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		page, err := w.client.AuditLog(cmd.Context(), w.sess.Username(), w.sess.AuthCertificate(), ca.AuditQuery{
			Event:  auditEvent,
			Limit:  auditLimit,
			Offset: auditOffset,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tAUTHENTICATOR")
		for _, e := range page.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt, e.Event, e.Authenticator)
		}
		tw.Flush()
		if page.HasMore {
			fmt.Fprintf(out, "(%d of %d shown; use --offset %d for more)\n",
				len(page.Entries), page.TotalCount, page.Offset+len(page.Entries))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "Only this event type, e.g. hijack_suspected")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Entries per page (CA default when 0)")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the raw page as JSON")
}
