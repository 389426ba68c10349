package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/byu-ilab/onekey/lifecycle"
)

var (
	refreshReset bool
	joinApproval string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this authenticator as the first of its account",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.svc.RegisterAccount(cmd.Context(), w.sess, w.vault); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %q for %s\n", w.sess.AuthName(), w.sess.Username())
		return nil
	},
}

var joinRequestCmd = &cobra.Command{
	Use:   "join-request",
	Short: "Print a request for an existing authenticator to approve",
	Long: `Print this authenticator's join request. Run "onekey approve <request>" on
an authenticator already enrolled with the account, then pass the approval it
prints to "onekey join --approval".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		csr, err := w.svc.JoinRequest(w.sess)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Join request: %s\n", base64.RawURLEncoding.EncodeToString([]byte(csr)))
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <request>",
	Short: "Approve another authenticator's join request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		csr, err := base64.RawURLEncoding.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("decoding join request: %w", err)
		}
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		approval, err := w.svc.SponsorAuthenticator(cmd.Context(), w.sess, string(csr))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(approval)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approval: %s\n", base64.RawURLEncoding.EncodeToString(raw))
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add this authenticator to an account registered elsewhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		if joinApproval == "" {
			return errors.New(`--approval is required; run "onekey join-request" first`)
		}
		approval, err := decodeApproval(joinApproval)
		if err != nil {
			return err
		}
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.svc.JoinAuthenticator(cmd.Context(), w.sess, w.vault, approval); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Joined %q to %s\n", w.sess.AuthName(), w.sess.Username())
		return nil
	},
}

func decodeApproval(token string) (lifecycle.JoinApproval, error) {
	var approval lifecycle.JoinApproval
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return approval, fmt.Errorf("decoding approval: %w", err)
	}
	if err := json.Unmarshal(raw, &approval); err != nil {
		return approval, fmt.Errorf("decoding approval: %w", err)
	}
	return approval, nil
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the account data from the CA into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer w.Close()
		if refreshReset {
			if err := w.cache.Purge(cmd.Context(), w.sess); err != nil {
				return err
			}
			if err := w.etags.ClearETag(w.sess.Username()); err != nil {
				return err
			}
		}
		state, err := w.svc.Refresh(cmd.Context(), w.sess)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Refresh: %s\n", state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd, joinRequestCmd, approveCmd, joinCmd, refreshCmd)
	joinCmd.Flags().StringVar(&joinApproval, "approval", "", "Approval printed by \"onekey approve\" on an enrolled authenticator")
	refreshCmd.Flags().BoolVar(&refreshReset, "reset", false, "Drop the local cache, owned account certificates included, and fetch everything again")
}
