package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/vault"
)

var (
	initAuthName   string
	initAccountKey string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local authenticator profile",
	Long: `Create a local profile for this authenticator: a new authenticator key
and the account key shared by every authenticator of the account. Pass
--account-key to join an account that already exists; otherwise a new
account key is generated and printed once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername()
		if err != nil {
			return err
		}
		if initAuthName == "" {
			return errors.New("--authname is required")
		}

		keyString := initAccountKey
		generated := keyString == ""
		if generated {
			if keyString, err = crypto.NewSymmetricKeyString(); err != nil {
				return err
			}
		} else if keyString, err = crypto.ParseSymmetricKeyString(keyString); err != nil {
			return fmt.Errorf("invalid account key: %w", err)
		}

		kp, err := pki.GenerateKeyPair(pki.DefaultKeyBits)
		if err != nil {
			return err
		}

		repo, err := openLocalStore()
		if err != nil {
			return err
		}
		defer repo.Close()

		pass, err := readPassphrase(cmd, "New passphrase: ")
		if err != nil {
			return err
		}
		sess, err := vault.New(username, repo).Create(cmd.Context(), pass, vault.Profile{
			Username:       username,
			AuthName:       initAuthName,
			AuthPrivateKey: kp.PrivatePEM,
			SymmetricKey:   keyString,
		})
		if errors.Is(err, vault.ErrAlreadyInitialized) {
			return fmt.Errorf("a profile for %q already exists in %s", username, cfg.DataDir)
		}
		if err != nil {
			return err
		}
		defer sess.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Initialized authenticator %q for %s\n", initAuthName, username)
		if generated {
			fmt.Fprintf(out, "Account key: %s\n", keyString)
			fmt.Fprintln(out, "Keep it safe: other authenticators need it to join. Next, run onekey register.")
		} else {
			fmt.Fprintln(out, "Next, run onekey join.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initAuthName, "authname", "", "Name of this authenticator, unique within the account")
	initCmd.Flags().StringVar(&initAccountKey, "account-key", "", "Existing account key (XXXX-XXXX-XXXX-XXXX)")
}
