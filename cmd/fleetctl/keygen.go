package main

import (
	"errors"
	"fmt"

	"github.com/netly/fleet/pkg/utils/keygen"
	"github.com/netly/fleet/pkg/utils/sshkeygen"
	"github.com/spf13/cobra"
)

var (
	keygenPath    string
	keygenComment string
	keygenSecrets bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for inventory credentials",
	Long: `keygen writes an Ed25519 key pair (default ~/.ssh/id_ed25519) that inventory
credentials can reference with key_file. Existing keys are left alone.
With --secrets it also prints a fresh admin API key and encryption key for
the server config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		path := keygenPath
		if path == "" {
			p, err := sshkeygen.DefaultKeyPath()
			if err != nil {
				return err
			}
			path = p
		}

		pair, err := sshkeygen.WriteEd25519KeyPair(path, keygenComment)
		switch {
		case errors.Is(err, sshkeygen.ErrKeyExists):
			fmt.Fprintf(out, "key %s already exists, skipped\n", path)
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "private key: %s\npublic key:  %s.pub\n%s", path, path, pair.PublicKey)
		}

		if keygenSecrets {
			token, err := keygen.GenerateToken(40)
			if err != nil {
				return err
			}
			encKey, err := keygen.GenerateEncryptionKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nauth.admin_api_key: %s\nsecurity.encryption_key: %s\n", token, encKey)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenPath, "path", "", "private key path (public key goes to <path>.pub)")
	keygenCmd.Flags().StringVar(&keygenComment, "comment", "fleetctl", "key comment")
	keygenCmd.Flags().BoolVar(&keygenSecrets, "secrets", false, "also print server secrets")
}
