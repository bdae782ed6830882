//go:build dev

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	devCommands = append(devCommands, newKeygenCmd())
}

func newKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "[dev] Generate a master key and admin token for a local server",
		Long: `Generate a random SEALVAULT_MASTER_KEY and SEALVAULT_ADMIN_TOKEN and
append them to an env file for sealvault-server.

NOTE: This command is only available in dev builds (go build -tags dev).
Production keys belong in a secret manager, not in a file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", ".env", "Env file to append to")

	return cmd
}

func keygen(output string) error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	tok := make([]byte, 24)
	if _, err := rand.Read(tok); err != nil {
		return fmt.Errorf("generate admin token: %w", err)
	}

	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", output, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "SEALVAULT_MASTER_KEY=%s\nSEALVAULT_ADMIN_TOKEN=%s\n",
		hex.EncodeToString(key[:]), base64.RawURLEncoding.EncodeToString(tok)); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}

	fmt.Printf("Wrote SEALVAULT_MASTER_KEY and SEALVAULT_ADMIN_TOKEN to %s\n", output)
	return nil
}
