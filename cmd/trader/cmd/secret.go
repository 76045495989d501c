package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pumptrader/pkg/crypto"
)

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret",
	Short: "Encrypt an API secret for BYBIT_API_SECRET",
	Long: `Read a secret from stdin and print it encrypted with ENCRYPTION_KEY (32 bytes).
The output carries the "enc:" prefix and can be used as BYBIT_API_SECRET as is.

Example:
  echo -n "$SECRET" | ENCRYPTION_KEY=... trader encrypt-secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := os.Getenv("ENCRYPTION_KEY")
		if len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(key))
		}

		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}

		enc, err := crypto.Encrypt(secret, []byte(key))
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), crypto.EncryptedPrefix+enc)
		return nil
	},
}

var hashTokenCost int

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash an admin token for ADMIN_TOKEN_HASH",
	Long: `Read an admin API token from stdin and print its bcrypt hash.

Example:
  echo -n "$TOKEN" | trader hash-token`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}

		hash, err := crypto.HashToken(token, hashTokenCost)
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encryptSecretCmd)
	rootCmd.AddCommand(hashTokenCmd)

	hashTokenCmd.Flags().IntVar(&hashTokenCost, "cost", crypto.DefaultCost, "bcrypt cost")
}

// readSecret читает первую строку ввода без пробельных символов по краям
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read input: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("empty input")
	}
	return secret, nil
}
