package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trainingjobs/internal/auth"
)

// newTokenCommand signs caller tokens for operators and tests. It needs
// the service's signing key, so it does not talk to the service.
func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretFile, _ := cmd.Flags().GetString("secret-file")
			issuer, _ := cmd.Flags().GetString("issuer")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if secretFile == "" {
				return errors.New("--secret-file is required")
			}
			data, err := os.ReadFile(secretFile)
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			secret := strings.TrimSpace(string(data))
			if secret == "" {
				return fmt.Errorf("secret file %s is empty", secretFile)
			}

			token, err := auth.Issue(secret, issuer, args[0], ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("secret-file", "", "File holding the HS256 signing key (JWT_SECRET_FILE of the service)")
	cmd.Flags().String("issuer", "", "Issuer claim (JWT_ISSUER of the service)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
