package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/tillsafe/internal/auth"
	"github.com/mmynk/tillsafe/internal/phone"
	"github.com/mmynk/tillsafe/internal/token"
)

func newAdminTokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an operator JWT with the admin role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := mintAdminToken(opts, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from security.admin_token_ttl)")
	return cmd
}

func mintAdminToken(opts *options, subject string, ttl time.Duration) (string, error) {
	cfg, err := opts.cfg()
	if err != nil {
		return "", err
	}
	if len(cfg.Security.JWTSecret) < token.MinSecretLength {
		return "", fmt.Errorf("JWT_SECRET must be at least %d bytes", token.MinSecretLength)
	}
	if ttl <= 0 {
		ttl = cfg.Security.AdminTokenTTL
	}
	return auth.NewJWTManager(cfg.Security.JWTSecret, ttl).Generate(subject, auth.RoleAdmin)
}

func newReleaseTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release-token <transaction-id>",
		Short: "Print the release token and confirm link for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.cfg()
			if err != nil {
				return err
			}
			signer, err := token.NewSigner([]byte(cfg.Security.ReleaseSecret))
			if err != nil {
				return fmt.Errorf("RELEASE_SECRET: %w", err)
			}

			tok := signer.Generate(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n", tok)
			fmt.Fprintf(out, "confirm: %s/confirm?id=%s&token=%s\n", strings.TrimRight(cfg.Reconcile.PublicBaseURL, "/"), args[0], tok)
			return nil
		},
	}
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <phone>",
		Short: "Show how a phone number is normalized and matched",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := joinArgs(args)
			normalized := phone.Normalize(raw)
			if !phone.Valid(normalized) {
				return fmt.Errorf("%q is not a valid mobile number (normalized to %q)", raw, normalized)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "normalized: %s\n", normalized)
			fmt.Fprintf(out, "match suffix: %s\n", phone.Suffix(normalized))
			return nil
		},
	}
}
