// Package cli implements escrowctl, the operator command line for the escrow
// server. Secrets are read with the same configuration loader as the server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mmynk/tillsafe/internal/config"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server string
	cfg    func() (config.Config, error)
}

// NewRootCmd builds the escrowctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{cfg: config.Load}

	root := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate the M-Pesa escrow server",
		Long: `escrowctl mints operator and release tokens and calls the escrow
server's RPC API.

Secrets come from RELEASE_SECRET and JWT_SECRET, or the YAML file named by
TILLSAFE_CONFIG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("TILLSAFE_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "Base URL of the escrow server")

	root.AddCommand(
		newAdminTokenCmd(opts),
		newReleaseTokenCmd(opts),
		newNormalizeCmd(),
		newIngestCmd(opts),
		newReconcileCmd(opts),
		newGetCmd(opts),
		newForceReleaseCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// Execute runs the root command
func Execute(version string) error {
	root := NewRootCmd()
	root.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
