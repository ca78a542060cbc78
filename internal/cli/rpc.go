package cli

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/mmynk/tillsafe/pkg/api"
)

const rpcTimeout = 30 * time.Second

func (o *options) client() api.EscrowServiceClient {
	return api.NewEscrowServiceClient(&http.Client{Timeout: rpcTimeout}, o.server)
}

// adminRequest wraps msg with a freshly minted admin bearer token.
func adminRequest[T any](opts *options, msg *T) (*connect.Request[T], error) {
	tok, err := mintAdminToken(opts, "escrowctl", 0)
	if err != nil {
		return nil, err
	}
	req := connect.NewRequest(msg)
	req.Header().Set("Authorization", "Bearer "+tok)
	return req, nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

func newIngestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <text>",
		Short: "Submit forwarded M-Pesa SMS text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().IngestNotification(cmd.Context(), connect.NewRequest(&api.IngestNotificationRequest{
				RawText: joinArgs(args),
			}))
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.Msg)
		},
	}
}

func newReconcileCmd(opts *options) *cobra.Command {
	var msg api.ReconcileRequest

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply the latest matching notification to a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if msg.TransactionID == "" && msg.Phone == "" {
				return errors.New("one of --id or --phone is required")
			}

			req := connect.NewRequest(&msg)
			if msg.TransactionID != "" && msg.Token == "" {
				var err error
				if req, err = adminRequest(opts, &msg); err != nil {
					return err
				}
			}

			resp, err := opts.client().Reconcile(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.Msg)
		},
	}
	cmd.Flags().StringVar(&msg.TransactionID, "id", "", "Transaction ID")
	cmd.Flags().StringVar(&msg.Phone, "phone", "", "Buyer phone number")
	cmd.Flags().StringVar(&msg.Token, "token", "", "Release token (an admin token is minted when omitted)")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <transaction-id>",
		Short: "Show a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := adminRequest(opts, &api.GetTransactionRequest{TransactionID: args[0]})
			if err != nil {
				return err
			}
			resp, err := opts.client().GetTransaction(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.Msg.Transaction)
		},
	}
}

func newForceReleaseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "force-release <transaction-id>",
		Short: "Release held funds without buyer confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := adminRequest(opts, &api.ForceReleaseRequest{TransactionID: args[0]})
			if err != nil {
				return err
			}
			resp, err := opts.client().ForceRelease(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.Msg.Transaction)
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <order-ref>",
		Short: "List every transaction row created for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := adminRequest(opts, &api.ListOrderHistoryRequest{OrderRef: args[0]})
			if err != nil {
				return err
			}
			resp, err := opts.client().ListOrderHistory(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.Msg.Transactions)
		},
	}
}
