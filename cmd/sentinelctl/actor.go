package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/sentinel/internal/admission"
	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/payments"
)

func keygenCmd(opts *clientOptions) *cobra.Command {
	var actorID, name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Issue an API key for an actor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return errors.New("--actor is required")
			}
			c, err := newClient(*opts)
			if err != nil {
				return err
			}
			req := auth.CreateKeyRequest{ActorID: actorID, Name: name}
			if ttl > 0 {
				req.TTL = ttl.String()
			}
			var resp struct {
				APIKey string      `json:"api_key"`
				Key    auth.APIKey `json:"key"`
			}
			if err := c.admin(cmd.Context(), "POST", "/v1/auth/keys", nil, req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API key:  %s\n", resp.APIKey)
			fmt.Fprintf(out, "Key ID:   %s\n", resp.Key.ID)
			fmt.Fprintf(out, "Actor:    %s\n", resp.Key.ActorID)
			if resp.Key.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires:  %s\n", resp.Key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out, "Store this key securely. It will not be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&actorID, "actor", "", "actor ID the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "cli", "key label")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 never expires)")
	return cmd
}

func payCmd(opts *clientOptions) *cobra.Command {
	var (
		orderID, amount, currency, idemKey string
		billing, shipping                  string
		stamp                              bool
	)

	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Submit a payment as the authenticated actor",
		Long: `Submit a payment through the admission gate. Repeating the same
order and amount replays the stored receipt instead of charging twice.

Examples:
  sentinelctl pay --order ord-7 --amount 1500.50
  sentinelctl pay --order ord-7 --amount 20 --idempotency-key $(uuidgen)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if orderID == "" || amount == "" {
				return errors.New("--order and --amount are required")
			}
			c, err := newClient(*opts)
			if err != nil {
				return err
			}
			req := payments.Request{
				OrderID:         orderID,
				Amount:          json.Number(amount),
				Currency:        currency,
				BillingAddress:  billing,
				ShippingAddress: shipping,
			}
			if stamp {
				req.Timestamp = time.Now().Unix()
			}
			if idemKey == "new" {
				idemKey = idgen.IdempotencyKey()
			}

			var resp struct {
				Receipt   payments.Receipt `json:"receipt"`
				FromCache bool             `json:"from_cache"`
			}
			hdr, err := c.actor(cmd.Context(), "POST", "/v1/payments", req, &resp, "Idempotency-Key", idemKey)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp.Receipt); err != nil {
				return err
			}
			if resp.FromCache {
				fmt.Fprintln(cmd.ErrOrStderr(), "replayed from idempotency cache")
			}
			if id := hdr.Get(admission.TraceIDHeader); id != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "trace: %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "order ID")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 1500.50")
	cmd.Flags().StringVar(&currency, "currency", payments.DefaultCurrency, "ISO 4217 currency")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", `explicit key, or "new" for a random one`)
	cmd.Flags().StringVar(&billing, "billing", "", "billing address")
	cmd.Flags().StringVar(&shipping, "shipping", "", "shipping address")
	cmd.Flags().BoolVar(&stamp, "timestamp", true, "send the current time for the replay guard")
	return cmd
}
