package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Dhoini/credit-ledger/internal/app"
	"github.com/Dhoini/credit-ledger/internal/config"
	"github.com/Dhoini/credit-ledger/internal/db"
	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/middleware"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/spf13/cobra"
)

func newMigrateCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			applied, err := db.Migrate(cmd.Context(), a.DB.DB(), a.Logger)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		}),
	}
}

func newAccountCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage ledger accounts",
	}

	var beta bool
	open := &cobra.Command{
		Use:   "open <account-id>",
		Short: "Open an account and apply the signup grant once",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			account, err := a.Ledger.OpenAccount(cmd.Context(), args[0], beta)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance=%d\tbeta=%t\n", account.ID, account.Balance, account.Beta)
			return nil
		}),
	}
	open.Flags().BoolVar(&beta, "beta", false, "apply the beta signup grant")

	show := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show balance and subscription",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			account, err := a.Ledger.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			sub, err := a.Ledger.GetSubscription(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "account:\t%s\nbalance:\t%d\nbeta:\t%t\n", account.ID, account.Balance, account.Beta)
			if sub == nil {
				_, _ = fmt.Fprintln(out, "subscription:\tnone")
				return nil
			}
			_, _ = fmt.Fprintf(out, "subscription:\t%s %s (%s) until %s\n",
				sub.Provider, sub.PlanID, sub.Status, sub.PeriodEnd.Format(time.RFC3339))
			return nil
		}),
	}

	var limit int
	history := &cobra.Command{
		Use:   "transactions <account-id>",
		Short: "List the newest transactions of an account",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			page, err := a.Ledger.ListTransactions(cmd.Context(), args[0], limit, "")
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CREATED\tCATEGORY\tAMOUNT\tBALANCE\tKEY")
			for _, txn := range page.Transactions {
				key := ""
				if txn.NaturalKey != nil {
					key = *txn.NaturalKey
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					txn.CreatedAt.Format(time.RFC3339), txn.Category, txn.Amount, txn.BalanceAfter, key)
			}
			return w.Flush()
		}),
	}
	history.Flags().IntVar(&limit, "limit", 20, "number of transactions")

	cmd.AddCommand(open, show, history)
	return cmd
}

func newGrantCmd(run runner) *cobra.Command {
	var (
		reference   string
		description string
		refund      bool
	)
	cmd := &cobra.Command{
		Use:   "grant <account-id> <credits>",
		Short: "Apply a manual adjustment keyed by --ref",
		Long:  "Applies a manual purchase (or --refund) adjustment. Repeating the command with the same --ref changes nothing.",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("credits must be an integer: %w", err)
			}
			category := domain.CategoryPurchase
			if refund {
				category = domain.CategoryRefund
			}
			txn, applied, err := a.Ledger.Grant(cmd.Context(), service.GrantRequest{
				AccountID:   args[0],
				Amount:      amount,
				Category:    category,
				Description: description,
				Reference:   reference,
			})
			if err != nil {
				return err
			}
			state := "applied"
			if !applied {
				state = "already applied"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %d, balance %d\n", state, txn.ID, txn.Amount, txn.BalanceAfter)
			return nil
		}),
	}
	cmd.Flags().StringVar(&reference, "ref", "", "idempotency reference (required)")
	cmd.Flags().StringVar(&description, "description", "", "description stored with the transaction")
	cmd.Flags().BoolVar(&refund, "refund", false, "record as a refund instead of a purchase")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func newCustomerCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Provider customer links",
	}

	link := &cobra.Command{
		Use:   "link <provider> <customer-id> <account-id>",
		Short: "Link a provider customer to an account",
		Args:  cobra.ExactArgs(3),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			linked, err := a.Customers.LinkCustomer(cmd.Context(), service.LinkCustomerRequest{
				Provider:   args[0],
				CustomerID: args[1],
				AccountID:  args[2],
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s:%s -> %s\n", linked.Provider, linked.CustomerID, linked.AccountID)
			return nil
		}),
	}

	resolve := &cobra.Command{
		Use:   "resolve <provider> <customer-id>",
		Short: "Show the account linked to a provider customer",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string, a *app.App) error {
			accountID, err := a.Customers.ResolveAccount(cmd.Context(), strings.ToLower(args[0]), args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), accountID)
			return nil
		}),
	}

	cmd.AddCommand(link, resolve)
	return cmd
}

func newEventsCmd(run runner) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List webhook inbox entries (unresolved by default)",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			events, err := a.Webhooks.ListEvents(cmd.Context(), domain.WebhookEventStatus(status), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RECEIVED\tPROVIDER\tEVENT\tTYPE\tSTATUS\tATTEMPTS\tERROR")
			for _, ev := range events {
				msg := ""
				if ev.ErrorMessage != nil {
					msg = *ev.ErrorMessage
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					ev.ReceivedAt.Format(time.RFC3339), ev.Provider, ev.EventID, ev.EventType, ev.Status, ev.AttemptCount, msg)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&status, "status", string(domain.WebhookEventStatusUnresolved), "inbox status filter, empty for all")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed access token for an account or service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwtSecret is not configured")
			}
			token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), args[0], ttl, scopes...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{middleware.ScopeUser}, "token scopes (user, pipeline, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
