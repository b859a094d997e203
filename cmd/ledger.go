package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust credit balances",
	Long:  "Commands for balances, transaction history, admin adjustments, refunds, purchases and reconciliation.",
}

// withAdmin opens the store for an admin command and runs fn with a ledger
// on it.
func withAdmin(ctx context.Context, fn func(st store.Store, l *ledger.Ledger) error) error {
	if err := cfg.Validate("admin"); err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(st, ledger.New(st))
}

// -- ledger balance --

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			credits, err := l.Balance(cmd.Context(), args[0])
			if err != nil {
				return eris.Wrap(err, "ledger balance")
			}
			fmt.Fprintln(os.Stdout, credits)
			return nil
		})
	},
}

// -- ledger history --

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txns, err := l.History(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			if len(txns) == 0 {
				fmt.Fprintln(os.Stderr, "No transactions found.")
				return nil
			}
			formatTransactions(os.Stdout, txns)
			return nil
		})
	},
}

// -- ledger adjust --

var ledgerAdjustCmd = &cobra.Command{
	Use:   "adjust <user-id>",
	Short: "Add or remove credits on an admin's authority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetString("admin")
		dir, _ := cmd.Flags().GetString("direction")
		amount, _ := cmd.Flags().GetInt64("amount")
		reason, _ := cmd.Flags().GetString("reason")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txn, err := l.Adjust(cmd.Context(), admin, args[0], ledger.Direction(strings.ToLower(dir)), amount, reason)
			if err != nil {
				return eris.Wrap(err, "ledger adjust")
			}
			return printJSON(txn)
		})
	},
}

// -- ledger credit --

var ledgerCreditCmd = &cobra.Command{
	Use:   "credit <user-id>",
	Short: "Grant free credits (bonus or manual adjustment)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		amount, _ := cmd.Flags().GetInt64("amount")
		reason, _ := cmd.Flags().GetString("reason")

		var txType model.TransactionType
		switch strings.ToLower(typ) {
		case "bonus":
			txType = model.TxBonus
		case "manual":
			txType = model.TxManualAdjustment
		default:
			return eris.Errorf("ledger credit: --type must be bonus or manual, got %q", typ)
		}
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txn, err := l.Credit(cmd.Context(), args[0], txType, amount, reason)
			if err != nil {
				return eris.Wrap(err, "ledger credit")
			}
			return printJSON(txn)
		})
	},
}

// -- ledger refund --

var ledgerRefundCmd = &cobra.Command{
	Use:   "refund <transaction-id>",
	Short: "Refund a completed usage charge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txn, err := l.Refund(cmd.Context(), args[0], reason, actor)
			if err != nil {
				return eris.Wrap(err, "ledger refund")
			}
			return printJSON(txn)
		})
	},
}

// -- ledger purchase / settle --

var ledgerPurchaseCmd = &cobra.Command{
	Use:   "purchase <user-id>",
	Short: "Record a pending credit purchase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, _ := cmd.Flags().GetInt64("credits")
		cents, _ := cmd.Flags().GetInt64("amount-cents")
		ref, _ := cmd.Flags().GetString("reference")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txn, err := l.RecordPurchase(cmd.Context(), args[0], credits, cents, ref)
			if err != nil {
				return eris.Wrap(err, "ledger purchase")
			}
			return printJSON(txn)
		})
	},
}

var ledgerSettleCmd = &cobra.Command{
	Use:   "settle <transaction-id>",
	Short: "Complete a pending purchase, or fail it with --failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, _ := cmd.Flags().GetBool("failed")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			txn, err := l.SettlePurchase(cmd.Context(), args[0], !failed)
			if err != nil {
				return eris.Wrap(err, "ledger settle")
			}
			return printJSON(txn)
		})
	},
}

// -- ledger reconcile --

var ledgerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare cached balances with the ledger",
	Long:  "Checks that every balance equals the sum of its completed transactions. Exits non-zero when any user drifts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		return withAdmin(cmd.Context(), func(_ store.Store, l *ledger.Ledger) error {
			var drifted []model.Reconciliation
			if user != "" {
				r, err := l.Reconcile(cmd.Context(), user)
				if err != nil {
					return err
				}
				formatReconciliations(os.Stdout, []model.Reconciliation{*r})
				if !r.Balanced() {
					drifted = append(drifted, *r)
				}
			} else {
				var err error
				if drifted, err = l.ReconcileAll(cmd.Context()); err != nil {
					return err
				}
				if len(drifted) == 0 {
					fmt.Fprintln(os.Stderr, "All balances reconcile.")
					return nil
				}
				formatReconciliations(os.Stdout, drifted)
			}
			if len(drifted) > 0 {
				return eris.Errorf("ledger drift detected for %d user(s)", len(drifted))
			}
			return nil
		})
	},
}

func init() {
	ledgerHistoryCmd.Flags().Int("limit", 50, "max number of transactions to display")
	ledgerHistoryCmd.Flags().Int("offset", 0, "number of transactions to skip")

	ledgerAdjustCmd.Flags().String("admin", "", "id of the authorising admin (required)")
	ledgerAdjustCmd.Flags().String("direction", "add", "add or remove")
	ledgerAdjustCmd.Flags().Int64("amount", 0, "credits to move (required)")
	ledgerAdjustCmd.Flags().String("reason", "", "reason recorded on the transaction (required)")
	_ = ledgerAdjustCmd.MarkFlagRequired("admin")
	_ = ledgerAdjustCmd.MarkFlagRequired("amount")
	_ = ledgerAdjustCmd.MarkFlagRequired("reason")

	ledgerCreditCmd.Flags().String("type", "bonus", "bonus or manual")
	ledgerCreditCmd.Flags().Int64("amount", 0, "credits to grant (required)")
	ledgerCreditCmd.Flags().String("reason", "", "reason recorded on the transaction")
	_ = ledgerCreditCmd.MarkFlagRequired("amount")

	ledgerRefundCmd.Flags().String("reason", "", "reason recorded on the refund")
	ledgerRefundCmd.Flags().String("actor", "", "id of the user issuing the refund")

	ledgerPurchaseCmd.Flags().Int64("credits", 0, "credits purchased (required)")
	ledgerPurchaseCmd.Flags().Int64("amount-cents", 0, "amount paid in cents")
	ledgerPurchaseCmd.Flags().String("reference", "", "payment provider reference")
	_ = ledgerPurchaseCmd.MarkFlagRequired("credits")

	ledgerSettleCmd.Flags().Bool("failed", false, "mark the purchase failed instead of completing it")

	ledgerReconcileCmd.Flags().String("user", "", "reconcile a single user")

	ledgerCmd.AddCommand(ledgerBalanceCmd, ledgerHistoryCmd, ledgerAdjustCmd, ledgerCreditCmd,
		ledgerRefundCmd, ledgerPurchaseCmd, ledgerSettleCmd, ledgerReconcileCmd)
	rootCmd.AddCommand(ledgerCmd)
}
