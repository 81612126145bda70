package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a user bearer token",
	Long: `Issue a bearer token for a user, signed with KNOWHOW_JWT_SECRET.

Example:
  export KNOWHOW_TOKEN=$(knowhow-ingest token user-1)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("KNOWHOW_JWT_SECRET is not set")
		}
		tok, err := tokens.NewIssuer(cfg.JWTSecret, cfg.RunTokenTTL).IssueUserToken(args[0])
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage user workspaces",
}

var workspaceAssignCmd = &cobra.Command{
	Use:   "assign <user-id> <workspace-id>",
	Short: "Assign a user to a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		if err := a.Store.AssignWorkspace(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("assign workspace: %w", err)
		}
		fmt.Printf("User %s assigned to workspace %s\n", args[0], args[1])
		return nil
	},
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and grant workspace credits",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <workspace-id>",
	Short: "Show a workspace's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		balance, err := a.Ledger.Balance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		fmt.Printf("Workspace %s: %d credits\n", args[0], balance)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <workspace-id> <amount>",
	Short: "Grant credits to a workspace",
	Long: `Grant credits to a workspace. Parked ingestions are not retried
automatically; run "knowhow-ingest recover <workspace-id>" afterwards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("invalid amount %q", args[1])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		balance, err := a.Ledger.Grant(ctx, args[0], amount)
		if err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		fmt.Printf("Workspace %s: %d credits\n", args[0], balance)
		return nil
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceAssignCmd)
	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd)
	rootCmd.AddCommand(tokenCmd, workspaceCmd, creditsCmd)
}
