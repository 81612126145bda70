package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var recoverAsync bool

var recoverCmd = &cobra.Command{
	Use:   "recover <workspace-id>",
	Short: "Re-dispatch ingestions parked without credits",
	Long: `Re-dispatch every NO_CREDITS record of a workspace. Run it after
granting credits.

Examples:
  knowhow-ingest recover ws-1
  knowhow-ingest recover ws-1 --async`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverAsync, "async", false, "run the recovery as a background job")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c := apiClient()

	if recoverAsync {
		handle, err := c.RecoverAsync(ctx, args[0])
		if err != nil {
			return fmt.Errorf("enqueue recovery: %w", err)
		}
		fmt.Printf("Recovery queued as job %s\n", handle.ID)
		return nil
	}

	summary, err := c.Recover(ctx, args[0])
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	fmt.Printf("Parked records: %d\n", summary.Total)
	fmt.Printf("  Retriggered: %d\n", summary.Retriggered)
	if summary.Failed > 0 {
		fmt.Printf("  Failed: %d\n", summary.Failed)
		for _, e := range summary.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}
	return nil
}
