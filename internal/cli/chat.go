package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

var chatConversation string

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and wait for the reply",
	Long: `Send a message to a conversation and wait for the reply. Without
--conversation a new conversation is started. Ctrl+C stops the run.

Examples:
  knowhow-ingest chat "What do we know about Alice?"
  knowhow-ingest chat -c 3f2a... "And her team?"
  knowhow-ingest chat stop 3f2a...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

var chatStopCmd = &cobra.Command{
	Use:   "stop <conversation-id>",
	Short: "Stop the conversation's current run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().StopRun(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("stop run: %w", err)
		}
		fmt.Printf("Conversation %s is %s\n", args[0], status)
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "continue this conversation")
	chatCmd.AddCommand(chatStopCmd)
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := apiClient()
	run, err := c.SendMessage(ctx, chatConversation, strings.Join(args, " "))
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 409 {
			return fmt.Errorf("conversation is busy; wait or run 'knowhow-ingest chat stop %s'", chatConversation)
		}
		return err
	}
	fmt.Printf("Conversation %s, run %s\n", run.ConversationID, run.ID)

	var final queue.Status
	err = c.WatchRun(ctx, run.ID, run.Token, func(ev client.RunEvent) error {
		final = ev.Run.Status
		return nil
	})
	if ctx.Err() != nil {
		status, err := c.StopRun(context.Background(), run.ConversationID)
		if err != nil {
			return fmt.Errorf("stop run: %w", err)
		}
		fmt.Printf("\nStopped (%s)\n", status)
		return nil
	}
	if err != nil {
		return err
	}
	if final != queue.StatusCompleted {
		return fmt.Errorf("run ended %s", final)
	}

	conv, err := c.GetConversation(context.Background(), run.ConversationID)
	if err != nil {
		return err
	}
	if n := len(conv.History); n > 0 && conv.History[n-1].Role == "assistant" {
		fmt.Println()
		fmt.Println(conv.History[n-1].Message)
	}
	return nil
}
