package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Drain the emulator queue against the handler under test",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		res, err := newClient().Process(ctx)
		if err != nil {
			return fmt.Errorf("failed to process messages: %w", err)
		}
		if outputJSON {
			printOutput(res)
			return nil
		}
		fmt.Printf("Processed %d messages (%d responses)\n", res.Messages, res.Responses)
		for key, n := range res.KeyCounts {
			fmt.Printf("  %s: %d\n", key, n)
		}
		if res.RunID != "" {
			fmt.Printf("  Archived as run %s\n", res.RunID)
		}
		return nil
	},
}

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the queue, recordings and counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := newClient().Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}
		fmt.Println("Emulator reset")
		return nil
	},
}

// messagesCmd represents the messages command
var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List recorded messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msgs, err := newClient().Messages(ctx)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		if outputJSON {
			printOutput(msgs)
			return nil
		}
		fmt.Printf("Found %d messages:\n", len(msgs))
		for i, m := range msgs {
			if m.Topic != "" {
				fmt.Printf("  %d. [%s] %s (attempt %d)\n", i+1, m.Topic, m.Key(), m.DeliveryAttempt)
				continue
			}
			fmt.Printf("  %d. [%s] %s %s\n", i+1, m.Queue, m.HTTPMethod, m.URL)
		}
		return nil
	},
}

// responsesCmd represents the responses command
var responsesCmd = &cobra.Command{
	Use:   "responses",
	Short: "List recorded handler responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resps, err := newClient().Responses(ctx)
		if err != nil {
			return fmt.Errorf("failed to list responses: %w", err)
		}
		if outputJSON {
			printOutput(resps)
			return nil
		}
		fmt.Printf("Found %d responses:\n", len(resps))
		for i, r := range resps {
			skipped := ""
			if r.Skipped {
				skipped = " (skipped)"
			}
			fmt.Printf("  %d. %d %s%s\n", i+1, r.StatusCode, r.URL, skipped)
		}
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the emulator engine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		st, err := newClient().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if outputJSON {
			printOutput(st)
			return nil
		}
		fmt.Printf("Publish enabled: %v\n", st.PublishEnabled)
		fmt.Printf("Queue depth: %d\n", st.QueueDepth)
		fmt.Printf("Recorded: %d messages, %d responses\n", st.Messages, st.Responses)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd, resetCmd, messagesCmd, responsesCmd, statusCmd)
}
