package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskreplay/internal/replay"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [topic] [data-json]",
	Short: "Publish a pub/sub message to the emulator",
	Long: `Publish a message. The routing key travels in the "key" attribute.

Example:
  replayctl publish some-topic '{"id":"some-guid"}' --attr key=trigger.sequence.some-sequence`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSON(args[1])
		if err != nil {
			return fmt.Errorf("invalid message data: %w", err)
		}
		pairs, _ := cmd.Flags().GetStringArray("attr")
		attrs, err := parseAttributes(pairs)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		id, err := newClient().Publish(ctx, args[0], replay.Message{Data: data, Attributes: attrs})
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		if outputJSON {
			printOutput(map[string]string{"messageId": id})
			return nil
		}
		fmt.Printf("Published message: %s\n", id)
		return nil
	},
}

// createTaskCmd represents the create-task command
var createTaskCmd = &cobra.Command{
	Use:   "create-task [url]",
	Short: "Create an HTTP task on an emulated queue",
	Long: `Create an HTTP task.

Example:
  replayctl create-task /tasks/do --queue projects/p/locations/l/queues/q --body '{"a":1}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		method, _ := cmd.Flags().GetString("method")
		bodyJSON, _ := cmd.Flags().GetString("body")
		pairs, _ := cmd.Flags().GetStringArray("header")

		headers, err := parseAttributes(pairs)
		if err != nil {
			return err
		}
		var body []byte
		if bodyJSON != "" {
			if body, err = parseJSON(bodyJSON); err != nil {
				return fmt.Errorf("invalid task body: %w", err)
			}
			if headers == nil {
				headers = map[string]string{}
			}
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		ack, err := newClient().CreateTask(ctx, replay.CreateTaskRequest{
			Parent: queue,
			HTTPRequest: replay.HTTPRequest{
				HTTPMethod: method,
				URL:        args[0],
				Headers:    headers,
				Body:       body,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if outputJSON {
			printOutput(ack)
			return nil
		}
		fmt.Printf("Created task: %s\n", ack.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd, createTaskCmd)

	publishCmd.Flags().StringArray("attr", nil, "message attribute as key=value (repeatable)")

	createTaskCmd.Flags().String("queue", replay.DefaultQueue, "queue parent path")
	createTaskCmd.Flags().String("method", "POST", "HTTP method")
	createTaskCmd.Flags().String("body", "", "JSON request body")
	createTaskCmd.Flags().StringArray("header", nil, "request header as name=value (repeatable)")
}
