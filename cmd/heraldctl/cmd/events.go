package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type eventView struct {
	DeliveryID   string `json:"delivery_id"`
	EventType    string `json:"event_type"`
	Action       string `json:"action,omitempty"`
	RepoFullName string `json:"repo_full_name"`
	Title        string `json:"title,omitempty"`
	Processed    bool   `json:"processed"`
	ProcessedAt  string `json:"processed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    string `json:"created_at"`
}

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and replay stored webhook events",
}

var eventStatusCmd = &cobra.Command{
	Use:   "status [delivery-id]",
	Short: "Show the processing status of a stored webhook event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ev eventView
		if _, err := makeRequest("GET", "/admin/events/"+args[0], nil, &ev); err != nil {
			return fmt.Errorf("failed to fetch event: %w", err)
		}

		if outputJSON {
			printOutput(ev)
			return nil
		}

		fmt.Printf("Delivery: %s\n", ev.DeliveryID)
		fmt.Printf("  Repo: %s\n", ev.RepoFullName)
		fmt.Printf("  Event: %s", ev.EventType)
		if ev.Action != "" {
			fmt.Printf(" (%s)", ev.Action)
		}
		fmt.Println()
		if ev.Title != "" {
			fmt.Printf("  Title: %s\n", ev.Title)
		}
		fmt.Printf("  Processed: %v\n", ev.Processed)
		if ev.ProcessedAt != "" {
			fmt.Printf("  Processed at: %s\n", ev.ProcessedAt)
		}
		if ev.ErrorMessage != "" {
			fmt.Printf("  Last error: %s\n", ev.ErrorMessage)
		}
		fmt.Printf("  Retries: %d\n", ev.RetryCount)
		fmt.Printf("  Received: %s\n", ev.CreatedAt)
		return nil
	},
}

var eventReplayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Re-enqueue a stored webhook event for processing",
	Long: `Publish a stored webhook event back onto the processing queue.
Already processed events are settled downstream without a redelivery.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status     string `json:"status"`
			DeliveryID string `json:"delivery_id"`
		}
		if _, err := makeRequest("POST", "/admin/events/"+args[0]+"/replay", nil, &resp); err != nil {
			return fmt.Errorf("failed to replay event: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Replayed delivery %s\n", resp.DeliveryID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventStatusCmd)
	eventsCmd.AddCommand(eventReplayCmd)
}
