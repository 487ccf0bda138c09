package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type taskView struct {
	ID                int64  `json:"id"`
	ExternalID        string `json:"external_id,omitempty"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	Status            string `json:"status"`
	DueDate           string `json:"due_date,omitempty"`
	AssigneeDiscordID string `json:"assignee_discord_id"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type createTaskRequest struct {
	ExternalID        string `json:"external_id,omitempty"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	DueDate           string `json:"due_date,omitempty"`
	AssigneeDiscordID string `json:"assignee_discord_id"`
}

var (
	taskExternalID  string
	taskDescription string
	taskDueDate     string
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create tasks and update their status",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title] [assignee-discord-id]",
	Short: "Create a task assigned to a Discord user",
	Long: `Create a task. Creating a task with the same title and assignee within
a short window returns the existing task instead of a new one.

Example:
  heraldctl tasks create "Rotate webhook secret" 123456789012345678 --due 2026-09-15T12:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := createTaskRequest{
			Title:             args[0],
			AssigneeDiscordID: args[1],
			ExternalID:        taskExternalID,
			Description:       taskDescription,
			DueDate:           taskDueDate,
		}

		var task taskView
		status, err := makeRequest("POST", "/admin/tasks", req, &task)
		if err != nil {
			if status == 409 {
				return fmt.Errorf("duplicate task: %w", err)
			}
			return fmt.Errorf("failed to create task: %w", err)
		}

		if outputJSON {
			printOutput(task)
		} else {
			fmt.Printf("Created task %d (%s) for %s\n", task.ID, task.Status, task.AssigneeDiscordID)
		}
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [status]",
	Short: "Update a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("task id must be an integer: %q", args[0])
		}

		req := map[string]string{"status": args[1]}
		var resp struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		}
		if _, err := makeRequest("POST", "/admin/tasks/"+args[0]+"/status", req, &resp); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Task %d is now %s\n", resp.ID, resp.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(taskCreateCmd)
	tasksCmd.AddCommand(taskStatusCmd)

	taskCreateCmd.Flags().StringVar(&taskExternalID, "external-id", "", "upstream identifier for the task")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskDueDate, "due", "", "due date in RFC 3339 form")
}
