package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type repoView struct {
	FullName  string `json:"full_name"`
	ChannelID string `json:"channel_id"`
	AddedBy   string `json:"added_by,omitempty"`
}

type subscribeRequest struct {
	Repo      string `json:"repo"`
	ChannelID string `json:"channel_id"`
}

// reposCmd represents the repos command
var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage tracked repositories",
	Long:  `List, subscribe, and unsubscribe repositories whose webhook events get delivered.`,
}

var listReposCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Repos []repoView `json:"repos"`
		}
		if _, err := makeRequest("GET", "/admin/repos", nil, &resp); err != nil {
			return fmt.Errorf("failed to list repos: %w", err)
		}
		repos := resp.Repos

		if outputJSON {
			printOutput(repos)
			return nil
		}

		if len(repos) == 0 {
			fmt.Println("No tracked repositories")
			return nil
		}
		for _, r := range repos {
			fmt.Printf("%s -> channel %s\n", r.FullName, r.ChannelID)
		}
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [owner/repo] [channel-id]",
	Short: "Subscribe a repository to a destination channel",
	Long: `Subscribe a repository so its webhook events are delivered to a channel.
Subscribing an already tracked repository moves it to the new channel.

Example:
  heraldctl repos subscribe octo/widgets 123456789012345678`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := subscribeRequest{Repo: args[0], ChannelID: args[1]}

		var repo repoView
		if _, err := makeRequest("POST", "/admin/repos/subscribe", req, &repo); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}

		if outputJSON {
			printOutput(repo)
		} else {
			fmt.Printf("Subscribed %s to channel %s\n", repo.FullName, repo.ChannelID)
		}
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe [owner/repo] [channel-id]",
	Short: "Unsubscribe a repository from a channel",
	Long: `Stop delivering a repository's webhook events. The channel must match
the one the repository is currently subscribed to.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := subscribeRequest{Repo: args[0], ChannelID: args[1]}

		var resp struct {
			Unsubscribed bool `json:"unsubscribed"`
		}
		if _, err := makeRequest("POST", "/admin/repos/unsubscribe", req, &resp); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		if resp.Unsubscribed {
			fmt.Printf("Unsubscribed %s\n", args[0])
		} else {
			fmt.Printf("%s was not subscribed to channel %s\n", args[0], args[1])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reposCmd)
	reposCmd.AddCommand(listReposCmd)
	reposCmd.AddCommand(subscribeCmd)
	reposCmd.AddCommand(unsubscribeCmd)
}
