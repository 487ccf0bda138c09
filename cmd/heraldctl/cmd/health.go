package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Herald ingest service",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := makeRequest("GET", "/healthz", nil, nil)
		if err != nil && status == 0 {
			return fmt.Errorf("health check failed: %w", err)
		}

		if status == 200 {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy (HTTP %d)\n", status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
