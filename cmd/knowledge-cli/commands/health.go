package commands

import (
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check API and schema health",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " checking server..."
		s.Start()

		var resp struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err := getJSON("/api/health", &resp)
		s.Stop()

		if err != nil && resp.Status == "" {
			return err
		}

		switch resp.Status {
		case "healthy":
			color.Green("Server healthy")
		case "migration_required":
			color.Red("Migration required: %s", resp.Error)
		default:
			color.Yellow("Status: %s", resp.Status)
		}
		return nil
	},
}
