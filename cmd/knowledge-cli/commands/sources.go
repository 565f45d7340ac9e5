package commands

import (
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage knowledge sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Sources []struct {
				SourceID    string `json:"source_id"`
				DisplayName string `json:"source_display_name"`
				SourceURL   string `json:"source_url"`
				WordCount   int    `json:"total_word_count"`
			} `json:"sources"`
			Count int `json:"count"`
		}
		if err := getJSON("/api/sources/", &resp); err != nil {
			return err
		}

		if resp.Count == 0 {
			color.Yellow("No sources")
			return nil
		}
		for _, s := range resp.Sources {
			color.Cyan("%s  %s", s.SourceID, s.DisplayName)
			fmt.Printf("  %s (%d words)\n", s.SourceURL, s.WordCount)
		}
		return nil
	},
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Delete a source and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, serverURL+"/api/sources/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := decodeResponse(resp, nil); err != nil {
			return err
		}
		color.Green("Deleted %s", args[0])
		return nil
	},
}

var sourcesRefreshCmd = &cobra.Command{
	Use:   "refresh <source-id>",
	Short: "Re-ingest a source using its stored metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ProgressID string `json:"progressId"`
		}
		if err := postJSON("/api/knowledge-items/"+args[0]+"/refresh", map[string]interface{}{}, &resp); err != nil {
			return err
		}
		color.Green("Refresh started: %s", resp.ProgressID)
		return pollProgress(resp.ProgressID)
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesDeleteCmd)
	sourcesCmd.AddCommand(sourcesRefreshCmd)
}
