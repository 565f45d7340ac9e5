// Package commands implements the knowledge CLI commands.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "knowledge-cli",
	Short: "Client for the knowledge engine API",
	Long:  "Crawl documentation sites, poll ingestion progress, query the knowledge base, and manage sources.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("KNOWLEDGE_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8181"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "knowledge engine API base URL")

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(healthCmd)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// postJSON posts a JSON body and decodes the JSON response into out.
func postJSON(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// getJSON fetches a JSON response into out.
func getJSON(path string, out interface{}) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error     string `json:"error"`
			ErrorType string `json:"error_type"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.ErrorType != "" {
				return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.ErrorType)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
