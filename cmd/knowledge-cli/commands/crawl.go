package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	crawlKnowledgeType string
	crawlTags          []string
	crawlMaxDepth      int
	crawlNoCode        bool
	crawlNoWait        bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>",
	Short: "Crawl a URL into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrawl,
}

func init() {
	crawlCmd.Flags().StringVar(&crawlKnowledgeType, "type", "technical", "knowledge type tag")
	crawlCmd.Flags().StringSliceVar(&crawlTags, "tag", nil, "tags to attach (repeatable)")
	crawlCmd.Flags().IntVar(&crawlMaxDepth, "max-depth", 2, "recursive crawl depth (1-5)")
	crawlCmd.Flags().BoolVar(&crawlNoCode, "no-code", false, "skip code example extraction")
	crawlCmd.Flags().BoolVar(&crawlNoWait, "no-wait", false, "return immediately without polling progress")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	extractCode := !crawlNoCode
	var resp struct {
		Success    bool   `json:"success"`
		ProgressID string `json:"progressId"`
		Message    string `json:"message"`
	}

	err := postJSON("/api/knowledge-items/crawl", map[string]interface{}{
		"url":                   args[0],
		"knowledge_type":        crawlKnowledgeType,
		"tags":                  crawlTags,
		"max_depth":             crawlMaxDepth,
		"extract_code_examples": extractCode,
	}, &resp)
	if err != nil {
		return err
	}

	color.Green("Crawl started: %s", resp.ProgressID)
	if crawlNoWait {
		return nil
	}
	return pollProgress(resp.ProgressID)
}

type progressState struct {
	Status   string                 `json:"status"`
	Progress int                    `json:"progress"`
	Message  string                 `json:"message"`
	Error    string                 `json:"error"`
	Details  map[string]interface{} `json:"details"`
}

// pollProgress polls the progress endpoint until the operation terminates,
// rendering a progress bar with the current stage.
func pollProgress(progressID string) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
	)

	for {
		var state progressState
		if err := getJSON("/api/progress/"+progressID, &state); err != nil {
			return err
		}

		_ = bar.Set(state.Progress)
		bar.Describe(state.Status)

		switch state.Status {
		case "completed":
			_ = bar.Finish()
			fmt.Println()
			color.Green("Completed")
			if chunks, ok := state.Details["chunks_stored"]; ok {
				fmt.Printf("  chunks stored: %v\n", chunks)
			}
			if code, ok := state.Details["code_examples_count"]; ok {
				fmt.Printf("  code examples: %v\n", code)
			}
			return nil
		case "error", "failed":
			fmt.Println()
			return fmt.Errorf("operation failed: %s", firstNonEmpty(state.Error, state.Message))
		case "cancelled":
			fmt.Println()
			color.Yellow("Operation cancelled")
			return nil
		}

		time.Sleep(time.Second)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown error"
}
