package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	querySource     string
	queryMatchCount int
	queryPages      bool
	queryCode       bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Query the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&querySource, "source", "", "restrict to one source id")
	queryCmd.Flags().IntVar(&queryMatchCount, "count", 5, "number of results")
	queryCmd.Flags().BoolVar(&queryPages, "pages", false, "group results by page")
	queryCmd.Flags().BoolVar(&queryCode, "code", false, "search code examples instead of documents")
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	returnMode := "chunks"
	if queryPages {
		returnMode = "pages"
	}
	path := "/api/rag/query"
	if queryCode {
		path = "/api/rag/code-examples"
	}

	var resp struct {
		Mode   string `json:"mode"`
		Chunks []struct {
			URL        string  `json:"url"`
			Content    string  `json:"content"`
			Summary    string  `json:"summary"`
			Similarity float64 `json:"similarity"`
			MatchType  string  `json:"match_type"`
		} `json:"chunks"`
		Pages []struct {
			URL                 string  `json:"url"`
			SectionTitle        string  `json:"section_title"`
			ChunkMatches        int     `json:"chunk_matches"`
			AggregateSimilarity float64 `json:"aggregate_similarity"`
		} `json:"pages"`
	}

	err := postJSON(path, map[string]interface{}{
		"query":       query,
		"source":      querySource,
		"match_count": queryMatchCount,
		"return_mode": returnMode,
	}, &resp)
	if err != nil {
		return err
	}

	if resp.Mode == "pages" {
		for i, p := range resp.Pages {
			color.Cyan("%d. %s (%.3f, %d chunks)", i+1, p.URL, p.AggregateSimilarity, p.ChunkMatches)
			if p.SectionTitle != "" {
				fmt.Printf("   %s\n", p.SectionTitle)
			}
		}
		return nil
	}

	for i, c := range resp.Chunks {
		label := fmt.Sprintf("%.3f", c.Similarity)
		if c.MatchType != "" {
			label += " " + c.MatchType
		}
		color.Cyan("%d. %s (%s)", i+1, c.URL, label)
		text := c.Summary
		if text == "" {
			text = c.Content
		}
		fmt.Printf("   %s\n\n", excerpt(text, 240))
	}
	if len(resp.Chunks) == 0 && len(resp.Pages) == 0 {
		color.Yellow("No results")
	}
	return nil
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
