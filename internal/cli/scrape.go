package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
)

var (
	scrapeSource    string
	scrapeSpace     string
	scrapeDryRun    bool
	scrapeRecursive bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <path>",
	Short: "Submit every Markdown file in a directory as a document",
	Long: `Submit every Markdown file in a directory as a document.

Each file becomes one document ingestion. Frontmatter is parsed on the
server, the title defaults to the first heading and the file path is
stored as metadata.

Examples:
  knowhow-ingest scrape ./docs
  knowhow-ingest scrape ./wiki --recursive=false --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runScrape,
}

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeSource, "source", "s", "scrape", "source label")
	scrapeCmd.Flags().StringVar(&scrapeSpace, "space", "", "space id")
	scrapeCmd.Flags().BoolVar(&scrapeDryRun, "dry-run", false, "show what would be submitted without submitting")
	scrapeCmd.Flags().BoolVarP(&scrapeRecursive, "recursive", "r", true, "recursively process subdirectories")

	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, args []string) error {
	path := args[0]

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path must be a directory: %s", path)
	}

	files, err := markdownFiles(path, scrapeRecursive)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No Markdown files found.")
		return nil
	}

	fmt.Printf("Found %d Markdown files\n", len(files))

	if scrapeDryRun {
		fmt.Println("\nDry run - would submit:")
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
		return nil
	}

	c := apiClient()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	var failed int
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", f, err)
			failed++
			continue
		}
		accepted, err := c.Ingest(ctx, client.IngestRequest{
			EpisodeBody:   string(data),
			ReferenceTime: now,
			Source:        scrapeSource,
			SpaceID:       scrapeSpace,
			Type:          "DOCUMENT",
			Metadata:      map[string]any{"path": f},
		})
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", f, err)
			failed++
			continue
		}
		fmt.Printf("  ✓ %s (job %s)\n", f, accepted.ID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// markdownFiles lists .md and .markdown files under root.
func markdownFiles(root string, recursive bool) ([]string, error) {
	var files []string
	walkFn := func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && !recursive && p != root {
			return filepath.SkipDir
		}
		if !d.IsDir() && isMarkdown(p) {
			files = append(files, p)
		}
		return nil
	}
	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}
	return files, nil
}
