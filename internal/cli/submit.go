package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
)

var (
	submitFile       string
	submitSource     string
	submitType       string
	submitTitle      string
	submitDocumentID string
	submitSpace      string
	submitSession    string
	submitMeta       []string
	submitRefTime    string
	submitWatch      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [text]",
	Short: "Submit an episode or document for ingestion",
	Long: `Submit an episode or document for ingestion.

The body is taken from the argument, from --file, or from stdin when the
argument is "-". Files ending in .md or .markdown are submitted as
documents unless --type is set.

Examples:
  knowhow-ingest submit "Alice moved to the platform team"
  knowhow-ingest submit --file notes/standup.md --watch
  cat transcript.txt | knowhow-ingest submit - --session call-42 --meta channel=phone`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "read the body from a file")
	submitCmd.Flags().StringVarP(&submitSource, "source", "s", "cli", "source label")
	submitCmd.Flags().StringVarP(&submitType, "type", "t", "", "CONVERSATION or DOCUMENT")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "document title")
	submitCmd.Flags().StringVar(&submitDocumentID, "document-id", "", "document id (generated if empty)")
	submitCmd.Flags().StringVar(&submitSpace, "space", "", "space id")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "session id")
	submitCmd.Flags().StringSliceVarP(&submitMeta, "meta", "m", nil, "metadata as key=value")
	submitCmd.Flags().StringVar(&submitRefTime, "reference-time", "", "ISO-8601 reference time (default now)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "wait for the ingestion to finish")

	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body, name, err := readBody(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	meta, err := parseMeta(submitMeta)
	if err != nil {
		return err
	}

	req := client.IngestRequest{
		EpisodeBody:   body,
		ReferenceTime: submitRefTime,
		Metadata:      meta,
		Source:        submitSource,
		SpaceID:       submitSpace,
		SessionID:     submitSession,
		Type:          strings.ToUpper(submitType),
		DocumentTitle: submitTitle,
		DocumentID:    submitDocumentID,
	}
	if req.ReferenceTime == "" {
		req.ReferenceTime = time.Now().UTC().Format(time.RFC3339)
	}
	if req.Type == "" && isMarkdown(name) {
		req.Type = "DOCUMENT"
	}

	c := apiClient()
	ctx := context.Background()
	accepted, err := c.Ingest(ctx, req)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RecordID != "" {
			fmt.Printf("Record %s parked: %s\n", apiErr.RecordID, apiErr.Message)
			fmt.Println("Grant credits and run 'knowhow-ingest recover <workspace>' to retry.")
		}
		return err
	}

	fmt.Printf("Accepted: job %s, record %s\n", accepted.ID, accepted.RecordID)
	if !submitWatch {
		return nil
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return RunIngestProgress(c, accepted)
	}
	return watchPlain(ctx, c, accepted)
}

// watchPlain prints job status changes for non-interactive output, then
// waits for the record to settle.
func watchPlain(ctx context.Context, c *client.Client, accepted *client.Accepted) error {
	err := c.WatchRun(ctx, accepted.ID, accepted.Token, func(ev client.RunEvent) error {
		fmt.Printf("%s  job %s %s (attempts %d)\n",
			time.Now().Format("15:04:05"), ev.Run.ID, ev.Run.Status, ev.Run.Attempts)
		return nil
	})
	if err != nil {
		return err
	}

	for {
		rec, err := c.GetRecord(ctx, accepted.RecordID)
		if err != nil {
			return err
		}
		if done, err := settled(nil, rec); done {
			fmt.Printf("Record %s %s\n", rec.ID, rec.Status)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// readBody returns the submission body and the file name it came from.
func readBody(stdin io.Reader, args []string) (string, string, error) {
	switch {
	case submitFile != "":
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return "", "", fmt.Errorf("read file: %w", err)
		}
		return string(data), submitFile, nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), "", nil
	case len(args) == 1:
		return args[0], "", nil
	default:
		return "", "", errors.New("nothing to submit: pass text, --file or -")
	}
}

func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q (expected key=value)", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
