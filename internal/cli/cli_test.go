package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func TestParseMeta(t *testing.T) {
	meta, err := parseMeta([]string{"channel=phone", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"channel": "phone", "note": "a=b"}, meta)

	_, err = parseMeta([]string{"novalue"})
	assert.Error(t, err)

	meta, err = parseMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestReadBody(t *testing.T) {
	t.Cleanup(func() { submitFile = "" })

	body, name, err := readBody(nil, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	assert.Empty(t, name)

	body, _, err = readBody(strings.NewReader("from stdin"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", body)

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes"), 0o644))
	submitFile = path
	body, name, err = readBody(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "# Notes", body)
	assert.True(t, isMarkdown(name))

	submitFile = ""
	_, _, err = readBody(nil, nil)
	assert.Error(t, err)
}

func TestMarkdownFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	for _, f := range []string{"a.md", "b.txt", "sub/c.markdown"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644))
	}

	files, err := markdownFiles(root, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(root, "a.md"), filepath.Join(root, "sub", "c.markdown")}, files)

	files, err = markdownFiles(root, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.md")}, files)
}

func TestSettled(t *testing.T) {
	tests := []struct {
		name    string
		job     *queue.Info
		rec     *client.Record
		done    bool
		wantErr string
	}{
		{"completed", nil, &client.Record{Status: "COMPLETED"}, true, ""},
		{"failed", nil, &client.Record{Status: "FAILED", Error: "boom"}, true, "boom"},
		{"parked", nil, &client.Record{Status: "NO_CREDITS", Error: "insufficient credits"}, true, "parked without credits"},
		{"processing", &queue.Info{Status: queue.StatusCompleted}, &client.Record{Status: "PROCESSING"}, false, ""},
		{"cancelled job", &queue.Info{Status: queue.StatusCanceled}, &client.Record{Status: "PENDING"}, true, "CANCELED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := settled(tt.job, tt.rec)
			assert.Equal(t, tt.done, done)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
