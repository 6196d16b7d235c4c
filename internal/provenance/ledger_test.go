package provenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

func readLedger(t *testing.T, path string) string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "docs", "DATA_PROVENANCE.md")
	ledger, err := New(path)
	require.NoError(t, err)

	require.NoError(t, ledger.Append(context.Background(), harvest.ProvenanceEntry{
		RunID:      1,
		SourceName: "UC Info Center",
		Files:      []string{"https://www.universityofcalifornia.edu/harvest/uc_info_center_transfers_major"},
	}))
	require.NoError(t, ledger.Append(context.Background(), harvest.ProvenanceEntry{
		RunID:      2,
		SourceName: "UC Info Center",
		Files:      []string{"a", "b"},
		Warnings:   []string{"snapshot skipped"},
	}))

	want := Header +
		"| 1 | UC Info Center | https://www.universityofcalifornia.edu/harvest/uc_info_center_transfers_major |  |\n" +
		"| 2 | UC Info Center | a, b | snapshot skipped |\n"
	assert.Equal(t, want, readLedger(t, path))
}

func TestAppendPreservesExistingContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.md")
	existing := Header + "| 7 | Legacy | x |  |\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o600))

	ledger, err := New(path)
	require.NoError(t, err)
	require.NoError(t, ledger.Append(context.Background(), harvest.ProvenanceEntry{RunID: 8, SourceName: "IPEDS"}))

	assert.Equal(t, existing+"| 8 | IPEDS |  |  |\n", readLedger(t, path))
}

func TestFormatRowEscapesCells(t *testing.T) {
	t.Parallel()

	row := FormatRow(harvest.ProvenanceEntry{
		RunID:      3,
		SourceName: "A|B",
		Files:      []string{"one", " ", "two\nlines"},
		Warnings:   []string{"bad | value"},
	})
	assert.Equal(t, "| 3 | A\\|B | one, two lines | bad \\| value |\n", row)
}

func TestAppendConcurrentRowsStayIntact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.md")
	ledger, err := New(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, ledger.Append(context.Background(), harvest.ProvenanceEntry{
				RunID:      int64(id),
				SourceName: fmt.Sprintf("source-%d", id),
			}))
		}(i)
	}
	wg.Wait()

	content := readLedger(t, path)
	assert.Equal(t, 1, strings.Count(content, "# Data Provenance"))
	lines := strings.Split(strings.TrimSuffix(strings.TrimPrefix(content, Header), "\n"), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "| ") && strings.HasSuffix(line, " |"), line)
	}
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(" ")
	require.Error(t, err)
}

func TestAppendCancelled(t *testing.T) {
	t.Parallel()

	ledger, err := New(filepath.Join(t.TempDir(), "ledger.md"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ledger.Append(ctx, harvest.ProvenanceEntry{RunID: 1}), context.Canceled)
}
