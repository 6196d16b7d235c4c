// Package provenance maintains the append-only Markdown ledger of completed runs.
package provenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// Header opens every new ledger file.
const Header = "# Data Provenance\n\n| Run | Source | Files | Warnings |\n| --- | --- | --- | --- |\n"

// Ledger appends one table row per completed run. Existing content is never rewritten.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// New returns a Ledger writing to path. The file is created on first append.
func New(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("provenance path is required")
	}
	return &Ledger{path: path}, nil
}

// Path reports the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes entry as a single row, writing the header first when the file is empty.
func (l *Ledger) Append(ctx context.Context, entry harvest.ProvenanceEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append provenance: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create provenance directory: %w", err)
	}
	// #nosec G304 -- the ledger path comes from operator configuration.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open provenance ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat provenance ledger: %w", err)
	}
	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(Header)
	}
	b.WriteString(FormatRow(entry))
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write provenance entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync provenance ledger: %w", err)
	}
	return nil
}

// FormatRow renders entry as a Markdown table row terminated by a newline.
func FormatRow(entry harvest.ProvenanceEntry) string {
	return fmt.Sprintf("| %s | %s | %s | %s |\n",
		strconv.FormatInt(entry.RunID, 10),
		cell(entry.SourceName),
		joinCells(entry.Files),
		joinCells(entry.Warnings),
	)
}

func joinCells(values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v = cell(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

func cell(s string) string {
	return cellEscaper.Replace(strings.TrimSpace(s))
}
