package fixgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const maxSourceBytes = 2 << 20

// snippet is the source around a finding.
type snippet struct {
	// Context holds numbered lines [StartLine, EndLine].
	Context   string
	StartLine int
	EndLine   int
	// Vulnerable is the exact text of the reported lines.
	Vulnerable string
}

// readSnippet loads the reported lines of loc plus contextLines on each side.
func readSnippet(repoPath string, loc models.Location, contextLines int) (*snippet, error) {
	full, err := SafeJoin(repoPath, loc.File)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc.File, err)
	}
	if info.Size() > maxSourceBytes {
		return nil, fmt.Errorf("%s is too large for fix generation (%d bytes)", loc.File, info.Size())
	}
	data, err := os.ReadFile(full) // #nosec G304 -- path validated by SafeJoin
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc.File, err)
	}

	lines := strings.Split(string(data), "\n")
	first := loc.Line
	last := loc.EndLine
	if last < first {
		last = first
	}
	if first > len(lines) {
		return nil, fmt.Errorf("%s has %d lines, finding points at line %d", loc.File, len(lines), first)
	}
	if last > len(lines) {
		last = len(lines)
	}

	start := max(1, first-contextLines)
	end := min(len(lines), last+contextLines)
	var sb strings.Builder
	for i := start; i <= end; i++ {
		marker := "  "
		if i >= first && i <= last {
			marker = ">>"
		}
		fmt.Fprintf(&sb, "%4d%s| %s\n", i, marker, lines[i-1])
	}

	return &snippet{
		Context:    sb.String(),
		StartLine:  start,
		EndLine:    end,
		Vulnerable: strings.Join(lines[first-1:last], "\n"),
	}, nil
}

// SafeJoin joins base and rel, returning an error if the result would escape
// base. rel comes from scanner output and must not be trusted.
func SafeJoin(base, rel string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolving repo root: %w", err)
	}
	joined := filepath.Join(absBase, filepath.Clean(filepath.FromSlash(rel)))
	if joined == absBase || !strings.HasPrefix(joined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes repo root", rel)
	}
	return joined, nil
}
