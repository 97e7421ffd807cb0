package scanner

import (
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Adapter describes one external analysis tool: how to invoke it and how to
// turn its standard output into canonical findings.
//
// To add a new scanner:
//  1. Create a new file in internal/scanner/ (e.g. mynewtool.go)
//  2. Implement the Adapter interface
//  3. Register it in DefaultAdapters()
type Adapter interface {
	// Kind identifies the tool.
	Kind() models.ScannerKind

	// Binary is the executable name looked up in the tools dir and PATH.
	Binary() string

	// DockerImage is used when the binary is unavailable or docker is preferred.
	DockerImage() string

	// Args returns the fixed argument template for scanning target.
	Args(target string) []string

	// Parse converts the tool's standard output into findings. It is called
	// regardless of the process exit code; an error means the output is
	// unusable.
	Parse(stdout []byte) ([]models.Finding, error)
}

// Output is the outcome of one scanner invocation. It is returned alongside
// an error too, so callers can record exit code and timing of failed runs.
type Output struct {
	Scanner    models.ScannerKind
	Findings   []models.Finding
	ExitCode   int
	Duration   time.Duration
	UsedDocker bool
	// Raw is the unparsed standard output, kept for artifact retention.
	Raw []byte
}

// Result pairs an Output with its error for multi-scanner runs.
type Result struct {
	Scanner models.ScannerKind
	Output  *Output
	Err     error
}
