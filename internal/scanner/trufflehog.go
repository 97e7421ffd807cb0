package scanner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// trufflehogAdapter runs trufflehog for secret detection.
// trufflehog outputs NDJSON (one JSON object per line).
type trufflehogAdapter struct{}

// NewTrufflehogAdapter returns the trufflehog adapter.
func NewTrufflehogAdapter() Adapter { return trufflehogAdapter{} }

func (trufflehogAdapter) Kind() models.ScannerKind { return models.ScannerTrufflehog }
func (trufflehogAdapter) Binary() string           { return "trufflehog" }
func (trufflehogAdapter) DockerImage() string      { return "trufflesecurity/trufflehog:latest" }

func (trufflehogAdapter) Args(target string) []string {
	return []string{"filesystem", target, "--json", "--no-update"}
}

type trufflehogFinding struct {
	DetectorName   string `json:"DetectorName"`
	Verified       bool   `json:"Verified"`
	SourceMetadata struct {
		Data struct {
			Filesystem struct {
				File string `json:"file"`
				Line int    `json:"line"`
			} `json:"Filesystem"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
}

// Parse reads the NDJSON stream. Lines that are not JSON objects are
// skipped, but output made only of such lines is rejected.
func (trufflehogAdapter) Parse(data []byte) ([]models.Finding, error) {
	findings := []models.Finding{}
	bad := 0
	var firstErr error

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f trufflehogFinding
		if err := json.Unmarshal(line, &f); err != nil {
			bad++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if f.DetectorName == "" {
			// progress/log records share the stream
			continue
		}
		// Verified secrets are always HIGH severity.
		sev := models.SeverityMedium
		msg := fmt.Sprintf("Potential %s secret", f.DetectorName)
		if f.Verified {
			sev = models.SeverityHigh
			msg = fmt.Sprintf("Verified %s secret", f.DetectorName)
		}
		fs := f.SourceMetadata.Data.Filesystem
		findings = append(findings, models.Finding{
			Scanner:  models.ScannerTrufflehog,
			Class:    models.ClassSecrets,
			Severity: sev,
			Location: models.Location{File: fs.File, Line: fs.Line},
			Message:  msg,
			RuleID:   f.DetectorName,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading trufflehog output: %w", err)
	}
	if bad > 0 && len(findings) == 0 {
		return nil, fmt.Errorf("parsing trufflehog NDJSON: %w", firstErr)
	}
	return findings, nil
}
