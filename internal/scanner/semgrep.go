package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// semgrepStringList tolerates schema drift where fields may be a string,
// array of strings, null, or omitted.
type semgrepStringList []string

func (l *semgrepStringList) UnmarshalJSON(data []byte) error {
	if l == nil {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = []string{one}
		}
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	return fmt.Errorf("unsupported string-list JSON shape: %s", string(data))
}

// semgrepOutput mirrors the semgrep JSON output schema, which opengrep
// shares.
type semgrepOutput struct {
	Results *[]struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		End struct {
			Line int `json:"line"`
		} `json:"end"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
			Metadata struct {
				CWE semgrepStringList `json:"cwe"`
			} `json:"metadata"`
		} `json:"extra"`
	} `json:"results"`
}

// semgrepAdapter runs semgrep or opengrep for SAST.
type semgrepAdapter struct {
	kind   models.ScannerKind
	binary string
	image  string
	args   func(target string) []string
}

// NewSemgrepAdapter returns the semgrep adapter.
func NewSemgrepAdapter() Adapter {
	return &semgrepAdapter{
		kind:   models.ScannerSemgrep,
		binary: "semgrep",
		image:  "semgrep/semgrep:latest",
		args: func(target string) []string {
			return []string{"scan", "--config=auto", "--json", "--quiet", target}
		},
	}
}

// NewOpengrepAdapter returns the opengrep adapter.
func NewOpengrepAdapter() Adapter {
	return &semgrepAdapter{
		kind:   models.ScannerOpengrep,
		binary: "opengrep",
		image:  "opengrep/opengrep:latest",
		args: func(target string) []string {
			return []string{"scan", "--config=auto", "--json", "--quiet", target}
		},
	}
}

func (s *semgrepAdapter) Kind() models.ScannerKind    { return s.kind }
func (s *semgrepAdapter) Binary() string              { return s.binary }
func (s *semgrepAdapter) DockerImage() string         { return s.image }
func (s *semgrepAdapter) Args(target string) []string { return s.args(target) }

func (s *semgrepAdapter) Parse(data []byte) ([]models.Finding, error) {
	var output semgrepOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing %s JSON: %w", s.kind, err)
	}
	if output.Results == nil {
		return nil, fmt.Errorf("%s output has no results field", s.kind)
	}

	findings := make([]models.Finding, 0, len(*output.Results))
	for _, r := range *output.Results {
		findings = append(findings, models.Finding{
			Scanner:  s.kind,
			Class:    models.ClassSAST,
			Severity: models.MapSeverity(r.Extra.Severity),
			Location: models.Location{File: r.Path, Line: r.Start.Line, EndLine: r.End.Line},
			Message:  r.Extra.Message,
			RuleID:   r.CheckID,
		})
	}
	return findings, nil
}
