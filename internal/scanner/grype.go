package scanner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// grypeAdapter runs grype directly against the checked-out directory for SCA.
type grypeAdapter struct{}

// NewGrypeAdapter returns the grype adapter.
func NewGrypeAdapter() Adapter { return grypeAdapter{} }

func (grypeAdapter) Kind() models.ScannerKind { return models.ScannerGrype }
func (grypeAdapter) Binary() string           { return "grype" }
func (grypeAdapter) DockerImage() string      { return "anchore/grype:latest" }

func (grypeAdapter) Args(target string) []string {
	return []string{"dir:" + target, "-o", "json", "-q"}
}

// grypeOutput mirrors the relevant parts of grype's JSON output.
type grypeOutput struct {
	Matches *[]struct {
		Vulnerability struct {
			ID          string `json:"id"`
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Fix         struct {
				Versions []string `json:"versions"`
				State    string   `json:"state"`
			} `json:"fix"`
		} `json:"vulnerability"`
		Artifact struct {
			Name      string `json:"name"`
			Version   string `json:"version"`
			Type      string `json:"type"`
			Locations []struct {
				Path string `json:"path"`
			} `json:"locations"`
		} `json:"artifact"`
	} `json:"matches"`
}

func (grypeAdapter) Parse(data []byte) ([]models.Finding, error) {
	var output grypeOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing grype JSON: %w", err)
	}
	if output.Matches == nil {
		return nil, fmt.Errorf("grype output has no matches field")
	}

	findings := make([]models.Finding, 0, len(*output.Matches))
	for _, m := range *output.Matches {
		loc := ""
		if len(m.Artifact.Locations) > 0 {
			loc = strings.TrimPrefix(m.Artifact.Locations[0].Path, "/")
		}
		fixed := ""
		if m.Vulnerability.Fix.State == "fixed" {
			fixed = strings.Join(m.Vulnerability.Fix.Versions, ", ")
		}
		findings = append(findings, models.Finding{
			Scanner:          models.ScannerGrype,
			Class:            models.ClassSCA,
			Severity:         models.MapSeverity(m.Vulnerability.Severity),
			Location:         models.Location{File: loc},
			Message:          m.Vulnerability.Description,
			RuleID:           m.Vulnerability.ID,
			Package:          m.Artifact.Name,
			InstalledVersion: m.Artifact.Version,
			FixedVersion:     fixed,
			Ecosystem:        normaliseEcosystem(m.Artifact.Type),
		})
	}
	return findings, nil
}
