package scanner

import (
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// trivyAdapter runs trivy in filesystem vulnerability mode for SCA.
type trivyAdapter struct{}

// NewTrivyAdapter returns the trivy adapter.
func NewTrivyAdapter() Adapter { return trivyAdapter{} }

func (trivyAdapter) Kind() models.ScannerKind { return models.ScannerTrivy }
func (trivyAdapter) Binary() string           { return "trivy" }
func (trivyAdapter) DockerImage() string      { return "aquasec/trivy:latest" }

func (trivyAdapter) Args(target string) []string {
	return []string{
		"fs",
		"--format=json",
		"--quiet",
		"--ignore-unfixed",
		"--severity=HIGH,CRITICAL",
		"--scanners=vuln",
		target,
	}
}

// trivyOutput mirrors the relevant parts of trivy's JSON output.
type trivyOutput struct {
	SchemaVersion int `json:"SchemaVersion"`
	Results       []struct {
		Target          string `json:"Target"`
		Type            string `json:"Type"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
			Description      string `json:"Description"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

func (trivyAdapter) Parse(data []byte) ([]models.Finding, error) {
	var output trivyOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing trivy JSON: %w", err)
	}

	var findings []models.Finding
	for _, res := range output.Results {
		for _, v := range res.Vulnerabilities {
			msg := v.Title
			if msg == "" {
				msg = v.Description
			}
			findings = append(findings, models.Finding{
				Scanner:          models.ScannerTrivy,
				Class:            models.ClassSCA,
				Severity:         models.MapSeverity(v.Severity),
				Location:         models.Location{File: res.Target},
				Message:          msg,
				RuleID:           v.VulnerabilityID,
				Package:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Ecosystem:        normaliseEcosystem(res.Type),
			})
		}
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	return findings, nil
}

// normaliseEcosystem maps tool-specific package types onto the manifest
// families the fix publisher knows how to edit.
func normaliseEcosystem(t string) string {
	switch t {
	case "npm", "yarn", "pnpm", "node-pkg":
		return "npm"
	case "pip", "pipenv", "poetry", "python-pkg", "python":
		return "pip"
	case "gomod", "gobinary", "go-module":
		return "go"
	default:
		return t
	}
}
