package models

import "strings"

// SeverityLevel represents the severity of a security finding.
type SeverityLevel string

const (
	SeverityCritical SeverityLevel = "CRITICAL"
	SeverityHigh     SeverityLevel = "HIGH"
	SeverityMedium   SeverityLevel = "MEDIUM"
	SeverityLow      SeverityLevel = "LOW"
	SeverityUnknown  SeverityLevel = "UNKNOWN"
)

// Severities lists every level from least to most severe.
var Severities = []SeverityLevel{
	SeverityUnknown,
	SeverityLow,
	SeverityMedium,
	SeverityHigh,
	SeverityCritical,
}

// Rank returns the position of s in the severity order (higher = more severe).
func (s SeverityLevel) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s SeverityLevel) AtLeast(other SeverityLevel) bool {
	return s.Rank() >= other.Rank()
}

func (s SeverityLevel) String() string {
	return string(s)
}

// MapSeverity normalises scanner-specific severity strings to SeverityLevel.
// semgrep reports INFO/WARNING/ERROR, trivy and grype use the CVSS-style
// vocabulary, GitHub advisories say MODERATE.
func MapSeverity(raw string) SeverityLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "ERROR":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARNING":
		return SeverityMedium
	case "LOW", "INFO", "NEGLIGIBLE":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}
