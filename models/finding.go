package models

import "fmt"

// ScannerKind identifies one supported external analysis tool.
type ScannerKind string

const (
	ScannerSemgrep    ScannerKind = "semgrep"
	ScannerOpengrep   ScannerKind = "opengrep"
	ScannerTrivy      ScannerKind = "trivy"
	ScannerGrype      ScannerKind = "grype"
	ScannerTrufflehog ScannerKind = "trufflehog"
)

// ScannerClass groups scanners by the kind of issue they report.
type ScannerClass string

const (
	ClassSAST    ScannerClass = "sast"    // static application security testing
	ClassSCA     ScannerClass = "sca"     // dependency vulnerabilities
	ClassSecrets ScannerClass = "secrets" // leaked credentials
)

// ScannerClasses lists every class in a stable order.
var ScannerClasses = []ScannerClass{ClassSAST, ClassSCA, ClassSecrets}

// Class returns the class of issues k reports.
func (k ScannerKind) Class() ScannerClass {
	switch k {
	case ScannerTrivy, ScannerGrype:
		return ClassSCA
	case ScannerTrufflehog:
		return ClassSecrets
	default:
		return ClassSAST
	}
}

// Valid reports whether k is a known scanner.
func (k ScannerKind) Valid() bool {
	switch k {
	case ScannerSemgrep, ScannerOpengrep, ScannerTrivy, ScannerGrype, ScannerTrufflehog:
		return true
	}
	return false
}

// ParseScannerKind validates a user-supplied scanner name.
func ParseScannerKind(raw string) (ScannerKind, error) {
	k := ScannerKind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("unknown scanner %q", raw)
	}
	return k, nil
}

// Location points at the place a finding was reported. Line is zero when the
// tool only reports a file (or, for dependency findings, a manifest).
type Location struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	EndLine int    `json:"end_line,omitempty"`
}

// Finding is the normalised form of one issue reported by any scanner.
type Finding struct {
	Scanner  ScannerKind   `json:"scanner"`
	Class    ScannerClass  `json:"class"`
	Severity SeverityLevel `json:"severity"`
	Location Location      `json:"location"`
	Message  string        `json:"message"`
	RuleID   string        `json:"rule_id"` // rule id, CVE/GHSA id or detector name

	// Dependency findings only.
	Package          string `json:"package,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	Ecosystem        string `json:"ecosystem,omitempty"`
}

// IsDependency reports whether f concerns a third-party package rather than
// a location in the repository's own code.
func (f Finding) IsDependency() bool {
	return f.Package != ""
}

// Ref returns a short, human-readable reference for logs and fix records.
func (f Finding) Ref() string {
	if f.IsDependency() {
		return fmt.Sprintf("%s:%s@%s:%s", f.Scanner, f.Package, f.InstalledVersion, f.RuleID)
	}
	return fmt.Sprintf("%s:%s:%d:%s", f.Scanner, f.Location.File, f.Location.Line, f.RuleID)
}
