package models

// FixType distinguishes source edits from dependency upgrades.
type FixType string

const (
	FixTypeCode       FixType = "code"
	FixTypeDependency FixType = "dependency"
)

// FixCandidate is a proposed change addressing one finding. Code fixes carry
// File/OriginalCode/FixedCode; dependency fixes carry Package and versions.
type FixCandidate struct {
	Type       FixType       `json:"type"`
	FindingRef string        `json:"finding_ref"`
	Scanner    ScannerKind   `json:"scanner"`
	Severity   SeverityLevel `json:"severity"`
	Issue      string        `json:"issue"`
	File       string        `json:"file,omitempty"`
	Line       int           `json:"line,omitempty"`
	Package    string        `json:"package,omitempty"`
	Ecosystem  string        `json:"ecosystem,omitempty"`

	OriginalCode   string `json:"original_code,omitempty"`
	FixedCode      string `json:"fixed_code,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
	FixedVersion   string `json:"fixed_version,omitempty"`

	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Fix generation outcome statuses.
const (
	FixOutcomeGenerated = "generated"
	FixOutcomeSkipped   = "skipped"
	FixOutcomeFailed    = "failed"
)

// FixOutcome records what happened to one finding during fix generation so
// that skipped and failed findings remain visible to the caller.
type FixOutcome struct {
	FindingRef string `json:"finding_ref"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}
