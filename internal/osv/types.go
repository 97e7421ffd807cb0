package osv

// PackageQuery is a single entry in a batch query request.
type PackageQuery struct {
	Package PackageID `json:"package"`
	Version string    `json:"version,omitempty"`
}

// PackageID identifies a package in the OSV ecosystem.
type PackageID struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

// BatchQueryRequest is the body for POST /v1/querybatch.
type BatchQueryRequest struct {
	Queries []PackageQuery `json:"queries"`
}

// BatchQueryResponse is the response from POST /v1/querybatch.
type BatchQueryResponse struct {
	Results []QueryResult `json:"results"`
}

// QueryResult is the result for a single package query.
type QueryResult struct {
	Vulns []Vuln `json:"vulns"`
}

// Vuln represents a single OSV vulnerability record.
type Vuln struct {
	ID       string     `json:"id"`      // e.g. "GHSA-xxxx-yyyy-zzzz" or "GO-2023-1234"
	Aliases  []string   `json:"aliases"` // e.g. ["CVE-2021-23337"]
	Affected []Affected `json:"affected"`
	Modified string     `json:"modified"` // RFC3339
}

// Affected describes which package versions are affected.
type Affected struct {
	Package PackageID       `json:"package"`
	Ranges  []AffectedRange `json:"ranges"`
}

// AffectedRange describes a version range that is affected.
type AffectedRange struct {
	Type   string       `json:"type"` // "SEMVER", "ECOSYSTEM", "GIT"
	Events []RangeEvent `json:"events"`
}

// RangeEvent marks the start/end of an affected range.
type RangeEvent struct {
	Introduced string `json:"introduced,omitempty"`
	Fixed      string `json:"fixed,omitempty"`
}
