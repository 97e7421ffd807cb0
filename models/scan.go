package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a ScanJob.
type JobStatus string

const (
	JobStarted   JobStatus = "started"
	JobCloning   JobStatus = "cloning"
	JobScanning  JobStatus = "scanning"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStarted:  {JobCloning},
	JobCloning:  {JobScanning, JobFailed},
	JobScanning: {JobCompleted, JobFailed},
}

// ValidateTransition checks that moving from s to next follows the job state
// graph: started → cloning → scanning → completed, with failed reachable from
// cloning and scanning. Terminal states have no outgoing edges.
func (s JobStatus) ValidateTransition(next JobStatus) error {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("invalid job status transition from %s to %s", s, next)
}

// ScanJob is one end-to-end scan request and its evolving state. Values handed
// out by the registry are snapshots; mutating them has no effect on the job.
type ScanJob struct {
	ID            string                         `json:"id"`
	RepoURL       string                         `json:"repo_url"`
	Scanners      []ScannerKind                  `json:"scanners"`
	Trigger       string                         `json:"trigger,omitempty"`
	Status        JobStatus                      `json:"status"`
	Progress      int                            `json:"progress"`
	Results       map[ScannerKind]*ScannerResult `json:"results,omitempty"`
	Score         *SecurityScore                 `json:"score,omitempty"`
	Commit        string                         `json:"commit,omitempty"`
	Branch        string                         `json:"branch,omitempty"`
	WorkspacePath string                         `json:"workspace_path,omitempty"`
	StartedAt     time.Time                      `json:"started_at"`
	EndedAt       *time.Time                     `json:"ended_at,omitempty"`
	Error         string                         `json:"error,omitempty"`
}

// Findings flattens every scanner slot into a single finding list.
func (j ScanJob) Findings() []Finding {
	var out []Finding
	for _, k := range j.Scanners {
		if r := j.Results[k]; r != nil {
			out = append(out, r.Findings...)
		}
	}
	return out
}

// FindingsByScanner returns the per-scanner findings of the job's successful
// scanner slots.
func (j ScanJob) FindingsByScanner() map[ScannerKind][]Finding {
	out := make(map[ScannerKind][]Finding, len(j.Results))
	for k, r := range j.Results {
		if r != nil {
			out[k] = r.Findings
		}
	}
	return out
}

// Clone returns a deep copy of j.
func (j ScanJob) Clone() ScanJob {
	c := j
	c.Scanners = append([]ScannerKind(nil), j.Scanners...)
	if j.Results != nil {
		c.Results = make(map[ScannerKind]*ScannerResult, len(j.Results))
		for k, r := range j.Results {
			if r == nil {
				continue
			}
			rc := *r
			rc.Findings = append([]Finding(nil), r.Findings...)
			c.Results[k] = &rc
		}
	}
	if j.Score != nil {
		s := *j.Score
		c.Score = &s
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return c
}

// Summary returns the list view of j.
func (j ScanJob) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		RepoURL:   j.RepoURL,
		Status:    j.Status,
		Progress:  j.Progress,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
	}
}

// Scanner slot statuses.
const (
	ScannerStatusCompleted = "completed"
	ScannerStatusFailed    = "failed"
)

// ScannerResult is one scanner's slot inside a job. Findings is populated
// when Status is completed; Error when it is failed.
type ScannerResult struct {
	Scanner    ScannerKind  `json:"scanner"`
	Class      ScannerClass `json:"class"`
	Status     string       `json:"status"`
	Findings   []Finding    `json:"findings"`
	ExitCode   int          `json:"exit_code"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// JobSummary is the list view of a ScanJob.
type JobSummary struct {
	ID        string     `json:"id"`
	RepoURL   string     `json:"repo_url"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// SecurityScore is derived from a finding set.
type SecurityScore struct {
	Score       int    `json:"score"`
	Grade       string `json:"grade"`
	TotalIssues int    `json:"total_issues"`
}
