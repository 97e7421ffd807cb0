package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type startScanRequest struct {
	RepoURL   string   `json:"repoUrl"`
	ScanTypes []string `json:"scanTypes"`
}

type startScanResponse struct {
	ScanID  string `json:"scanId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type generateFixesRequest struct {
	RepoURL     string      `json:"repoUrl"`
	ScanResults scanResults `json:"scanResults"`
}

type generateFixesResponse struct {
	ScanID         string                `json:"scanId"`
	FixesGenerated int                   `json:"fixesGenerated"`
	Fixes          []models.FixCandidate `json:"fixes"`
	Outcomes       []models.FixOutcome   `json:"outcomes"`
}

// scanResults accepts either a bare finding array or an object carrying a
// "findings" array. A missing or null value leaves Findings nil so the job's
// own findings are used.
type scanResults struct {
	Findings []models.Finding
}

func (s *scanResults) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var list []models.Finding
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("scanResults: %w", err)
		}
		s.Findings = nonNilFindings(list)
		return nil
	}
	var wrapped struct {
		Findings []models.Finding `json:"findings"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("scanResults: %w", err)
	}
	s.Findings = nonNilFindings(wrapped.Findings)
	return nil
}

// nonNilFindings keeps an explicit empty list distinct from "not supplied".
func nonNilFindings(in []models.Finding) []models.Finding {
	if in == nil {
		return []models.Finding{}
	}
	return in
}

type createPRRequest struct {
	RepoURL string                `json:"repoUrl"`
	Fixes   []models.FixCandidate `json:"fixes"`
}

type createPRResponse struct {
	ScanID       string                 `json:"scanId"`
	PRURL        string                 `json:"prUrl,omitempty"`
	PRNumber     int                    `json:"prNumber,omitempty"`
	Branch       string                 `json:"branch,omitempty"`
	AppliedFixes int                    `json:"appliedFixes"`
	FixErrors    []models.FixApplyError `json:"fixErrors,omitempty"`
	Message      string                 `json:"message"`
}

type repoInfoResponse struct {
	Repo          models.Repo `json:"repo"`
	AIEnabled     bool        `json:"aiEnabled"`
	ProviderReady bool        `json:"providerReady"`
}

// ScheduleStatus is the API view of one configured schedule.
type ScheduleStatus struct {
	Name      string   `json:"name"`
	Expr      string   `json:"expr"`
	Repos     []string `json:"repos"`
	Scanners  []string `json:"scanners,omitempty"`
	NextRunAt string   `json:"next_run_at,omitempty"`
	LastRunAt string   `json:"last_run_at,omitempty"`
}

// HealthStatus is reported by GET /health and the "gateway.health" event.
type HealthStatus struct {
	Status        string `json:"status"`
	JobsInFlight  int    `json:"jobs_in_flight"`
	StuckJobs     int    `json:"stuck_jobs"`
	Subscribers   int    `json:"sse_subscribers"`
	AIEnabled     bool   `json:"ai_enabled"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Message       string `json:"message"`
}
