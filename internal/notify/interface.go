// Package notify sends job outcomes to chat and HTTP endpoints.
package notify

import (
	"context"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Event types.
const (
	EventScanCompleted   = "scan_completed"
	EventScanFailed      = "scan_failed"
	EventCriticalFinding = "critical_finding"
	EventPROpened        = "pr_opened"
)

// Event is one notification.
type Event struct {
	Type     string
	Title    string
	Body     string
	URL      string               // optional deep link (e.g. PR URL)
	Severity models.SeverityLevel // highest severity involved; empty for non-finding events
	RepoURL  string
	ScanID   string
	Score    *models.SecurityScore // set on scan_completed
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
