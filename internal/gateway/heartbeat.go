package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	heartbeatCheckInterval = 30 * time.Second
	// stuckThreshold is how long a job may stay non-terminal before it is
	// reported as stuck. The registry's job timeout normally ends it first.
	stuckThreshold = 45 * time.Minute
)

// HealthMonitor periodically derives the gateway's health from the job
// registry. It broadcasts a "gateway.health" SSE event whenever the status
// changes, and exposes computeStatus() for GET /health.
type HealthMonitor struct {
	gw  *Gateway
	now func() time.Time

	mu         sync.Mutex
	lastStatus string // tracks previous status to suppress no-change broadcasts
}

func newHealthMonitor(gw *Gateway) *HealthMonitor {
	return &HealthMonitor{gw: gw, now: time.Now}
}

// run is the background goroutine. It checks health every
// heartbeatCheckInterval until ctx ends.
func (h *HealthMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evaluate()
		}
	}
}

// evaluate computes current health and broadcasts on change.
func (h *HealthMonitor) evaluate() {
	hs := h.computeStatus()
	h.mu.Lock()
	changed := hs.Status != h.lastStatus
	h.lastStatus = hs.Status
	h.mu.Unlock()
	if changed {
		h.gw.broadcaster.send(SSEEvent{Type: "gateway.health", Payload: hs})
		slog.Info("gateway: health changed", "status", hs.Status, "message", hs.Message)
	}
}

// computeStatus is safe to call from any goroutine.
func (h *HealthMonitor) computeStatus() HealthStatus {
	now := h.now()
	var inFlight, stuck int
	for _, j := range h.gw.jobs.List() {
		if j.Status.IsTerminal() {
			continue
		}
		inFlight++
		if now.Sub(j.StartedAt) > stuckThreshold {
			stuck++
		}
	}

	hs := HealthStatus{
		Status:        "ok",
		JobsInFlight:  inFlight,
		StuckJobs:     stuck,
		Subscribers:   h.gw.broadcaster.subscribers(),
		AIEnabled:     h.gw.remediator.AIEnabled(),
		UptimeSeconds: int64(h.gw.uptime().Seconds()),
	}
	switch {
	case stuck > 0:
		hs.Status = "degraded"
		hs.Message = fmt.Sprintf("%d job(s) running for more than %s.", stuck, stuckThreshold)
	case inFlight > 0:
		hs.Message = fmt.Sprintf("%d job(s) in progress.", inFlight)
	default:
		hs.Message = "Idle, waiting for scan requests."
	}
	return hs
}
