package gateway

import (
	"net/http"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// handleStartScan accepts a scan and returns before any work is done.
func (gw *Gateway) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := gw.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	repoURL := strings.TrimSpace(req.RepoURL)
	if repoURL == "" {
		writeError(w, http.StatusBadRequest, "Repository URL is required")
		return
	}
	if err := gw.checkRepoURL(repoURL); err != nil {
		writeAppError(w, r, err)
		return
	}
	kinds, err := parseScanners(req.ScanTypes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h, err := gw.jobs.Submit(r.Context(), jobs.SubmitRequest{
		RepoURL:  repoURL,
		Scanners: kinds,
		Trigger:  "api",
	})
	if err != nil {
		if err == jobs.ErrClosed {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startScanResponse{
		ScanID:  h.ID(),
		Status:  string(models.JobStarted),
		Message: "Scan initiated successfully",
	})
}

func (gw *Gateway) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := gw.jobs.Get(id)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			writeError(w, http.StatusNotFound, "Scan not found")
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (gw *Gateway) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans := gw.jobs.List()
	if scans == nil {
		scans = []models.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}
