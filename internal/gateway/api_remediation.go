package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/publisher"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/remediation"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// handleGenerateFixes drafts fixes in a temporary clone. Without scanResults
// the referenced job's findings are used.
func (gw *Gateway) handleGenerateFixes(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scanId")
	var req generateFixesRequest
	if err := gw.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := gw.checkRepoURL(req.RepoURL); err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := gw.remediator.Generate(r.Context(), remediation.GenerateRequest{
		ScanID:   scanID,
		RepoURL:  req.RepoURL,
		Findings: req.ScanResults.Findings,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	fixes := res.Fixes
	if fixes == nil {
		fixes = []models.FixCandidate{}
	}
	outcomes := res.Outcomes
	if outcomes == nil {
		outcomes = []models.FixOutcome{}
	}
	writeJSON(w, http.StatusOK, generateFixesResponse{
		ScanID:         scanID,
		FixesGenerated: len(fixes),
		Fixes:          fixes,
		Outcomes:       outcomes,
	})
}

// handleCreatePR publishes the confident subset of the supplied fixes.
func (gw *Gateway) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scanId")
	var req createPRRequest
	if err := gw.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if len(req.Fixes) == 0 {
		writeError(w, http.StatusBadRequest, "fixes are required")
		return
	}
	if err := gw.checkRepoURL(req.RepoURL); err != nil {
		writeAppError(w, r, err)
		return
	}
	pr, err := gw.remediator.Publish(r.Context(), scanID, req.RepoURL, req.Fixes)
	if errors.Is(err, publisher.ErrNoHighConfidenceFixes) {
		writeJSON(w, http.StatusOK, createPRResponse{
			ScanID:  scanID,
			Message: "No high-confidence fixes to apply",
		})
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createPRResponse{
		ScanID:       scanID,
		PRURL:        pr.URL,
		PRNumber:     pr.Number,
		Branch:       pr.Branch,
		AppliedFixes: pr.AppliedFixes,
		FixErrors:    pr.FixErrors,
		Message:      "Pull request created successfully",
	})
}

// handleRepoInfo reports how a repository URL is interpreted and whether
// fixes could be generated and published for it.
func (gw *Gateway) handleRepoInfo(w http.ResponseWriter, r *http.Request) {
	repoURL := strings.TrimSpace(r.URL.Query().Get("repoUrl"))
	if repoURL == "" {
		writeError(w, http.StatusBadRequest, "Repository URL is required")
		return
	}
	repo, err := repository.ParseRepoURL(repoURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ready := false
	if gw.opts.Resolver != nil {
		if p, err := gw.opts.Resolver.ProviderFor(repo); err == nil && p.AuthToken() != "" {
			ready = true
		}
	}
	writeJSON(w, http.StatusOK, repoInfoResponse{
		Repo:          repo,
		AIEnabled:     gw.remediator.AIEnabled(),
		ProviderReady: ready,
	})
}
