package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// buildHandler registers all REST and SSE routes on a new ServeMux.
// Go 1.22+ method+path patterns are used ("GET /path/{id}").
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	// Root/help
	mux.HandleFunc("GET /{$}", gw.handleRoot)

	// Health / status
	mux.HandleFunc("GET /health", gw.handleHealth)

	// Scan jobs
	mux.HandleFunc("POST /scan/start", gw.handleStartScan)
	mux.HandleFunc("GET /scan/status/{id}", gw.handleScanStatus)
	mux.HandleFunc("GET /scan/list", gw.handleListScans)

	// Fix generation and publication
	mux.HandleFunc("POST /autofix/generate/{scanId}", gw.handleGenerateFixes)
	mux.HandleFunc("POST /autofix/create-pr/{scanId}", gw.handleCreatePR)
	mux.HandleFunc("GET /autofix/repo-info", gw.handleRepoInfo)

	// Hosting platform webhooks
	mux.HandleFunc("POST /webhook/{platform}", gw.handleWebhook)

	// Schedules
	mux.HandleFunc("GET /schedules", gw.handleListSchedules)
	mux.HandleFunc("POST /schedules/{name}/trigger", gw.handleTriggerSchedule)

	// SSE event stream
	mux.HandleFunc("GET /events", gw.handleEvents)

	if gw.opts.Metrics != nil {
		mux.Handle("GET /metrics", gw.opts.Metrics)
	}
	return mux
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.health.computeStatus())
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"GET /health",
		"POST /scan/start",
		"GET /scan/status/{id}",
		"GET /scan/list",
		"POST /autofix/generate/{scanId}",
		"POST /autofix/create-pr/{scanId}",
		"GET /autofix/repo-info",
		"POST /webhook/{platform}",
		"GET /schedules",
		"POST /schedules/{name}/trigger",
		"GET /events",
	}
	if gw.opts.Metrics != nil {
		endpoints = append(endpoints, "GET /metrics")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "ctrlscan orchestrator",
		"status":    "running",
		"endpoints": endpoints,
	})
}

// handleWebhook passes the raw body to the dispatcher, which needs the exact
// bytes for signature verification.
func (gw *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := gw.readBody(w, r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	resp, err := gw.webhooks.Handle(r.Context(), r.PathValue("platform"), r.Header, body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams job and gateway events as Server-Sent Events until the
// client disconnects or the server shuts down.
func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	connected, _ := json.Marshal(SSEEvent{Type: "connected", Payload: gw.health.computeStatus()})
	// nosemgrep: go.lang.security.audit.xss.no-fprintf-to-responsewriter.no-fprintf-to-responsewriter
	fmt.Fprintf(w, "data: %s\n\n", connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			// nosemgrep: go.lang.security.audit.xss.no-direct-write-to-responsewriter.no-direct-write-to-responsewriter
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
