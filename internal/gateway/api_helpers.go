package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// checkRepoURL refuses repositories on the gateway's own filesystem unless
// the operator opted in.
func (gw *Gateway) checkRepoURL(repoURL string) error {
	if !gw.opts.AllowLocalRepos && repository.IsLocal(repoURL) {
		return apperr.Errorf(apperr.Validation, "local repository paths are not accepted over the API")
	}
	return nil
}

// writeAppError maps an error kind to its HTTP status. Unclassified errors
// are logged and reported as 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("gateway: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Signature:
		return http.StatusUnauthorized
	case apperr.Config:
		return http.StatusServiceUnavailable
	case apperr.ExternalService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a size-limited JSON body into dst. An empty body leaves
// dst untouched.
func (gw *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, gw.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Errorf(apperr.Validation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Errorf(apperr.Validation, "invalid JSON body: %v", err)
	}
	return nil
}

// readBody reads a size-limited raw body.
func (gw *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, gw.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Errorf(apperr.Validation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// parseScanners validates user-supplied scanner names. Nil or empty input
// yields nil so the registry applies its defaults.
func parseScanners(raw []string) ([]models.ScannerKind, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]models.ScannerKind, 0, len(raw))
	for _, name := range raw {
		k, err := models.ParseScannerKind(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, apperr.E(apperr.Validation, "scanTypes", err)
		}
		out = append(out, k)
	}
	return out, nil
}
