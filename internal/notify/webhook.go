package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when a secret is set,
// in the same format GitHub uses for X-Hub-Signature-256.
const SignatureHeader = "X-Ctrlscan-Signature-256"

// WebhookChannel POSTs events as JSON to an operator endpoint.
type WebhookChannel struct {
	cfg    config.WebhookNotifyConfig
	client *http.Client
}

// NewWebhook creates a WebhookChannel from cfg.
func NewWebhook(cfg config.WebhookNotifyConfig) *WebhookChannel {
	return &WebhookChannel{cfg: cfg, client: newHTTPClient()}
}

type webhookPayload struct {
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	Severity  models.SeverityLevel `json:"severity,omitempty"`
	Repo      string               `json:"repo,omitempty"`
	ScanID    string               `json:"scan_id,omitempty"`
	URL       string               `json:"url,omitempty"`
	Score     *int                 `json:"score,omitempty"`
	Grade     string               `json:"grade,omitempty"`
	Timestamp string               `json:"ts"`
}

func (w *WebhookChannel) Name() string       { return "webhook" }
func (w *WebhookChannel) IsConfigured() bool { return w.cfg.URL != "" }

func (w *WebhookChannel) Send(ctx context.Context, evt Event) error {
	p := webhookPayload{
		Type:      evt.Type,
		Title:     evt.Title,
		Body:      evt.Body,
		Severity:  evt.Severity,
		Repo:      evt.RepoURL,
		ScanID:    evt.ScanID,
		URL:       evt.URL,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if evt.Score != nil {
		p.Score = &evt.Score.Score
		p.Grade = evt.Score.Grade
	}
	var sign func(http.Header, []byte)
	if w.cfg.Secret != "" {
		sign = func(h http.Header, body []byte) {
			h.Set(SignatureHeader, Sign(w.cfg.Secret, body))
		}
	}
	return postJSON(ctx, w.client, w.Name(), w.cfg.URL, p, sign)
}

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
