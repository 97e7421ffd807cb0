package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// SlackChannel posts events to a Slack incoming webhook as a single
// colour-coded attachment.
type SlackChannel struct {
	cfg    config.SlackNotifyConfig
	client *http.Client
}

// NewSlack creates a SlackChannel from cfg.
func NewSlack(cfg config.SlackNotifyConfig) *SlackChannel {
	return &SlackChannel{cfg: cfg, client: newHTTPClient()}
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *SlackChannel) Name() string       { return "slack" }
func (s *SlackChannel) IsConfigured() bool { return s.cfg.WebhookURL != "" }

func (s *SlackChannel) Send(ctx context.Context, evt Event) error {
	att := slackAttachment{
		Color:     severityColor(evt.Severity),
		Title:     evt.Title,
		TitleLink: evt.URL,
		Text:      evt.Body,
		Footer:    "ctrlscan orchestrator",
		Timestamp: time.Now().Unix(),
	}
	if evt.RepoURL != "" {
		att.Fields = append(att.Fields, slackField{Title: "Repository", Value: repoLabel(evt.RepoURL), Short: true})
	}
	if evt.ScanID != "" {
		att.Fields = append(att.Fields, slackField{Title: "Scan", Value: evt.ScanID, Short: true})
	}
	if evt.Score != nil {
		att.Fields = append(att.Fields, slackField{
			Title: "Score",
			Value: fmt.Sprintf("%d/100 (%s)", evt.Score.Score, evt.Score.Grade),
			Short: true,
		})
	}
	msg := slackMessage{Text: evt.Title, Attachments: []slackAttachment{att}}
	return postJSON(ctx, s.client, s.Name(), s.cfg.WebhookURL, msg, nil)
}

func severityColor(sev models.SeverityLevel) string {
	switch sev {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FF6600"
	case models.SeverityMedium:
		return "#FFAA00"
	case models.SeverityLow:
		return "#0099FF"
	default:
		return "#888888"
	}
}
