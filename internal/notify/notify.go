// Package notify implements the Notifier/HookRunner from spec.md §5.2
// (M2): fan-out delivery of terminal-state events to Email, Webhook,
// Discord and Slack targets. It is grounded on
// original_source/daemon/src/notifier.rs's Notifier.notify/send_* methods
// (translated from async Rust to a synchronous per-target dispatch), and
// its shared HTTP client is grounded on
// spcent-plumego/net/webhookout/client.go's NewHTTPClient.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/model"
)

// Event names, matching the Rust notifier's event strings.
const (
	EventSuccess = "success"
	EventFailure = "failure"
	EventStart   = "start"
)

// Notifier fans a terminal-state event out to every configured target.
type Notifier struct {
	client *http.Client
}

// New builds a Notifier with a shared, connection-pooled HTTP client,
// grounded on webhookout.NewHTTPClient.
func New() *Notifier {
	return &Notifier{client: newHTTPClient(10 * time.Second)}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Notify delivers event/message to every target, logging (not failing)
// individual delivery errors, matching notify's "log and continue" loop.
func (n *Notifier) Notify(ctx context.Context, job model.Job, event, message string, targets []model.NotificationTarget) {
	for _, target := range targets {
		if err := n.send(ctx, job, event, message, target); err != nil {
			log.WithFields(log.Fields{
				"job": job.Name, "channel": target.Channel, "error": err,
			}).Error("failed to send notification")
		}
	}
}

func (n *Notifier) send(ctx context.Context, job model.Job, event, message string, target model.NotificationTarget) error {
	switch target.Channel {
	case "email":
		return n.sendEmail(job, event, message, target.Address)
	case "webhook":
		return n.sendWebhook(ctx, job, event, message, target.Address)
	case "discord":
		return n.sendDiscord(ctx, job, event, message, target.Address)
	case "slack":
		return n.sendSlack(ctx, job, event, message, target.Address)
	default:
		return fmt.Errorf("notify: unknown channel %q", target.Channel)
	}
}

// sendEmail only attempts delivery when SMTP credentials are configured
// in the environment, matching send_email's "skip if unconfigured" guard.
func (n *Notifier) sendEmail(job model.Job, event, message, to string) error {
	server := os.Getenv("LUNASCHED_SMTP_SERVER")
	username := os.Getenv("LUNASCHED_SMTP_USERNAME")
	password := os.Getenv("LUNASCHED_SMTP_PASSWORD")
	if server == "" || username == "" || password == "" {
		log.Warn("SMTP not configured, skipping email notification")
		return nil
	}
	from := os.Getenv("LUNASCHED_EMAIL_FROM")
	if from == "" {
		from = "lunasched@localhost"
	}

	subject := fmt.Sprintf("Lunasched: Job %s - %s", job.Name, event)
	body := fmt.Sprintf("Job: %s\nEvent: %s\nSchedule: %s\n\n%s", job.Name, event, job.Schedule, message)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)

	auth := smtp.PlainAuth("", username, password, server)
	return smtp.SendMail(server+":587", auth, from, []string{to}, []byte(msg))
}

func (n *Notifier) sendWebhook(ctx context.Context, job model.Job, event, message, url string) error {
	payload := map[string]any{
		"job_name":  job.Name,
		"event":     event,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return n.postJSON(ctx, url, payload)
}

var discordColors = map[string]int{EventSuccess: 0x00ff00, EventFailure: 0xff0000, EventStart: 0x0000ff}

func (n *Notifier) sendDiscord(ctx context.Context, job model.Job, event, message, webhookURL string) error {
	color, ok := discordColors[event]
	if !ok {
		color = 0x808080
	}
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("Job %s - %s", job.Name, event),
			"description": message,
			"color":       color,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	return n.postJSON(ctx, webhookURL, payload)
}

var slackEmoji = map[string]string{EventSuccess: ":white_check_mark:", EventFailure: ":x:", EventStart: ":rocket:"}

func (n *Notifier) sendSlack(ctx context.Context, job model.Job, event, message, webhookURL string) error {
	emoji, ok := slackEmoji[event]
	if !ok {
		emoji = ":grey_question:"
	}
	payload := map[string]any{
		"text": fmt.Sprintf("%s Job %s - %s", emoji, job.Name, event),
		"blocks": []map[string]any{{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Job:* %s\n*Event:* %s\n\n%s", job.Name, event, message),
			},
		}},
	}
	return n.postJSON(ctx, webhookURL, payload)
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s responded with status %d", url, resp.StatusCode)
	}
	return nil
}
