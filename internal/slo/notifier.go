package slo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/logging"
)

// NotificationTarget is one external alert destination.
type NotificationTarget struct {
	Type    string            `json:"type"` // webhook, slack, email
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Notifier routes SLO alerts to external channels (webhook, Slack, email).
// It is the external-collaborator side of alerting: the monitor emits, the
// notifier delivers. Attach it to the bus with Subscribe.
type Notifier struct {
	client  *http.Client
	targets []NotificationTarget
}

// NewNotifier creates a notifier for the given targets.
func NewNotifier(targets []NotificationTarget) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		targets: targets,
	}
}

// Subscribe attaches the notifier to alert events on the bus and returns
// the unsubscribe function.
func (n *Notifier) Subscribe(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.ObserverFunc(func(e eventbus.Event) {
		if e.Type != eventbus.EventSLOAlert {
			return
		}
		alert, ok := e.Field("alert").(Alert)
		if !ok {
			return
		}
		n.SendAlert(context.Background(), alert)
	}))
}

// SendAlert dispatches one alert to every configured target. Deliveries run
// in the background; failures are logged, never propagated.
func (n *Notifier) SendAlert(ctx context.Context, alert Alert) {
	for _, target := range n.targets {
		kind := strings.ToLower(strings.TrimSpace(target.Type))
		switch kind {
		case "webhook":
			go n.sendWebhook(ctx, target, alert)
		case "slack":
			go n.sendSlack(ctx, target, alert)
		case "email":
			go n.sendEmail(ctx, target, alert)
		}
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, target NotificationTarget, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		logging.Op().Warn("slo notifier: marshal webhook payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", target.URL, bytes.NewReader(body))
	if err != nil {
		logging.Op().Warn("slo notifier: create webhook request", "url", target.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logging.Op().Warn("slo notifier: webhook delivery failed", "url", target.URL, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		logging.Op().Warn("slo notifier: webhook returned error", "url", target.URL, "status", resp.StatusCode)
		return
	}
	logging.Op().Debug("slo notifier: webhook delivered", "url", target.URL, "slo", alert.SLO)
}

func (n *Notifier) sendSlack(ctx context.Context, target NotificationTarget, alert Alert) {
	title := fmt.Sprintf(":rotating_light: SLO alert: %s", alert.SLO)
	text := fmt.Sprintf(
		"SLI: %.3f | Target: %.3f | Alert threshold: %.3f",
		alert.CurrentSLI, alert.Target, alert.AlertThreshold,
	)

	slackPayload := map[string]interface{}{
		"text": title,
		"attachments": []map[string]interface{}{
			{
				"color": "#ff0000",
				"text":  text,
				"ts":    alert.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(slackPayload)
	if err != nil {
		logging.Op().Warn("slo notifier: marshal slack payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", target.URL, bytes.NewReader(body))
	if err != nil {
		logging.Op().Warn("slo notifier: create slack request", "url", target.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logging.Op().Warn("slo notifier: slack delivery failed", "url", target.URL, "error", err)
		return
	}
	resp.Body.Close()
	logging.Op().Debug("slo notifier: slack delivered", "slo", alert.SLO)
}

func (n *Notifier) sendEmail(ctx context.Context, target NotificationTarget, alert Alert) {
	// Email delivery is a placeholder; production deployments integrate an
	// SMTP gateway or transactional email service behind this hook.
	logging.Op().Info("slo notifier: email alert (placeholder)",
		"to", target.URL,
		"slo", alert.SLO,
		"current_sli", alert.CurrentSLI,
	)
}
