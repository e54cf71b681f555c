// Package notifier implements the chat-notification sink (spec §4.13/§7):
// a fire-and-forget webhook, best-effort, with output truncation and an
// escalation-budget rate limit so a flapping alert can't flood the channel
// with repeated critical pages.
//
// Grounded on internal/daemon/incident_reporter.go's authenticated POST
// idiom (marshal a payload, set a bearer header, fire, log and swallow any
// transport error) generalized from the incidents/resolve pair to a single
// chat message endpoint.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// maxBodyRunes caps how much of an attempt's analysis/output rides along
// in a chat message, matching the context size caps the Planner already
// enforces on the oracle-facing side.
const maxBodyRunes = 2000

// EscalationStore is the subset of internal/store.DB this package needs to
// enforce the escalation budget.
type EscalationStore interface {
	IsEscalationCoolingDown(ctx context.Context, alertName, instance string, ttl time.Duration) (bool, error)
	SetEscalationCooldown(ctx context.Context, alertName, instance string) error
	ClearEscalationCooldown(ctx context.Context, alertName, instance string) error
}

// message matches the generic chat-webhook shape most self-hosted chat
// relays (Mattermost, Rocket.Chat, a Slack-compatible incoming webhook)
// accept: a single text field plus free-form metadata.
type message struct {
	Text     string                 `json:"text"`
	Severity string                 `json:"severity"`
	Source   string                 `json:"source"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Notifier posts best-effort chat notifications about alerts and
// remediation outcomes.
type Notifier struct {
	webhookURL string
	authToken  string
	client     *http.Client
	store      EscalationStore
	cooldown   time.Duration
}

// New builds a Notifier. store may be nil, in which case the escalation
// budget is not enforced (every critical notification goes out) — callers
// that care about rate hygiene should always wire a store.
func New(webhookURL, authToken string, store EscalationStore, cooldown time.Duration) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		authToken:  authToken,
		client:     &http.Client{Timeout: 10 * time.Second},
		store:      store,
		cooldown:   cooldown,
	}
}

// NotifyAlert sends a chat message for a newly actioned alert. Critical
// severity is subject to the escalation budget: at most one critical
// message per (name, instance) within the configured cooldown window.
// Resolution (alert.Status == models.AlertResolved) always clears the
// quota, even if this particular call doesn't emit a message.
func (n *Notifier) NotifyAlert(ctx context.Context, alert *models.Alert, text string) {
	if n == nil || n.webhookURL == "" {
		return
	}
	instance := alert.ResolvedInstance()

	if alert.Status == models.AlertResolved && n.store != nil {
		if err := n.store.ClearEscalationCooldown(ctx, alert.Name, instance); err != nil {
			log.Printf("[notifier] clear escalation cooldown failed for %s/%s: %v", alert.Name, instance, err)
		}
	}

	if alert.Severity == models.SeverityCritical && n.store != nil {
		cooling, err := n.store.IsEscalationCoolingDown(ctx, alert.Name, instance, n.cooldown)
		if err != nil {
			log.Printf("[notifier] escalation cooldown check failed for %s/%s: %v, sending anyway", alert.Name, instance, err)
		} else if cooling {
			log.Printf("[notifier] suppressing critical notification for %s/%s: within escalation cooldown", alert.Name, instance)
			return
		}
	}

	n.send(message{
		Text:     truncate(text, maxBodyRunes),
		Severity: string(alert.Severity),
		Source:   "jarvis",
		Fields: map[string]interface{}{
			"alert":    alert.Name,
			"instance": instance,
			"status":   string(alert.Status),
		},
	})

	if alert.Severity == models.SeverityCritical && n.store != nil {
		if err := n.store.SetEscalationCooldown(ctx, alert.Name, instance); err != nil {
			log.Printf("[notifier] set escalation cooldown failed for %s/%s: %v", alert.Name, instance, err)
		}
	}
}

// NotifyEscalation sends the structured "I gave up" message the error
// taxonomy (§7) requires whenever an attempt is marked escalated: max
// attempts reached, or risk policy prevented any action at all.
func (n *Notifier) NotifyEscalation(ctx context.Context, alert *models.Alert, attempt *models.RemediationAttempt, reason string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("Escalating %s on %s after %d attempt(s): %s",
		alert.Name, alert.ResolvedInstance(), attempt.AttemptIndex+1, reason)
	n.NotifyAlert(ctx, alert, text)
}

// NotifyHostStateChange reports a host monitor transition, per spec §4.3's
// "Host state changes emit a notifier event."
func (n *Notifier) NotifyHostStateChange(host string, from, to models.HostState) {
	if n == nil || n.webhookURL == "" {
		return
	}
	n.send(message{
		Text:     fmt.Sprintf("Host %s changed state: %s -> %s", host, from, to),
		Severity: string(models.SeverityWarning),
		Source:   "jarvis-hostmonitor",
		Fields:   map[string]interface{}{"host": host, "from": string(from), "to": string(to)},
	})
}

// send is the fire-and-forget POST itself: marshal, authenticate, fire,
// log and swallow any failure. Never blocks a remediation path on chat
// being down.
func (n *Notifier) send(msg message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[notifier] marshal error: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("[notifier] request error: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notifier] post failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[notifier] post returned %d", resp.StatusCode)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "... [truncated]"
}
