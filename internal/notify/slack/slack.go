// Package slack sends risk event notifications to Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

const (
	maxReasonLen = 2000
	httpTimeout  = 10 * time.Second
)

// Notifier posts risk events to a Slack webhook. It implements risk.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	// minUrgency drops risk_updated events below this urgency.
	minUrgency risk.Urgency
}

var _ risk.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		minUrgency: risk.UrgencyHigh,
	}
}

// WithMinUpdateUrgency sets the urgency below which plain score updates are
// not posted. Creations, state changes and escalations are always posted.
func (n *Notifier) WithMinUpdateUrgency(u risk.Urgency) *Notifier {
	n.minUrgency = u
	return n
}

// Notify implements risk.Notifier.
func (n *Notifier) Notify(ctx context.Context, ev risk.Event) error {
	if n.webhookURL == "" {
		return nil
	}
	if ev.Kind == risk.EventRiskUpdated && ev.Urgency.Rank() < n.minUrgency.Rank() {
		return nil
	}

	msg := buildMessage(ev)
	//nolint:gosec // G107: webhookURL is from trusted config, not user input
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "slack notification sent", "kind", ev.Kind, "risk_id", ev.RiskID)
	return nil
}

func buildMessage(ev risk.Event) *slack.WebhookMessage {
	blocks := []slack.Block{
		headerBlock(ev),
		slack.NewDividerBlock(),
		fieldsBlock(ev),
	}
	if ev.Reason != "" {
		blocks = append(blocks, slack.NewDividerBlock(), reasonBlock(ev))
	}
	blocks = append(blocks, slack.NewDividerBlock(), contextBlock(ev))

	return &slack.WebhookMessage{
		Text:   headline(ev),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func headline(ev risk.Event) string {
	var what string
	switch ev.Kind {
	case risk.EventRiskCreated:
		what = "New risk"
	case risk.EventRiskUpdated:
		what = "Risk updated"
	case risk.EventRiskStateChanged:
		what = fmt.Sprintf("Risk %s", ev.State)
	case risk.EventValidationEscalated:
		what = "Review escalated"
	default:
		what = string(ev.Kind)
	}
	return fmt.Sprintf("%s %s: %s", urgencyEmoji(ev.Urgency), what, ev.Title)
}

func headerBlock(ev risk.Event) *slack.HeaderBlock {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(headline(ev), 150), true, false))
}

func mrkdwn(format string, args ...any) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
}

func fieldsBlock(ev risk.Event) *slack.SectionBlock {
	state := string(ev.State)
	if ev.PrevState != "" && ev.PrevState != ev.State {
		state = fmt.Sprintf("%s → %s", ev.PrevState, ev.State)
	}
	urgency := string(ev.Urgency)
	if ev.PrevUrgency != "" && ev.PrevUrgency != ev.Urgency {
		urgency = fmt.Sprintf("%s → %s", ev.PrevUrgency, ev.Urgency)
	}

	fields := []*slack.TextBlockObject{
		mrkdwn("*State:* %s", state),
		mrkdwn("*Urgency:* %s", urgency),
		mrkdwn("*Confidence:* %.2f", ev.Confidence),
		mrkdwn("*Score:* %.2f", ev.Score),
		mrkdwn("*Category:* %s", ev.Category),
	}
	switch {
	case len(ev.ServiceIDs) > 1:
		fields = append(fields, mrkdwn("*Services:* %s", strings.Join(ev.ServiceIDs, ", ")))
	case ev.ServiceID != "":
		fields = append(fields, mrkdwn("*Service:* %s", ev.ServiceID))
	}
	if ev.AssignedTo != "" {
		fields = append(fields, mrkdwn("*Reviewer:* %s", ev.AssignedTo))
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func reasonBlock(ev risk.Event) *slack.SectionBlock {
	return slack.NewSectionBlock(mrkdwn("*Reason*\n\n%s", truncate(ev.Reason, maxReasonLen)), nil, nil)
}

func contextBlock(ev risk.Event) *slack.ContextBlock {
	ref := "risk " + ev.RiskID
	if ev.ValidationID != "" {
		ref += " • validation " + ev.ValidationID
	}
	text := fmt.Sprintf("riskwatch • %s • %s", ref, ev.At.UTC().Format("2006-01-02 15:04 UTC"))
	return slack.NewContextBlock("", mrkdwn("%s", text))
}

func urgencyEmoji(u risk.Urgency) string {
	switch u {
	case risk.UrgencyCritical:
		return "\U0001f534" // red circle
	case risk.UrgencyHigh:
		return "\U0001f7e0" // orange circle
	case risk.UrgencyMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
