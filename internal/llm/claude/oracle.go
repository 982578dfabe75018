// Package claude implements risk.Oracle on top of the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const maxTokens = 512

// messenger is the slice of the SDK client the oracle uses.
type messenger interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Oracle asks Claude for a confidence and urgency assessment of a trigger.
type Oracle struct {
	msgs  messenger
	model string
}

var _ risk.Oracle = (*Oracle)(nil)

// New creates an Oracle for apiKey and model. Timeouts come from the ctx
// passed to Assess, so the SDK's own retries are disabled.
func New(apiKey, model string) *Oracle {
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &Oracle{msgs: &client.Messages, model: model}
}

// Assess implements risk.Oracle.
func (o *Oracle) Assess(ctx context.Context, req *risk.OracleRequest) (*risk.Verdict, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}

	msg, err := o.msgs.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(o.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	v, err := parseVerdict(responseText(msg))
	if err != nil {
		return nil, err
	}
	v.Model = string(msg.Model)
	if v.Model == "" {
		v.Model = o.model
	}
	return v, nil
}

const systemPrompt = `You assess operational, security, compliance and strategic signals for an enterprise risk register.
Given one trigger and a heuristic estimate, judge how likely the trigger reflects a real risk and how urgently it needs attention.
Respond with a single JSON object and nothing else:
{"confidence": <number between 0 and 1>, "urgency": "low"|"medium"|"high"|"critical", "reasoning": "<one or two sentences>"}`

type promptTrigger struct {
	Category    string          `json:"category"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	ServiceIDs  []string        `json:"service_ids,omitempty"`
	AssetID     string          `json:"asset_id,omitempty"`
	Source      string          `json:"source,omitempty"`
	Fields      json.RawMessage `json:"fields,omitempty"`
}

type promptExisting struct {
	State        risk.State   `json:"state"`
	Confidence   float64      `json:"confidence"`
	Urgency      risk.Urgency `json:"urgency"`
	TriggerCount int          `json:"trigger_count"`
}

func buildPrompt(req *risk.OracleRequest) (string, error) {
	if req == nil || req.Trigger == nil {
		return "", errors.New("oracle request without trigger")
	}
	t := req.Trigger
	in := struct {
		Trigger   promptTrigger   `json:"trigger"`
		Heuristic *risk.Estimate  `json:"heuristic_estimate,omitempty"`
		Existing  *promptExisting `json:"existing_risk,omitempty"`
	}{
		Trigger: promptTrigger{
			Category:    string(t.Category),
			Type:        t.Type,
			Title:       t.Title,
			Description: t.Description,
			ServiceIDs:  t.ServiceIDs,
			AssetID:     t.AssetID,
			Source:      t.Source,
		},
		Heuristic: req.Heuristic,
	}
	if json.Valid(t.Raw) {
		in.Trigger.Fields = t.Raw
	}
	if e := req.Existing; e != nil {
		in.Existing = &promptExisting{State: e.State, Confidence: e.Confidence, Urgency: e.Urgency, TriggerCount: e.TriggerCount}
	}
	b, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	return "Assess this trigger:\n" + string(b), nil
}

func responseText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseVerdict extracts the JSON object from text, tolerating code fences
// and surrounding prose.
func parseVerdict(text string) (*risk.Verdict, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model response %q", truncate(text, 120))
	}
	var out struct {
		Confidence *float64 `json:"confidence"`
		Urgency    string   `json:"urgency"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode model verdict: %w", err)
	}
	if out.Confidence == nil {
		return nil, errors.New("model verdict has no confidence")
	}
	return &risk.Verdict{
		Confidence: *out.Confidence,
		Urgency:    risk.Urgency(strings.ToLower(strings.TrimSpace(out.Urgency))),
		Reasoning:  strings.TrimSpace(out.Reasoning),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
