package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

func escalation() risk.Event {
	return risk.Event{
		ID:           "01JN123",
		Kind:         risk.EventValidationEscalated,
		RiskID:       "01JRISK",
		ValidationID: "01JVAL",
		Title:        "SOC2 CC6.1 control gap",
		Category:     "compliance",
		ServiceID:    "ledger",
		State:        risk.StateDraft,
		Urgency:      risk.UrgencyHigh,
		PrevUrgency:  risk.UrgencyMedium,
		Confidence:   0.48,
		Score:        3.6,
		AssignedTo:   "bob",
		Reason:       "review overdue",
		At:           time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), escalation()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, reason, divider, context
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Review escalated") || !strings.Contains(headerText, "SOC2 CC6.1") {
		t.Errorf("header text = %q", headerText)
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	var texts []string
	for _, f := range fields {
		texts = append(texts, f.(map[string]any)["text"].(string))
	}
	joined := strings.Join(texts, "\n")
	for _, want := range []string{"medium → high", "*Reviewer:* bob", "*Service:* ledger"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields missing %q:\n%s", want, joined)
		}
	}

	ctxBlock := blocks[6].(map[string]any)
	elem := ctxBlock["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(elem, "validation 01JVAL") || !strings.Contains(elem, "2026-03-04 10:00 UTC") {
		t.Errorf("context = %q", elem)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), escalation()); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_FiltersLowUrgencyUpdates(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	ctx := context.Background()

	ev := escalation()
	ev.Kind = risk.EventRiskUpdated
	ev.Urgency = risk.UrgencyMedium
	if err := n.Notify(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if posts.Load() != 0 {
		t.Fatal("medium update should be filtered")
	}

	ev.Kind = risk.EventRiskCreated
	if err := n.Notify(ctx, ev); err != nil {
		t.Fatal(err)
	}
	n.WithMinUpdateUrgency(risk.UrgencyLow)
	ev.Kind = risk.EventRiskUpdated
	if err := n.Notify(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := posts.Load(); got != 2 {
		t.Errorf("posts = %d, want 2", got)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), escalation())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestBuildMessage_OmitsEmptyReason(t *testing.T) {
	t.Parallel()

	ev := escalation()
	ev.Kind = risk.EventRiskCreated
	ev.Reason = ""
	msg := buildMessage(ev)
	// header, divider, fields, divider, context
	if got := len(msg.Blocks.BlockSet); got != 5 {
		t.Errorf("blocks = %d, want 5", got)
	}
	if !strings.Contains(msg.Text, "New risk") {
		t.Errorf("fallback text = %q", msg.Text)
	}
}

func TestHeadline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  risk.EventKind
		state risk.State
		want  string
	}{
		{risk.EventRiskCreated, risk.StateActive, "New risk"},
		{risk.EventRiskUpdated, risk.StateActive, "Risk updated"},
		{risk.EventRiskStateChanged, risk.StateRetired, "Risk retired"},
		{risk.EventValidationEscalated, risk.StateDraft, "Review escalated"},
	}
	for _, tt := range tests {
		ev := escalation()
		ev.Kind, ev.State = tt.kind, tt.state
		if got := headline(ev); !strings.Contains(got, tt.want) {
			t.Errorf("headline(%s) = %q, want to contain %q", tt.kind, got, tt.want)
		}
	}
}

func TestUrgencyEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		u    risk.Urgency
		want string
	}{
		{risk.UrgencyCritical, "\U0001f534"},
		{risk.UrgencyHigh, "\U0001f7e0"},
		{risk.UrgencyMedium, "\U0001f7e1"},
		{risk.UrgencyLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}
	for _, tt := range tests {
		if got := urgencyEmoji(tt.u); got != tt.want {
			t.Errorf("urgencyEmoji(%q) = %q, want %q", tt.u, got, tt.want)
		}
	}
}

func FuzzBuildMessage(f *testing.F) {
	f.Add("SQL injection", "critical", "exploit public")
	f.Add("", "", "")
	f.Add("<@U123> mention", "soon", "*bold* _italic_ ~strike~")
	f.Add(strings.Repeat("A", 5000), "low", strings.Repeat("x", 10000))

	f.Fuzz(func(t *testing.T, title, urgency, reason string) {
		ev := escalation()
		ev.Title, ev.Urgency, ev.Reason = title, risk.Urgency(urgency), reason

		data, err := json.Marshal(buildMessage(ev))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("message JSON does not round-trip: %v", err)
		}
		if _, ok := decoded["blocks"].([]any); !ok {
			t.Fatal("expected blocks array")
		}
	})
}
