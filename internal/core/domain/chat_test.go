package domain

import (
	"testing"
	"time"
)

func TestShouldAudit(t *testing.T) {
	tests := []struct {
		name    string
		session *ChatSession
		want    bool
	}{
		{"new chat", nil, true},
		{"no verdict yet", &ChatSession{ChatID: "c1"}, true},
		{"last verdict pass", &ChatSession{AuditResult: &AuditResult{Verdict: VerdictPass}}, true},
		{"last verdict fail", &ChatSession{AuditResult: &AuditResult{Verdict: VerdictFail}}, false},
		{"unknown verdict", &ChatSession{AuditResult: &AuditResult{Verdict: "MAYBE"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldAudit(tt.session); got != tt.want {
				t.Errorf("ShouldAudit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChatSession_LastUserInput(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &ChatSession{
		History: []Turn{
			{Role: RoleUser, Content: "first", Timestamp: t0},
			{Role: RoleModel, Content: "reply", Timestamp: t0.Add(time.Second)},
			// Stored out of order by a concurrent append.
			{Role: RoleModel, Content: "late reply", Timestamp: t0.Add(4 * time.Second)},
			{Role: RoleUser, Content: "latest", Timestamp: t0.Add(3 * time.Second)},
			{Role: RoleUser, Content: "older", Timestamp: t0.Add(2 * time.Second)},
		},
	}

	if got := s.LastUserInput(); got != "latest" {
		t.Errorf("LastUserInput() = %q, want %q", got, "latest")
	}

	ordered := s.Chronological()
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Timestamp.Before(ordered[i-1].Timestamp) {
			t.Fatalf("Chronological() not sorted at %d", i)
		}
	}
	if s.History[2].Content != "late reply" {
		t.Error("Chronological() mutated stored history")
	}

	var empty *ChatSession
	if got := empty.LastUserInput(); got != "" {
		t.Errorf("nil LastUserInput() = %q", got)
	}
}

func TestParseVerdictAndPriority(t *testing.T) {
	if v, ok := ParseVerdict(" pass "); !ok || v != VerdictPass {
		t.Errorf("ParseVerdict(pass) = %q, %v", v, ok)
	}
	if _, ok := ParseVerdict("OK"); ok {
		t.Error("ParseVerdict(OK) accepted")
	}
	if p := ParsePriority("medium"); p != PriorityMedium {
		t.Errorf("ParsePriority(medium) = %q", p)
	}
	if p := ParsePriority("urgent"); p != PriorityHigh {
		t.Errorf("ParsePriority(urgent) = %q, want HIGH", p)
	}
}
