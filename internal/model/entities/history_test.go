package entities

import (
	"fmt"
	"testing"
	"time"
)

func TestHistoryPrependNewestFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var h History
	h = h.Prepend(HistoryEntry{Action: ActionOn, Source: SourceSystem, CreatedAt: now})
	h = h.Prepend(HistoryEntry{Action: ActionOff, Source: SourceSystem, CreatedAt: now.Add(time.Minute)})

	if len(h) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(h))
	}
	if h[0].Action != ActionOff {
		t.Errorf("expected newest entry OFF first, got %s", h[0].Action)
	}
	latest, ok := h.Latest()
	if !ok || latest.Action != ActionOff {
		t.Errorf("Latest() = %v, %v", latest, ok)
	}
}

func TestHistoryPrependBounded(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var h History
	for i := 0; i < MaxHistory+25; i++ {
		h = h.Prepend(HistoryEntry{
			Action:    ActionOn,
			Source:    SourceSystem,
			Reason:    fmt.Sprintf("entry %d", i),
			CreatedAt: start.Add(time.Duration(i) * time.Second),
		})
		if len(h) > MaxHistory {
			t.Fatalf("iteration %d: history length %d exceeds %d", i, len(h), MaxHistory)
		}
	}

	if len(h) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(h))
	}
	if h[0].Reason != fmt.Sprintf("entry %d", MaxHistory+24) {
		t.Errorf("unexpected newest entry %q", h[0].Reason)
	}
	// oldest survivors are the most recent 50
	if h[MaxHistory-1].Reason != "entry 25" {
		t.Errorf("unexpected oldest entry %q", h[MaxHistory-1].Reason)
	}
	for i := 1; i < len(h); i++ {
		if h[i].CreatedAt.After(h[i-1].CreatedAt) {
			t.Fatalf("history not newest-first at index %d", i)
		}
	}
}

func TestHistoryPrependDoesNotAliasReceiver(t *testing.T) {
	base := History{{Action: ActionOn, Source: SourceUser}}
	next := base.Prepend(HistoryEntry{Action: ActionOff, Source: SourceUser})
	next[1].Reason = "changed"
	if base[0].Reason != "" {
		t.Error("Prepend must not share storage with the receiver")
	}
}

func TestParseEnums(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"ON", ActionOn, false},
		{"off", ActionOff, false},
		{" SAFETY_OFF ", ActionSafetyOff, false},
		{"MODE_AUTO", ActionModeAuto, false},
		{"MODE:AUTO", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAction(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if src, err := ParseSource("AUTO-ML"); err != nil || src != SourceAutoML {
		t.Errorf("ParseSource(AUTO-ML) = %q, %v", src, err)
	}
	if _, err := ParseSource("cron"); err == nil {
		t.Error("expected error for unknown source")
	}
	if m, err := ParseMode("manual"); err != nil || m != ModeManual {
		t.Errorf("ParseMode(manual) = %q, %v", m, err)
	}
	if _, err := ParseStatus("MAYBE"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := 30.0
	s := NewIrrigationState()
	s.LastCommandAt = &now
	s.LastAppliedMoisture = &m
	s.History = s.History.Prepend(HistoryEntry{Action: ActionOn})

	c := s.Clone()
	*c.LastCommandAt = now.Add(time.Hour)
	*c.LastAppliedMoisture = 99
	c.History[0].Reason = "x"

	if !s.LastCommandAt.Equal(now) || *s.LastAppliedMoisture != 30 || s.History[0].Reason != "" {
		t.Error("Clone shares state with original")
	}
	if d, ok := s.SinceLastCommand(now.Add(3 * time.Minute)); !ok || d != 3*time.Minute {
		t.Errorf("SinceLastCommand = %v, %v", d, ok)
	}
}
