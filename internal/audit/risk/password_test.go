package risk

import (
	"testing"
	"time"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

func change(identity, initiator string, at time.Time) record.PasswordChangeEvent {
	return record.PasswordChangeEvent{Timestamp: at, Identity: identity, Initiator: initiator}
}

func TestPasswordScorer(t *testing.T) {
	scorer := passwordScorer{cfg: config.DefaultConfig().Detection.Password}
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		events []record.PasswordChangeEvent
		score  int
	}{
		{
			name:   "no events",
			events: nil,
			score:  0,
		},
		{
			name: "single change is benign",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", noon),
			},
			score: 0,
		},
		{
			name: "three changes in a day",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", noon),
				change("u@corp", "u@corp", noon.Add(8*time.Hour)),
				change("u@corp", "u@corp", noon.Add(16*time.Hour)),
			},
			// Rapid only: 8h gaps keep every 6h window at one change.
			score: 25,
		},
		{
			name: "two changes within six hours",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", noon),
				change("u@corp", "u@corp", noon.Add(2*time.Hour)),
			},
			score: 35,
		},
		{
			name: "three distinct initiators",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", noon),
				change("u@corp", "helpdesk@corp", noon.Add(48*time.Hour)),
				change("u@corp", "svc-account@corp", noon.Add(96*time.Hour)),
			},
			score: 20,
		},
		{
			name: "off-hours changes across the midnight wrap",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)),
				change("u@corp", "u@corp", time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)),
			},
			score: 15,
		},
		{
			name: "five changes trips rapid, very-rapid and total",
			events: []record.PasswordChangeEvent{
				change("u@corp", "u@corp", noon),
				change("u@corp", "u@corp", noon.Add(1*time.Hour)),
				change("u@corp", "u@corp", noon.Add(2*time.Hour)),
				change("u@corp", "u@corp", noon.Add(3*time.Hour)),
				change("u@corp", "u@corp", noon.Add(4*time.Hour)),
			},
			score: 25 + 35 + 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons := scorer.score(tt.events)
			if score != tt.score {
				t.Errorf("expected score %d, got %d (reasons: %v)", tt.score, score, reasons)
			}
			if score > 0 && len(reasons) == 0 {
				t.Error("non-zero score must carry reasons")
			}
		})
	}
}

func TestIsOffHours(t *testing.T) {
	tests := []struct {
		hour int
		want bool
	}{
		{22, true},
		{23, true},
		{0, true},
		{5, true},
		{6, false},
		{12, false},
		{21, false},
	}
	for _, tt := range tests {
		at := time.Date(2025, 3, 10, tt.hour, 0, 0, 0, time.UTC)
		if got := isOffHours(at, 22, 6); got != tt.want {
			t.Errorf("hour %d: expected %v, got %v", tt.hour, got, tt.want)
		}
	}
}
