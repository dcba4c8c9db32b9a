package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

// passwordScorer applies the password-change anomaly sub-rules to one
// identity's change events. Each sub-rule contributes its own fixed points;
// the total feeds the aggregator as a single signal.
type passwordScorer struct {
	cfg config.PasswordRuleConfig
}

func (p passwordScorer) score(events []record.PasswordChangeEvent) (int, []string) {
	if len(events) == 0 {
		return 0, nil
	}

	sorted := make([]record.PasswordChangeEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var score int
	var reasons []string

	if n := maxInWindow(sorted, p.cfg.RapidWindow); n >= p.cfg.RapidCount {
		score += p.cfg.RapidScore
		reasons = append(reasons, fmt.Sprintf("%d password changes within %s", n, p.cfg.RapidWindow))
	}
	if n := maxInWindow(sorted, p.cfg.VeryRapidWindow); n >= p.cfg.VeryRapidCount {
		score += p.cfg.VeryRapidScore
		reasons = append(reasons, fmt.Sprintf("%d password changes within %s", n, p.cfg.VeryRapidWindow))
	}

	initiators := make(map[string]bool)
	for _, e := range sorted {
		if e.Initiator != "" {
			initiators[e.Initiator] = true
		}
	}
	if len(initiators) > p.cfg.InitiatorCeiling {
		score += p.cfg.InitiatorScore
		reasons = append(reasons, fmt.Sprintf("password changed by %d different initiators", len(initiators)))
	}

	offHours := 0
	for _, e := range sorted {
		if isOffHours(e.Timestamp, p.cfg.OffHoursStart, p.cfg.OffHoursEnd) {
			offHours++
		}
	}
	if offHours >= p.cfg.OffHoursCount {
		score += p.cfg.OffHoursScore
		reasons = append(reasons, fmt.Sprintf("%d off-hours password changes", offHours))
	}

	if len(sorted) >= p.cfg.TotalCeiling {
		score += p.cfg.TotalScore
		reasons = append(reasons, fmt.Sprintf("%d password changes in reporting window", len(sorted)))
	}

	return score, reasons
}

// maxInWindow returns the largest number of events falling inside any
// sliding window of the given width. Events must be sorted ascending.
func maxInWindow(events []record.PasswordChangeEvent, window time.Duration) int {
	best := 0
	for i := range events {
		deadline := events[i].Timestamp.Add(window)
		n := 0
		for j := i; j < len(events) && !events[j].Timestamp.After(deadline); j++ {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}

// isOffHours reports whether t falls in the configured overnight range,
// which may wrap midnight (e.g. 22..6).
func isOffHours(t time.Time, start, end int) bool {
	h := t.Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
