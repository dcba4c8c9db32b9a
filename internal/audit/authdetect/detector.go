// Package authdetect groups authentication failures by source address and
// identity and classifies them into attack patterns: password spray, brute
// force, and confirmed breach (failure burst followed by a success from the
// identical identity and source pair inside a bounded window).
package authdetect

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

// Detector applies the attack-pattern rules over a closed set of auth
// events. It holds no state between calls.
type Detector struct {
	cfg    config.AuthDetectionConfig
	logger *zap.Logger
}

// New creates a new attack-pattern detector.
func New(cfg config.AuthDetectionConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, logger: logger}
}

// failureGroup accumulates failures under one grouping key.
type failureGroup struct {
	count      int
	identities map[string]int
	sources    map[string]int
	firstSeen  time.Time
	lastSeen   time.Time
}

func (g *failureGroup) add(e record.AuthEvent) {
	if g.count == 0 || e.Timestamp.Before(g.firstSeen) {
		g.firstSeen = e.Timestamp
	}
	if g.count == 0 || e.Timestamp.After(g.lastSeen) {
		g.lastSeen = e.Timestamp
	}
	g.count++
	g.identities[e.Identity]++
	g.sources[e.SourceAddress]++
}

func newFailureGroup() *failureGroup {
	return &failureGroup{
		identities: make(map[string]int),
		sources:    make(map[string]int),
	}
}

// Detect runs the three pattern rules in order and returns every pattern
// found. Patterns for the same identity may co-occur; all are retained.
// Output order is deterministic regardless of input or map iteration order.
func (d *Detector) Detect(events []record.AuthEvent) []record.AttackPattern {
	var failures, successes []record.AuthEvent
	for _, e := range events {
		if e.Outcome == record.OutcomeFailure {
			failures = append(failures, e)
		} else {
			successes = append(successes, e)
		}
	}

	patterns := d.detectPasswordSpray(failures)
	patterns = append(patterns, d.detectBruteForce(failures)...)
	patterns = append(patterns, d.detectConfirmedBreach(failures, successes)...)

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].PatternType != patterns[j].PatternType {
			return patterns[i].PatternType < patterns[j].PatternType
		}
		if patterns[i].SourceAddress != patterns[j].SourceAddress {
			return patterns[i].SourceAddress < patterns[j].SourceAddress
		}
		return patterns[i].TargetIdentity < patterns[j].TargetIdentity
	})

	d.logger.Debug("attack pattern detection complete",
		zap.Int("failures", len(failures)),
		zap.Int("successes", len(successes)),
		zap.Int("patterns", len(patterns)),
	)

	return patterns
}

// detectPasswordSpray finds source addresses failing against many distinct
// identities.
func (d *Detector) detectPasswordSpray(failures []record.AuthEvent) []record.AttackPattern {
	bySource := make(map[string]*failureGroup)
	for _, e := range failures {
		g, ok := bySource[e.SourceAddress]
		if !ok {
			g = newFailureGroup()
			bySource[e.SourceAddress] = g
		}
		g.add(e)
	}

	var patterns []record.AttackPattern
	for source, g := range bySource {
		if g.count < d.cfg.SprayMinFailures || len(g.identities) < d.cfg.SprayMinIdentities {
			continue
		}

		level := record.RiskMedium
		switch {
		case len(g.identities) >= d.cfg.SprayCriticalIdentities || g.count >= d.cfg.SprayCriticalFailures:
			level = record.RiskCritical
		case len(g.identities) >= d.cfg.SprayHighIdentities || g.count >= d.cfg.SprayHighFailures:
			level = record.RiskHigh
		}

		patterns = append(patterns, record.AttackPattern{
			ID:                    fmt.Sprintf("spray-%s", source),
			PatternType:           record.PatternPasswordSpray,
			SourceAddress:         source,
			FailedAttemptCount:    g.count,
			DistinctIdentityCount: len(g.identities),
			TimeSpanHours:         g.lastSeen.Sub(g.firstSeen).Hours(),
			FirstSeen:             g.firstSeen,
			LastSeen:              g.lastSeen,
			RiskLevel:             level,
		})
	}
	return patterns
}

// detectBruteForce finds identities receiving sustained failures across any
// number of source addresses.
func (d *Detector) detectBruteForce(failures []record.AuthEvent) []record.AttackPattern {
	byIdentity := make(map[string]*failureGroup)
	for _, e := range failures {
		g, ok := byIdentity[e.Identity]
		if !ok {
			g = newFailureGroup()
			byIdentity[e.Identity] = g
		}
		g.add(e)
	}

	var patterns []record.AttackPattern
	for identity, g := range byIdentity {
		if g.count < d.cfg.BruteForceMinFailures {
			continue
		}

		source := record.MultipleSources
		if len(g.sources) == 1 {
			for s := range g.sources {
				source = s
			}
		}

		level := record.RiskMedium
		switch {
		case g.count >= d.cfg.BruteForceCriticalFailures:
			level = record.RiskCritical
		case g.count >= d.cfg.BruteForceHighFailures:
			level = record.RiskHigh
		}

		patterns = append(patterns, record.AttackPattern{
			ID:                    fmt.Sprintf("bruteforce-%s", identity),
			PatternType:           record.PatternBruteForce,
			SourceAddress:         source,
			TargetIdentity:        identity,
			FailedAttemptCount:    g.count,
			DistinctIdentityCount: 1,
			TimeSpanHours:         g.lastSeen.Sub(g.firstSeen).Hours(),
			FirstSeen:             g.firstSeen,
			LastSeen:              g.lastSeen,
			RiskLevel:             level,
		})
	}
	return patterns
}

type pairKey struct {
	identity string
	source   string
}

// detectConfirmedBreach matches a failure burst for one (identity, source)
// pair against a later success from that exact pair. The success must land
// after the last failure and within the configured window of the first
// failure, and the source equality is re-verified after the time match so a
// legitimate login from a different address can never confirm a breach.
// At most one breach is emitted per pair.
func (d *Detector) detectConfirmedBreach(failures, successes []record.AuthEvent) []record.AttackPattern {
	byPair := make(map[pairKey]*failureGroup)
	for _, e := range failures {
		key := pairKey{identity: e.Identity, source: e.SourceAddress}
		g, ok := byPair[key]
		if !ok {
			g = newFailureGroup()
			byPair[key] = g
		}
		g.add(e)
	}

	var patterns []record.AttackPattern
	for key, g := range byPair {
		if g.count < d.cfg.BreachMinFailures {
			continue
		}

		deadline := g.firstSeen.Add(d.cfg.BreachWindow)
		var match *record.AuthEvent
		for i := range successes {
			s := successes[i]
			if s.Identity != key.identity || s.SourceAddress != key.source {
				continue
			}
			if !s.Timestamp.After(g.lastSeen) || s.Timestamp.After(deadline) {
				continue
			}
			// Source equality is checked again after the time match.
			if s.SourceAddress != key.source {
				continue
			}
			if match == nil || s.Timestamp.Before(match.Timestamp) {
				match = &successes[i]
			}
		}
		if match == nil {
			continue
		}

		level := record.RiskMedium
		switch {
		case g.count >= d.cfg.BreachCriticalFailures:
			level = record.RiskCritical
		case g.count >= d.cfg.BreachHighFailures:
			level = record.RiskHigh
		}

		patterns = append(patterns, record.AttackPattern{
			ID:                    fmt.Sprintf("breach-%s-%s", key.identity, key.source),
			PatternType:           record.PatternConfirmedBreach,
			SourceAddress:         key.source,
			TargetIdentity:        key.identity,
			FailedAttemptCount:    g.count,
			DistinctIdentityCount: 1,
			TimeSpanHours:         match.Timestamp.Sub(g.firstSeen).Hours(),
			FirstSeen:             g.firstSeen,
			LastSeen:              g.lastSeen,
			RiskLevel:             level,
			ConfirmedBreach:       true,
			TimeToBreachMinutes:   match.Timestamp.Sub(g.lastSeen).Minutes(),
		})

		d.logger.Info("confirmed breach",
			zap.String("identity", key.identity),
			zap.String("source_address", key.source),
			zap.Int("failed_attempts", g.count),
			zap.Float64("time_to_breach_minutes", match.Timestamp.Sub(g.lastSeen).Minutes()),
		)
	}
	return patterns
}

// RiskySources returns the source addresses whose failure volume crosses
// the configured floor. The mail detector consumes this set for
// cross-source correlation; it is derived from the raw failures directly so
// the two detectors stay free of any data dependency on each other.
func (d *Detector) RiskySources(events []record.AuthEvent) map[string]bool {
	counts := make(map[string]int)
	for _, e := range events {
		if e.Outcome == record.OutcomeFailure {
			counts[e.SourceAddress]++
		}
	}

	risky := make(map[string]bool)
	for source, n := range counts {
		if n >= d.cfg.RiskyAddressMinFailures {
			risky[source] = true
		}
	}
	return risky
}
