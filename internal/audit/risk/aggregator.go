// Package risk folds the findings of every detector and pass-through
// signal into one scored, tiered record per identity. Aggregation is a
// pure reduction over fixed weights: the same finding set always produces
// the same scores, tiers and ordering, regardless of the order findings
// are supplied in.
package risk

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

// Signal category keys used in IdentityRiskRecord.CategoryCounts.
const (
	CategoryUnusualLocation = "unusual_location"
	CategoryHighRiskSignIn  = "high_risk_sign_in"
	CategoryAdminOperation  = "admin_operation"
	CategoryMailRule        = "mail_rule"
	CategoryDelegation      = "delegation"
	CategoryAppRegistration = "app_registration"
	CategoryMissingMFA      = "missing_mfa"
	CategoryAttackPattern   = "attack_pattern"
	CategoryMailAbuse       = "mail_abuse"
	CategoryPasswordChange  = "password_change"
)

// FindingSet carries every contributing finding for one reporting window.
// Empty slices mean the source contributed nothing; they never block the
// other sources.
type FindingSet struct {
	SignInRisk       []record.SignInRiskEvent
	AdminOperations  []record.AdminOperationEvent
	MailRules        []record.MailRuleFinding
	Delegations      []record.DelegationFinding
	AppRegistrations []record.AppRegistrationFinding
	MFAStatus        []record.MFAStatusRecord
	AttackPatterns   []record.AttackPattern
	MailIndicators   []record.AbuseIndicator
	PasswordChanges  []record.PasswordChangeEvent
}

// Aggregator merges findings into per-identity risk records.
type Aggregator struct {
	cfg      config.RiskConfig
	password passwordScorer
	logger   *zap.Logger
}

// New creates a new risk aggregator.
func New(cfg config.RiskConfig, passwordCfg config.PasswordRuleConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:      cfg,
		password: passwordScorer{cfg: passwordCfg},
		logger:   logger,
	}
}

// accumulator collects contributions for one identity during a run.
type accumulator struct {
	displayName string
	score       int
	counts      map[string]int
	evidence    []string
}

// Aggregate produces one record per identity appearing in any source,
// sorted descending by cumulative score (ties by identity). Identities
// absent from every source are never materialized.
func (a *Aggregator) Aggregate(findings FindingSet) []record.IdentityRiskRecord {
	acc := make(map[string]*accumulator)

	get := func(identity string) *accumulator {
		c, ok := acc[identity]
		if !ok {
			c = &accumulator{counts: make(map[string]int)}
			acc[identity] = c
		}
		return c
	}

	for _, e := range findings.SignInRisk {
		c := get(e.Identity)
		if e.UnusualLocation {
			c.score += a.cfg.UnusualLocationWeight
			c.counts[CategoryUnusualLocation]++
			c.evidence = append(c.evidence, fmt.Sprintf("sign-in from unusual location %s (%s)", e.Location, e.SourceAddress))
		}
		if e.HighRiskLevel {
			c.score += a.cfg.HighRiskSignInWeight
			c.counts[CategoryHighRiskSignIn]++
			c.evidence = append(c.evidence, fmt.Sprintf("high-risk sign-in from %s", e.SourceAddress))
		}
	}

	for _, e := range findings.AdminOperations {
		c := get(e.Identity)
		if e.RiskLevel.Severity() < record.RiskHigh.Severity() {
			continue
		}
		c.score += a.cfg.AdminOperationWeight
		c.counts[CategoryAdminOperation]++
		c.evidence = append(c.evidence, fmt.Sprintf("high-risk admin operation %q", e.OperationName))
	}

	for _, f := range findings.MailRules {
		c := get(f.Identity)
		if !f.Suspicious {
			continue
		}
		c.score += a.cfg.SuspiciousRuleWeight
		c.counts[CategoryMailRule]++
		c.evidence = append(c.evidence, fmt.Sprintf("suspicious mail rule %q", f.RuleName))
	}

	for _, f := range findings.Delegations {
		c := get(f.Identity)
		if !f.Suspicious {
			continue
		}
		c.score += a.cfg.DelegationWeight
		c.counts[CategoryDelegation]++
		c.evidence = append(c.evidence, fmt.Sprintf("suspicious delegation to %s", f.Delegate))
	}

	// Registrations belong to the tenant, not a user; they accrue to the
	// synthetic tenant-wide identity.
	for _, f := range findings.AppRegistrations {
		if !f.Suspicious {
			continue
		}
		c := get(record.TenantIdentity)
		c.score += a.cfg.AppRegistrationWeight
		c.counts[CategoryAppRegistration]++
		c.evidence = append(c.evidence, fmt.Sprintf("high-risk app registration %q", f.AppName))
	}

	for _, m := range findings.MFAStatus {
		c := get(m.Identity)
		if m.DisplayName != "" {
			c.displayName = m.DisplayName
		}
		if m.Enforced {
			continue
		}
		c.score += a.cfg.MissingMFAWeight
		c.counts[CategoryMissingMFA]++
		c.evidence = append(c.evidence, "MFA not enforced")
		if m.IsAdmin {
			c.score += a.cfg.AdminWithoutMFABonus
			c.evidence = append(c.evidence, "admin account without MFA")
		}
	}

	for _, p := range findings.AttackPatterns {
		identity := p.TargetIdentity
		if identity == "" {
			// Spray targets many identities; the finding is tenant-scoped.
			identity = record.TenantIdentity
		}
		c := get(identity)
		c.score += a.patternWeight(p)
		c.counts[CategoryAttackPattern]++
		c.evidence = append(c.evidence, fmt.Sprintf("%s from %s (%d failed attempts)", p.PatternType, p.SourceAddress, p.FailedAttemptCount))
	}

	for _, ind := range findings.MailIndicators {
		c := get(ind.SenderIdentity)
		c.score += ind.RiskScore
		c.counts[CategoryMailAbuse]++
		c.evidence = append(c.evidence, fmt.Sprintf("mail abuse: %s (%d messages)", ind.IndicatorType, ind.MessageCount))
	}

	byIdentity := make(map[string][]record.PasswordChangeEvent)
	for _, e := range findings.PasswordChanges {
		byIdentity[e.Identity] = append(byIdentity[e.Identity], e)
	}
	for identity, events := range byIdentity {
		c := get(identity)
		score, reasons := a.password.score(events)
		if score == 0 {
			continue
		}
		c.score += score
		c.counts[CategoryPasswordChange]++
		c.evidence = append(c.evidence, reasons...)
	}

	records := make([]record.IdentityRiskRecord, 0, len(acc))
	for identity, c := range acc {
		records = append(records, record.IdentityRiskRecord{
			Identity:        identity,
			DisplayName:     c.displayName,
			CumulativeScore: c.score,
			RiskTier:        a.classify(c.score),
			CategoryCounts:  c.counts,
			Evidence:        boundEvidence(c.evidence, a.cfg.EvidenceLimit),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CumulativeScore != records[j].CumulativeScore {
			return records[i].CumulativeScore > records[j].CumulativeScore
		}
		return records[i].Identity < records[j].Identity
	})

	a.logger.Debug("risk aggregation complete", zap.Int("identities", len(records)))

	return records
}

// patternWeight maps an attack pattern to its aggregation weight. Any
// confirmed breach scores the flat breach weight regardless of tier.
func (a *Aggregator) patternWeight(p record.AttackPattern) int {
	if p.ConfirmedBreach {
		return a.cfg.ConfirmedBreachWeight
	}
	switch p.RiskLevel {
	case record.RiskCritical:
		return a.cfg.PatternCriticalWeight
	case record.RiskHigh:
		return a.cfg.PatternHighWeight
	case record.RiskMedium:
		return a.cfg.PatternMediumWeight
	default:
		return a.cfg.PatternLowWeight
	}
}

// classify maps a cumulative score to its tier via the fixed thresholds.
func (a *Aggregator) classify(score int) record.RiskLevel {
	switch {
	case score >= a.cfg.CriticalThreshold:
		return record.RiskCritical
	case score >= a.cfg.HighThreshold:
		return record.RiskHigh
	case score >= a.cfg.MediumThreshold:
		return record.RiskMedium
	default:
		return record.RiskLow
	}
}

func boundEvidence(evidence []string, limit int) []string {
	if limit > 0 && len(evidence) > limit {
		return evidence[:limit]
	}
	return evidence
}
