package risk

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testAggregator() *Aggregator {
	cfg := config.DefaultConfig().Detection
	return New(cfg.Risk, cfg.Password, nil)
}

func findRecord(t *testing.T, records []record.IdentityRiskRecord, identity string) record.IdentityRiskRecord {
	t.Helper()
	for _, r := range records {
		if r.Identity == identity {
			return r
		}
	}
	t.Fatalf("no record for %s in %+v", identity, records)
	return record.IdentityRiskRecord{}
}

// TestAggregate_Weights verifies each signal contributes its fixed weight.
func TestAggregate_Weights(t *testing.T) {
	tests := []struct {
		name     string
		findings FindingSet
		identity string
		score    int
	}{
		{
			name: "unusual location",
			findings: FindingSet{SignInRisk: []record.SignInRiskEvent{
				{Identity: "u@corp", SourceAddress: "203.0.113.1", Location: "Reykjavik", UnusualLocation: true},
			}},
			identity: "u@corp",
			score:    5,
		},
		{
			name: "high risk sign-in",
			findings: FindingSet{SignInRisk: []record.SignInRiskEvent{
				{Identity: "u@corp", SourceAddress: "203.0.113.1", HighRiskLevel: true},
			}},
			identity: "u@corp",
			score:    15,
		},
		{
			name: "high risk admin operation",
			findings: FindingSet{AdminOperations: []record.AdminOperationEvent{
				{Identity: "admin@corp", OperationName: "Update role", RiskLevel: record.RiskHigh},
			}},
			identity: "admin@corp",
			score:    10,
		},
		{
			name: "low risk admin operation scores nothing",
			findings: FindingSet{AdminOperations: []record.AdminOperationEvent{
				{Identity: "admin@corp", OperationName: "Read report", RiskLevel: record.RiskLow},
			}},
			identity: "admin@corp",
			score:    0,
		},
		{
			name: "suspicious mail rule",
			findings: FindingSet{MailRules: []record.MailRuleFinding{
				{Identity: "u@corp", RuleName: "fwd-all", Suspicious: true},
			}},
			identity: "u@corp",
			score:    15,
		},
		{
			name: "suspicious delegation",
			findings: FindingSet{Delegations: []record.DelegationFinding{
				{Identity: "u@corp", Delegate: "other@corp", Suspicious: true},
			}},
			identity: "u@corp",
			score:    8,
		},
		{
			name: "missing MFA",
			findings: FindingSet{MFAStatus: []record.MFAStatusRecord{
				{Identity: "u@corp", Enforced: false},
			}},
			identity: "u@corp",
			score:    40,
		},
		{
			name: "admin without MFA gets the bonus",
			findings: FindingSet{MFAStatus: []record.MFAStatusRecord{
				{Identity: "admin@corp", Enforced: false, IsAdmin: true},
			}},
			identity: "admin@corp",
			score:    50,
		},
		{
			name: "mail abuse indicator carries its own weight",
			findings: FindingSet{MailIndicators: []record.AbuseIndicator{
				{SenderIdentity: "u@corp", IndicatorType: record.IndicatorRiskyIPCorrelation, RiskScore: 20},
			}},
			identity: "u@corp",
			score:    20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := testAggregator().Aggregate(tt.findings)
			r := findRecord(t, records, tt.identity)
			if r.CumulativeScore != tt.score {
				t.Errorf("expected score %d, got %d", tt.score, r.CumulativeScore)
			}
		})
	}
}

// TestAggregate_PatternWeights verifies tiered pattern weights and the
// flat confirmed-breach weight.
func TestAggregate_PatternWeights(t *testing.T) {
	tests := []struct {
		name    string
		pattern record.AttackPattern
		score   int
	}{
		{"medium brute force", record.AttackPattern{PatternType: record.PatternBruteForce, TargetIdentity: "u@corp", RiskLevel: record.RiskMedium}, 20},
		{"high brute force", record.AttackPattern{PatternType: record.PatternBruteForce, TargetIdentity: "u@corp", RiskLevel: record.RiskHigh}, 30},
		{"critical brute force", record.AttackPattern{PatternType: record.PatternBruteForce, TargetIdentity: "u@corp", RiskLevel: record.RiskCritical}, 50},
		{"confirmed breach is flat regardless of tier", record.AttackPattern{PatternType: record.PatternConfirmedBreach, TargetIdentity: "u@corp", RiskLevel: record.RiskMedium, ConfirmedBreach: true}, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := testAggregator().Aggregate(FindingSet{AttackPatterns: []record.AttackPattern{tt.pattern}})
			r := findRecord(t, records, "u@corp")
			if r.CumulativeScore != tt.score {
				t.Errorf("expected score %d, got %d", tt.score, r.CumulativeScore)
			}
		})
	}
}

// TestAggregate_TenantScopedFindings verifies spray patterns and app
// registrations accrue to the synthetic tenant-wide identity.
func TestAggregate_TenantScopedFindings(t *testing.T) {
	findings := FindingSet{
		AttackPatterns: []record.AttackPattern{
			{PatternType: record.PatternPasswordSpray, SourceAddress: "203.0.113.1", RiskLevel: record.RiskHigh},
		},
		AppRegistrations: []record.AppRegistrationFinding{
			{AppName: "shadow-app", Suspicious: true},
		},
	}

	records := testAggregator().Aggregate(findings)
	r := findRecord(t, records, record.TenantIdentity)
	if r.CumulativeScore != 30+20 {
		t.Errorf("expected tenant score 50, got %d", r.CumulativeScore)
	}
	if r.RiskTier != record.RiskCritical {
		t.Errorf("expected critical tier, got %s", r.RiskTier)
	}
	if r.CategoryCounts[CategoryAttackPattern] != 1 || r.CategoryCounts[CategoryAppRegistration] != 1 {
		t.Errorf("unexpected category counts: %v", r.CategoryCounts)
	}
}

// TestAggregate_TierThresholds verifies classification at the boundaries.
func TestAggregate_TierThresholds(t *testing.T) {
	tests := []struct {
		score int
		tier  record.RiskLevel
	}{
		{14, record.RiskLow},
		{15, record.RiskMedium},
		{29, record.RiskMedium},
		{30, record.RiskHigh},
		{49, record.RiskHigh},
		{50, record.RiskCritical},
	}

	a := testAggregator()
	for _, tt := range tests {
		if got := a.classify(tt.score); got != tt.tier {
			t.Errorf("score %d: expected %s, got %s", tt.score, tt.tier, got)
		}
	}
}

// TestAggregate_ZeroScoreIdentityMaterialized verifies identities seen in
// a source but contributing nothing still get a record at the low tier.
func TestAggregate_ZeroScoreIdentityMaterialized(t *testing.T) {
	findings := FindingSet{
		MFAStatus: []record.MFAStatusRecord{
			{Identity: "ok@corp", DisplayName: "OK User", Enforced: true},
		},
	}

	records := testAggregator().Aggregate(findings)
	r := findRecord(t, records, "ok@corp")
	if r.CumulativeScore != 0 {
		t.Errorf("expected score 0, got %d", r.CumulativeScore)
	}
	if r.RiskTier != record.RiskLow {
		t.Errorf("expected low tier, got %s", r.RiskTier)
	}
	if r.DisplayName != "OK User" {
		t.Errorf("expected display name carried over, got %q", r.DisplayName)
	}
}

// TestAggregate_SortedByScoreThenIdentity verifies output ordering.
func TestAggregate_SortedByScoreThenIdentity(t *testing.T) {
	findings := FindingSet{
		MFAStatus: []record.MFAStatusRecord{
			{Identity: "zeta@corp", Enforced: false},
			{Identity: "alpha@corp", Enforced: false},
			{Identity: "mid@corp", Enforced: true},
		},
		MailRules: []record.MailRuleFinding{
			{Identity: "mid@corp", RuleName: "fwd", Suspicious: true},
		},
	}

	records := testAggregator().Aggregate(findings)
	want := []string{"alpha@corp", "zeta@corp", "mid@corp"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, identity := range want {
		if records[i].Identity != identity {
			t.Errorf("position %d: expected %s, got %s", i, identity, records[i].Identity)
		}
	}
}

// TestAggregate_OrderIndependent verifies that shuffling every finding
// slice leaves scores, tiers and ordering unchanged.
func TestAggregate_OrderIndependent(t *testing.T) {
	findings := FindingSet{
		SignInRisk: []record.SignInRiskEvent{
			{Identity: "a@corp", SourceAddress: "203.0.113.1", UnusualLocation: true},
			{Identity: "b@corp", SourceAddress: "203.0.113.2", HighRiskLevel: true},
			{Identity: "a@corp", SourceAddress: "203.0.113.3", HighRiskLevel: true},
		},
		AdminOperations: []record.AdminOperationEvent{
			{Identity: "a@corp", OperationName: "Add member", RiskLevel: record.RiskCritical},
			{Identity: "b@corp", OperationName: "Reset password", RiskLevel: record.RiskHigh},
		},
		MFAStatus: []record.MFAStatusRecord{
			{Identity: "a@corp", Enforced: false},
			{Identity: "b@corp", Enforced: true},
		},
		AttackPatterns: []record.AttackPattern{
			{PatternType: record.PatternBruteForce, TargetIdentity: "b@corp", RiskLevel: record.RiskHigh},
			{PatternType: record.PatternConfirmedBreach, TargetIdentity: "a@corp", ConfirmedBreach: true},
		},
		MailIndicators: []record.AbuseIndicator{
			{SenderIdentity: "b@corp", IndicatorType: record.IndicatorExcessiveVolume, RiskScore: 10},
		},
		PasswordChanges: []record.PasswordChangeEvent{
			{Timestamp: t0, Identity: "a@corp", Initiator: "a@corp"},
			{Timestamp: t0.Add(time.Hour), Identity: "a@corp", Initiator: "helpdesk@corp"},
			{Timestamp: t0.Add(2 * time.Hour), Identity: "a@corp", Initiator: "svc@corp"},
		},
	}

	baseline := testAggregator().Aggregate(findings)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := findings
		shuffled.SignInRisk = shuffle(rng, findings.SignInRisk)
		shuffled.AdminOperations = shuffle(rng, findings.AdminOperations)
		shuffled.MFAStatus = shuffle(rng, findings.MFAStatus)
		shuffled.AttackPatterns = shuffle(rng, findings.AttackPatterns)
		shuffled.PasswordChanges = shuffle(rng, findings.PasswordChanges)

		got := testAggregator().Aggregate(shuffled)
		if len(got) != len(baseline) {
			t.Fatalf("trial %d: record count changed: %d vs %d", trial, len(got), len(baseline))
		}
		for i := range baseline {
			if got[i].Identity != baseline[i].Identity ||
				got[i].CumulativeScore != baseline[i].CumulativeScore ||
				got[i].RiskTier != baseline[i].RiskTier ||
				!reflect.DeepEqual(got[i].CategoryCounts, baseline[i].CategoryCounts) {
				t.Errorf("trial %d, record %d differs:\nbaseline: %+v\n     got: %+v", trial, i, baseline[i], got[i])
			}
		}
	}
}

func shuffle[T any](rng *rand.Rand, in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// TestAggregate_EvidenceBounded verifies the evidence cap.
func TestAggregate_EvidenceBounded(t *testing.T) {
	var rules []record.MailRuleFinding
	for i := 0; i < 100; i++ {
		rules = append(rules, record.MailRuleFinding{Identity: "u@corp", RuleName: "rule", Suspicious: true})
	}

	records := testAggregator().Aggregate(FindingSet{MailRules: rules})
	r := findRecord(t, records, "u@corp")
	limit := config.DefaultConfig().Detection.Risk.EvidenceLimit
	if len(r.Evidence) > limit {
		t.Errorf("evidence length %d exceeds limit %d", len(r.Evidence), limit)
	}
	if r.CategoryCounts[CategoryMailRule] != 100 {
		t.Errorf("counts must reflect all findings even when evidence is capped, got %d", r.CategoryCounts[CategoryMailRule])
	}
}
