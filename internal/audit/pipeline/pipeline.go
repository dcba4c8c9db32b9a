// Package pipeline orchestrates a full audit run: normalize every source,
// run the attack-pattern and mail-abuse detectors in parallel, and join
// their findings in the risk aggregator. A run either completes over the
// whole input set or fails; partial results are never emitted.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trinhvq/breachscope/internal/audit/authdetect"
	"github.com/trinhvq/breachscope/internal/audit/maildetect"
	"github.com/trinhvq/breachscope/internal/audit/normalize"
	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/audit/risk"
	"github.com/trinhvq/breachscope/internal/config"
	"github.com/trinhvq/breachscope/internal/intel"
)

// ErrNoInput is returned when every input collection is absent or empty;
// there is nothing to score. A single missing source is not an error.
var ErrNoInput = errors.New("no input records in any source")

// Dataset is the raw material for one audit run, as collected by the
// external identity-provider and mail-system clients. Row maps use
// whatever column names the collector produced; the normalizer resolves
// them. The typed finding slices arrive pre-classified by their
// collectors.
type Dataset struct {
	SignIns         []map[string]any `json:"sign_ins,omitempty"`
	AdminAudits     []map[string]any `json:"admin_audits,omitempty"`
	MailTraces      []map[string]any `json:"mail_traces,omitempty"`
	PasswordChanges []map[string]any `json:"password_changes,omitempty"`
	SignInRisk      []map[string]any `json:"sign_in_risk,omitempty"`

	MailRules        []record.MailRuleFinding        `json:"mail_rules,omitempty"`
	Delegations      []record.DelegationFinding      `json:"delegations,omitempty"`
	AppRegistrations []record.AppRegistrationFinding `json:"app_registrations,omitempty"`
	MFAStatus        []record.MFAStatusRecord        `json:"mfa_status,omitempty"`

	// RiskyAddresses are addresses already flagged by external sign-in
	// analysis, merged with the failure-volume pre-pass for mail
	// correlation.
	RiskyAddresses []string `json:"risky_addresses,omitempty"`
}

// SourceStats reports per-source normalization counters so operators can
// judge completeness of the detection pass.
type SourceStats struct {
	SignIns         normalize.Stats `json:"sign_ins"`
	AdminAudits     normalize.Stats `json:"admin_audits"`
	MailTraces      normalize.Stats `json:"mail_traces"`
	PasswordChanges normalize.Stats `json:"password_changes"`
	SignInRisk      normalize.Stats `json:"sign_in_risk"`
}

// Summary is the run completeness report.
type Summary struct {
	Sources           SourceStats `json:"sources"`
	TotalNormalized   int         `json:"total_normalized"`
	TotalDropped      int         `json:"total_dropped"`
	RiskyAddressCount int         `json:"risky_address_count"`
}

// RunResult is the terminal output of one audit run.
type RunResult struct {
	ID          string                      `json:"id"`
	StartedAt   time.Time                   `json:"started_at"`
	CompletedAt time.Time                   `json:"completed_at"`
	Patterns    []record.AttackPattern      `json:"patterns"`
	Indicators  []record.AbuseIndicator     `json:"indicators"`
	Identities  []record.IdentityRiskRecord `json:"identities"`
	Summary     Summary                     `json:"summary"`
}

// Runner executes audit runs. All detector state comes from configuration;
// nothing is carried between runs.
type Runner struct {
	normalizer *normalize.Normalizer
	auth       *authdetect.Detector
	mail       *maildetect.Detector
	aggregator *risk.Aggregator
	intel      intel.Provider
	logger     *zap.Logger
}

// NewRunner wires the detectors from configuration.
func NewRunner(cfg config.DetectionConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		normalizer: normalize.New(logger),
		auth:       authdetect.New(cfg.Auth, logger),
		mail:       maildetect.New(cfg.Mail, logger),
		aggregator: risk.New(cfg.Risk, cfg.Password, logger),
		logger:     logger,
	}
}

// WithIntelProvider attaches an address-reputation feed. Flagged sign-in
// sources join the risky set before the detectors run.
func (r *Runner) WithIntelProvider(p intel.Provider) *Runner {
	r.intel = p
	return r
}

// Run executes one audit over a closed dataset. The two detectors have no
// data dependency on each other and run concurrently; the aggregator is
// the single join point.
func (r *Runner) Run(ctx context.Context, ds Dataset) (*RunResult, error) {
	started := time.Now().UTC()

	authEvents, signInStats := r.normalizer.AuthEvents(ds.SignIns)
	adminOps, adminStats := r.normalizer.AdminOperations(ds.AdminAudits)
	mailMsgs, mailStats := r.normalizer.MailMessages(ds.MailTraces)
	passwordChanges, passwordStats := r.normalizer.PasswordChanges(ds.PasswordChanges)
	signInRisk, riskStats := r.normalizer.SignInRiskEvents(ds.SignInRisk)

	if len(authEvents) == 0 && len(adminOps) == 0 && len(mailMsgs) == 0 &&
		len(passwordChanges) == 0 && len(signInRisk) == 0 &&
		len(ds.MailRules) == 0 && len(ds.Delegations) == 0 &&
		len(ds.AppRegistrations) == 0 && len(ds.MFAStatus) == 0 {
		return nil, ErrNoInput
	}

	// The risky set is derived from raw failures before either detector
	// runs, keeping the detectors independent of each other's output.
	risky := r.auth.RiskySources(authEvents)
	for _, addr := range ds.RiskyAddresses {
		if addr != "" {
			risky[addr] = true
		}
	}
	if r.intel != nil {
		for _, addr := range intel.FlaggedAddresses(ctx, r.intel, unknownSources(authEvents, risky)) {
			risky[addr] = true
		}
	}

	var patterns []record.AttackPattern
	var indicators []record.AbuseIndicator

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		patterns = r.auth.Detect(authEvents)
		return nil
	})
	g.Go(func() error {
		indicators = r.mail.Detect(mailMsgs, risky)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identities := r.aggregator.Aggregate(risk.FindingSet{
		SignInRisk:       signInRisk,
		AdminOperations:  adminOps,
		MailRules:        ds.MailRules,
		Delegations:      ds.Delegations,
		AppRegistrations: ds.AppRegistrations,
		MFAStatus:        ds.MFAStatus,
		AttackPatterns:   patterns,
		MailIndicators:   indicators,
		PasswordChanges:  passwordChanges,
	})

	summary := Summary{
		Sources: SourceStats{
			SignIns:         signInStats,
			AdminAudits:     adminStats,
			MailTraces:      mailStats,
			PasswordChanges: passwordStats,
			SignInRisk:      riskStats,
		},
		RiskyAddressCount: len(risky),
	}
	for _, s := range []normalize.Stats{signInStats, adminStats, mailStats, passwordStats, riskStats} {
		summary.TotalNormalized += s.Normalized
		summary.TotalDropped += s.Dropped
	}

	result := &RunResult{
		ID:          uuid.NewString(),
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
		Patterns:    patterns,
		Indicators:  indicators,
		Identities:  identities,
		Summary:     summary,
	}

	r.logger.Info("audit run complete",
		zap.String("run_id", result.ID),
		zap.Int("patterns", len(patterns)),
		zap.Int("indicators", len(indicators)),
		zap.Int("identities", len(identities)),
		zap.Int("records_dropped", summary.TotalDropped),
		zap.Duration("duration", result.CompletedAt.Sub(result.StartedAt)),
	)

	return result, nil
}

// unknownSources returns the distinct sign-in source addresses not already
// in the risky set, sorted so feed lookups happen in a stable order.
func unknownSources(events []record.AuthEvent, risky map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if e.SourceAddress == "" || risky[e.SourceAddress] || seen[e.SourceAddress] {
			continue
		}
		seen[e.SourceAddress] = true
		out = append(out, e.SourceAddress)
	}
	sort.Strings(out)
	return out
}
