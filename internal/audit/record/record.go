// Package record defines the canonical record shapes shared by all
// detectors. Provider-specific rows are mapped onto these types once, at
// the normalization boundary, so downstream code never re-interprets
// stringified booleans or vendor field names.
package record

import "time"

// Outcome is the normalized result of an authentication attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Direction is the normalized direction of a mail message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RiskLevel classifies a finding or identity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity returns the total-order rank of a risk level (critical > high >
// medium > low).
func (r RiskLevel) Severity() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AuthEvent is a single normalized sign-in record. Immutable once produced.
type AuthEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Identity      string    `json:"identity"`
	SourceAddress string    `json:"source_address"`
	Outcome       Outcome   `json:"outcome"`
	ApplicationID string    `json:"application_id,omitempty"`
}

// AdminOperationEvent is a directory/admin audit record, pre-classified by
// the collector using its keyword-to-tier table.
type AdminOperationEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Identity      string    `json:"identity"`
	OperationName string    `json:"operation_name"`
	Result        string    `json:"result"`
	RiskLevel     RiskLevel `json:"risk_level"`
}

// MailMessageRecord is a single message-trace row.
type MailMessageRecord struct {
	MessageID     string    `json:"message_id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Subject       string    `json:"subject"`
	Status        string    `json:"status"`
	SourceIP      string    `json:"source_ip,omitempty"`
	DestinationIP string    `json:"destination_ip,omitempty"`
	SizeBytes     int64     `json:"size_bytes,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	Direction     Direction `json:"direction"`
}

// MailRuleFinding is an inbox-rule inspection result supplied by the mail
// collector.
type MailRuleFinding struct {
	Identity   string   `json:"identity"`
	RuleName   string   `json:"rule_name"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// DelegationFinding is a mailbox-delegation inspection result.
type DelegationFinding struct {
	Identity   string   `json:"identity"`
	Delegate   string   `json:"delegate"`
	AccessType string   `json:"access_type,omitempty"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// AppRegistrationFinding is a tenant-scoped application registration
// inspection result.
type AppRegistrationFinding struct {
	AppName     string   `json:"app_name"`
	AppID       string   `json:"app_id,omitempty"`
	Suspicious  bool     `json:"suspicious"`
	Reasons     []string `json:"reasons,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// MFAStatusRecord reports whether MFA is enforced for an identity.
type MFAStatusRecord struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	Enforced    bool   `json:"enforced"`
	IsAdmin     bool   `json:"is_admin"`
}

// PasswordChangeEvent is a single password set/reset audit record.
type PasswordChangeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Identity  string    `json:"identity"`
	Initiator string    `json:"initiator"`
}

// SignInRiskEvent is a successful sign-in flagged by upstream sign-in
// analysis: unusual location and/or provider risk level.
type SignInRiskEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Identity        string    `json:"identity"`
	SourceAddress   string    `json:"source_address"`
	Location        string    `json:"location,omitempty"`
	UnusualLocation bool      `json:"unusual_location"`
	HighRiskLevel   bool      `json:"high_risk_level"`
}

// AttackPatternType identifies an authentication attack pattern.
type AttackPatternType string

const (
	PatternPasswordSpray   AttackPatternType = "password_spray"
	PatternBruteForce      AttackPatternType = "brute_force"
	PatternConfirmedBreach AttackPatternType = "confirmed_breach"
)

// MultipleSources marks a brute-force pattern whose failures came from more
// than one source address.
const MultipleSources = "multiple"

// AttackPattern is a temporally-bounded authentication attack finding.
// Created once by the attack-pattern detector, never mutated.
type AttackPattern struct {
	ID                    string            `json:"id"`
	PatternType           AttackPatternType `json:"pattern_type"`
	SourceAddress         string            `json:"source_address"`
	TargetIdentity        string            `json:"target_identity,omitempty"` // empty for spray
	FailedAttemptCount    int               `json:"failed_attempt_count"`
	DistinctIdentityCount int               `json:"distinct_identity_count"`
	TimeSpanHours         float64           `json:"time_span_hours"`
	FirstSeen             time.Time         `json:"first_seen"`
	LastSeen              time.Time         `json:"last_seen"`
	RiskLevel             RiskLevel         `json:"risk_level"`
	ConfirmedBreach       bool              `json:"confirmed_breach"`
	TimeToBreachMinutes   float64           `json:"time_to_breach_minutes,omitempty"`
}

// AbuseIndicatorType identifies an outbound-mail abuse signal.
type AbuseIndicatorType string

const (
	IndicatorExcessiveVolume    AbuseIndicatorType = "excessive_volume"
	IndicatorIdenticalSubjects  AbuseIndicatorType = "identical_subjects"
	IndicatorSpamKeyword        AbuseIndicatorType = "spam_keyword"
	IndicatorRiskyIPCorrelation AbuseIndicatorType = "risky_ip_correlation"
	IndicatorExcessiveFailures  AbuseIndicatorType = "excessive_failures"
)

// AbuseEvidence is a bounded sample of messages supporting an indicator.
type AbuseEvidence struct {
	MessageIDs []string `json:"message_ids,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Subjects   []string `json:"subjects,omitempty"`
}

// AbuseIndicator is a typed, weighted outbound-mail abuse finding. The risk
// score is the fixed configured weight for the indicator type, never a
// function of the message count.
type AbuseIndicator struct {
	ID             string             `json:"id"`
	SenderIdentity string             `json:"sender_identity"`
	IndicatorType  AbuseIndicatorType `json:"indicator_type"`
	Keyword        string             `json:"keyword,omitempty"` // spam_keyword only
	MessageCount   int                `json:"message_count"`
	RiskScore      int                `json:"risk_score"`
	Evidence       AbuseEvidence      `json:"evidence"`
}

// TenantIdentity is the synthetic identity risky app registrations are
// attributed to, since a registration belongs to the tenant rather than a
// user.
const TenantIdentity = "tenant-wide"

// IdentityRiskRecord is the engine's terminal output: one record per
// identity that appeared in any input source, rebuilt from scratch each run.
type IdentityRiskRecord struct {
	Identity        string         `json:"identity"`
	DisplayName     string         `json:"display_name,omitempty"`
	CumulativeScore int            `json:"cumulative_score"`
	RiskTier        RiskLevel      `json:"risk_tier"`
	CategoryCounts  map[string]int `json:"category_counts"`
	Evidence        []string       `json:"evidence"`
}
