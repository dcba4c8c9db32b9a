// Package config provides configuration management for BreachScope.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trinhvq/breachscope/internal/intel"
)

// Config holds all BreachScope configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Detection DetectionConfig  `yaml:"detection"`
	Intel     intel.FeedConfig `yaml:"intel"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	RunTTL      time.Duration `yaml:"run_ttl"`
}

// DetectionConfig holds all detector thresholds and weights. Every value
// the detectors compare against lives here; the engine carries no
// hard-coded thresholds.
type DetectionConfig struct {
	Auth     AuthDetectionConfig `yaml:"auth"`
	Mail     MailDetectionConfig `yaml:"mail"`
	Risk     RiskConfig          `yaml:"risk"`
	Password PasswordRuleConfig  `yaml:"password"`
}

// AuthDetectionConfig holds attack-pattern detector thresholds.
type AuthDetectionConfig struct {
	SprayMinFailures        int `yaml:"spray_min_failures"`
	SprayMinIdentities      int `yaml:"spray_min_identities"`
	SprayHighIdentities     int `yaml:"spray_high_identities"`
	SprayHighFailures       int `yaml:"spray_high_failures"`
	SprayCriticalIdentities int `yaml:"spray_critical_identities"`
	SprayCriticalFailures   int `yaml:"spray_critical_failures"`

	BruteForceMinFailures      int `yaml:"brute_force_min_failures"`
	BruteForceHighFailures     int `yaml:"brute_force_high_failures"`
	BruteForceCriticalFailures int `yaml:"brute_force_critical_failures"`

	BreachMinFailures      int           `yaml:"breach_min_failures"`
	BreachHighFailures     int           `yaml:"breach_high_failures"`
	BreachCriticalFailures int           `yaml:"breach_critical_failures"`
	BreachWindow           time.Duration `yaml:"breach_window"`

	// RiskyAddressMinFailures is the failure count at which a source
	// address enters the shared risky-address set used by the mail
	// detector for cross-source correlation.
	RiskyAddressMinFailures int `yaml:"risky_address_min_failures"`
}

// MailDetectionConfig holds mail-abuse detector thresholds and the fixed
// per-indicator weights.
type MailDetectionConfig struct {
	VolumeCeiling     int      `yaml:"volume_ceiling"`
	SubjectCeiling    int      `yaml:"subject_ceiling"`
	SubjectMinLength  int      `yaml:"subject_min_length"`
	KeywordMinMatches int      `yaml:"keyword_min_matches"`
	FailureFloor      int      `yaml:"failure_floor"`
	SpamKeywords      []string `yaml:"spam_keywords"`
	EvidenceLimit     int      `yaml:"evidence_limit"`

	VolumeWeight           int `yaml:"volume_weight"`
	MassDistributionWeight int `yaml:"mass_distribution_weight"`
	KeywordWeight          int `yaml:"keyword_weight"`
	RiskyIPWeight          int `yaml:"risky_ip_weight"`
	FailureWeight          int `yaml:"failure_weight"`
}

// RiskConfig holds aggregation weights and tier thresholds.
type RiskConfig struct {
	UnusualLocationWeight int `yaml:"unusual_location_weight"`
	HighRiskSignInWeight  int `yaml:"high_risk_sign_in_weight"`
	AdminOperationWeight  int `yaml:"admin_operation_weight"`
	SuspiciousRuleWeight  int `yaml:"suspicious_rule_weight"`
	DelegationWeight      int `yaml:"delegation_weight"`
	AppRegistrationWeight int `yaml:"app_registration_weight"`
	MissingMFAWeight      int `yaml:"missing_mfa_weight"`
	AdminWithoutMFABonus  int `yaml:"admin_without_mfa_bonus"`

	PatternLowWeight      int `yaml:"pattern_low_weight"`
	PatternMediumWeight   int `yaml:"pattern_medium_weight"`
	PatternHighWeight     int `yaml:"pattern_high_weight"`
	PatternCriticalWeight int `yaml:"pattern_critical_weight"`
	ConfirmedBreachWeight int `yaml:"confirmed_breach_weight"`

	MediumThreshold   int `yaml:"medium_threshold"`
	HighThreshold     int `yaml:"high_threshold"`
	CriticalThreshold int `yaml:"critical_threshold"`

	EvidenceLimit int `yaml:"evidence_limit"`
}

// PasswordRuleConfig holds the password-change anomaly sub-rules.
type PasswordRuleConfig struct {
	RapidCount       int           `yaml:"rapid_count"`
	RapidWindow      time.Duration `yaml:"rapid_window"`
	RapidScore       int           `yaml:"rapid_score"`
	VeryRapidCount   int           `yaml:"very_rapid_count"`
	VeryRapidWindow  time.Duration `yaml:"very_rapid_window"`
	VeryRapidScore   int           `yaml:"very_rapid_score"`
	InitiatorCeiling int           `yaml:"initiator_ceiling"`
	InitiatorScore   int           `yaml:"initiator_score"`
	OffHoursCount    int           `yaml:"off_hours_count"`
	OffHoursScore    int           `yaml:"off_hours_score"`
	OffHoursStart    int           `yaml:"off_hours_start"` // hour of day, inclusive
	OffHoursEnd      int           `yaml:"off_hours_end"`   // hour of day, exclusive
	TotalCeiling     int           `yaml:"total_ceiling"`
	TotalScore       int           `yaml:"total_score"`
}

// RateLimitConfig configures the API rate limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults. Detection defaults match the
// documented rule set: spray 10 failures / 5 identities, brute force 10
// failures, breach 5 failures inside a 2 hour window.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			RunTTL:   72 * time.Hour,
		},
		Detection: DetectionConfig{
			Auth: AuthDetectionConfig{
				SprayMinFailures:        10,
				SprayMinIdentities:      5,
				SprayHighIdentities:     10,
				SprayHighFailures:       25,
				SprayCriticalIdentities: 20,
				SprayCriticalFailures:   50,

				BruteForceMinFailures:      10,
				BruteForceHighFailures:     25,
				BruteForceCriticalFailures: 50,

				BreachMinFailures:      5,
				BreachHighFailures:     10,
				BreachCriticalFailures: 20,
				BreachWindow:           2 * time.Hour,

				RiskyAddressMinFailures: 10,
			},
			Mail: MailDetectionConfig{
				VolumeCeiling:     100,
				SubjectCeiling:    30,
				SubjectMinLength:  5,
				KeywordMinMatches: 3,
				FailureFloor:      20,
				SpamKeywords: []string{
					"invoice", "payment", "urgent", "verify", "password",
					"account suspended", "click here", "lottery", "prize",
				},
				EvidenceLimit: 10,

				VolumeWeight:           10,
				MassDistributionWeight: 15,
				KeywordWeight:          8,
				RiskyIPWeight:          20,
				FailureWeight:          10,
			},
			Risk: RiskConfig{
				UnusualLocationWeight: 5,
				HighRiskSignInWeight:  15,
				AdminOperationWeight:  10,
				SuspiciousRuleWeight:  15,
				DelegationWeight:      8,
				AppRegistrationWeight: 20,
				MissingMFAWeight:      40,
				AdminWithoutMFABonus:  10,

				PatternLowWeight:      10,
				PatternMediumWeight:   20,
				PatternHighWeight:     30,
				PatternCriticalWeight: 50,
				ConfirmedBreachWeight: 50,

				MediumThreshold:   15,
				HighThreshold:     30,
				CriticalThreshold: 50,

				EvidenceLimit: 20,
			},
			Password: PasswordRuleConfig{
				RapidCount:       3,
				RapidWindow:      24 * time.Hour,
				RapidScore:       25,
				VeryRapidCount:   2,
				VeryRapidWindow:  6 * time.Hour,
				VeryRapidScore:   35,
				InitiatorCeiling: 2,
				InitiatorScore:   20,
				OffHoursCount:    2,
				OffHoursScore:    15,
				OffHoursStart:    22,
				OffHoursEnd:      6,
				TotalCeiling:     5,
				TotalScore:       20,
			},
		},
		Intel: intel.DefaultFeedConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			IncludeHeaders:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects threshold and weight sets the engine cannot run with.
// Configuration problems are fatal at startup only, never mid-run.
func (c *Config) Validate() error {
	a := c.Detection.Auth
	if a.SprayMinFailures <= 0 || a.SprayMinIdentities <= 0 {
		return fmt.Errorf("detection.auth: spray thresholds must be positive")
	}
	if a.BruteForceMinFailures <= 0 {
		return fmt.Errorf("detection.auth: brute_force_min_failures must be positive")
	}
	if a.BreachMinFailures <= 0 || a.BreachWindow <= 0 {
		return fmt.Errorf("detection.auth: breach threshold and window must be positive")
	}

	m := c.Detection.Mail
	if m.VolumeCeiling <= 0 || m.SubjectCeiling <= 0 {
		return fmt.Errorf("detection.mail: ceilings must be positive")
	}
	if m.EvidenceLimit <= 0 {
		return fmt.Errorf("detection.mail: evidence_limit must be positive")
	}
	if m.MassDistributionWeight <= m.VolumeWeight && m.MassDistributionWeight <= m.KeywordWeight {
		return fmt.Errorf("detection.mail: mass_distribution_weight must exceed the other non-IP weights")
	}

	r := c.Detection.Risk
	if r.MediumThreshold <= 0 || r.HighThreshold <= r.MediumThreshold || r.CriticalThreshold <= r.HighThreshold {
		return fmt.Errorf("detection.risk: tier thresholds must be positive and strictly increasing")
	}

	if c.Intel.Enabled && c.Intel.BaseURL == "" {
		return fmt.Errorf("intel: base_url is required when the feed is enabled")
	}

	return nil
}
