// Package intel checks source addresses against external address-reputation
// feeds. Flagged addresses join the risky set used for mail correlation, so
// a feed outage degrades enrichment, never the audit itself.
package intel

import (
	"context"
	"time"
)

// Category classifies why an address is flagged.
type Category string

const (
	CategoryBotnet  Category = "botnet"
	CategoryScanner Category = "scanner"
	CategoryTOR     Category = "tor"
	CategoryProxy   Category = "proxy"
	CategorySpam    Category = "spam"
	CategoryBrute   Category = "credential_attack"
	CategoryUnknown Category = "unknown"
)

// Verdict is one feed's judgement of a single address.
type Verdict struct {
	Address    string    `json:"address"`
	Flagged    bool      `json:"flagged"`
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// Provider looks up address reputation.
type Provider interface {
	Name() string
	CheckAddress(ctx context.Context, addr string) (*Verdict, error)
	HealthCheck(ctx context.Context) error
}

// FlaggedAddresses runs addresses through a provider and returns the subset
// with a flagged verdict. Lookup failures skip the address; enrichment is
// best effort.
func FlaggedAddresses(ctx context.Context, p Provider, addrs []string) []string {
	var flagged []string
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return flagged
		default:
		}

		v, err := p.CheckAddress(ctx, addr)
		if err != nil || v == nil {
			continue
		}
		if v.Flagged {
			flagged = append(flagged, addr)
		}
	}
	return flagged
}
