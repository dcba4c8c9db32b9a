// Package maildetect analyzes outbound message traces for abuse signals:
// volume, mass-identical subjects, spam keywords, correlation with risky
// source addresses, and delivery-failure ratio. Each signal is an
// independent pass; one sender may accumulate several indicators.
package maildetect

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
)

// Detector applies the mail-abuse rules over a closed set of message
// records. Risk per sender is derived later by the aggregator; the
// detector only emits typed, weighted indicators.
type Detector struct {
	cfg    config.MailDetectionConfig
	logger *zap.Logger
}

// New creates a new mail-abuse detector.
func New(cfg config.MailDetectionConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, logger: logger}
}

// failedStatuses are the normalized delivery statuses counted by the
// excessive-failures rule.
var failedStatuses = map[string]bool{
	"failed":   true,
	"bounced":  true,
	"rejected": true,
	"blocked":  true,
}

// Detect runs the five abuse passes over the outbound messages. riskyAddrs
// is the externally-correlated set of addresses already flagged by sign-in
// analysis; it may be nil. Evidence lists are bounded, so output size is
// independent of input size. Output order is deterministic.
func (d *Detector) Detect(msgs []record.MailMessageRecord, riskyAddrs map[string]bool) []record.AbuseIndicator {
	outbound := make([]record.MailMessageRecord, 0, len(msgs))
	for _, m := range msgs {
		if m.Direction != record.DirectionInbound {
			outbound = append(outbound, m)
		}
	}

	var indicators []record.AbuseIndicator
	indicators = append(indicators, d.detectExcessiveVolume(outbound)...)
	indicators = append(indicators, d.detectIdenticalSubjects(outbound)...)
	indicators = append(indicators, d.detectSpamKeywords(outbound)...)
	indicators = append(indicators, d.detectRiskyCorrelation(outbound, riskyAddrs)...)
	indicators = append(indicators, d.detectExcessiveFailures(outbound)...)

	sort.Slice(indicators, func(i, j int) bool {
		if indicators[i].SenderIdentity != indicators[j].SenderIdentity {
			return indicators[i].SenderIdentity < indicators[j].SenderIdentity
		}
		if indicators[i].IndicatorType != indicators[j].IndicatorType {
			return indicators[i].IndicatorType < indicators[j].IndicatorType
		}
		return indicators[i].Keyword < indicators[j].Keyword
	})

	d.logger.Debug("mail abuse detection complete",
		zap.Int("outbound_messages", len(outbound)),
		zap.Int("indicators", len(indicators)),
	)

	return indicators
}

func (d *Detector) detectExcessiveVolume(msgs []record.MailMessageRecord) []record.AbuseIndicator {
	bySender := groupBySender(msgs)

	var out []record.AbuseIndicator
	for sender, group := range bySender {
		if len(group) <= d.cfg.VolumeCeiling {
			continue
		}
		out = append(out, record.AbuseIndicator{
			ID:             fmt.Sprintf("volume-%s", sender),
			SenderIdentity: sender,
			IndicatorType:  record.IndicatorExcessiveVolume,
			MessageCount:   len(group),
			RiskScore:      d.cfg.VolumeWeight,
			Evidence:       d.sampleEvidence(group),
		})
	}
	return out
}

func (d *Detector) detectIdenticalSubjects(msgs []record.MailMessageRecord) []record.AbuseIndicator {
	type subjectKey struct {
		sender  string
		subject string
	}
	groups := make(map[subjectKey][]record.MailMessageRecord)
	for _, m := range msgs {
		subject := strings.ToLower(strings.TrimSpace(m.Subject))
		if len(subject) < d.cfg.SubjectMinLength {
			continue
		}
		key := subjectKey{sender: m.Sender, subject: subject}
		groups[key] = append(groups[key], m)
	}

	// One indicator per sender, for the largest qualifying subject group.
	// Ties break on subject so map iteration order cannot leak through.
	best := make(map[string][]record.MailMessageRecord)
	bestSubject := make(map[string]string)
	for key, group := range groups {
		if len(group) < d.cfg.SubjectCeiling {
			continue
		}
		cur, ok := best[key.sender]
		if !ok || len(group) > len(cur) || (len(group) == len(cur) && key.subject < bestSubject[key.sender]) {
			best[key.sender] = group
			bestSubject[key.sender] = key.subject
		}
	}

	var out []record.AbuseIndicator
	for sender, group := range best {
		out = append(out, record.AbuseIndicator{
			ID:             fmt.Sprintf("subjects-%s", sender),
			SenderIdentity: sender,
			IndicatorType:  record.IndicatorIdenticalSubjects,
			MessageCount:   len(group),
			RiskScore:      d.cfg.MassDistributionWeight,
			Evidence:       d.sampleEvidence(group),
		})
	}
	return out
}

func (d *Detector) detectSpamKeywords(msgs []record.MailMessageRecord) []record.AbuseIndicator {
	var out []record.AbuseIndicator
	for _, keyword := range d.cfg.SpamKeywords {
		folded := strings.ToLower(keyword)
		bySender := make(map[string][]record.MailMessageRecord)
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Subject), folded) {
				bySender[m.Sender] = append(bySender[m.Sender], m)
			}
		}
		for sender, group := range bySender {
			if len(group) <= d.cfg.KeywordMinMatches {
				continue
			}
			out = append(out, record.AbuseIndicator{
				ID:             fmt.Sprintf("keyword-%s-%s", sender, folded),
				SenderIdentity: sender,
				IndicatorType:  record.IndicatorSpamKeyword,
				Keyword:        keyword,
				MessageCount:   len(group),
				RiskScore:      d.cfg.KeywordWeight,
				Evidence:       d.sampleEvidence(group),
			})
		}
	}
	return out
}

// detectRiskyCorrelation flags senders whose messages touch an address
// already flagged by an independent detector, regardless of count.
func (d *Detector) detectRiskyCorrelation(msgs []record.MailMessageRecord, riskyAddrs map[string]bool) []record.AbuseIndicator {
	if len(riskyAddrs) == 0 {
		return nil
	}

	bySender := make(map[string][]record.MailMessageRecord)
	for _, m := range msgs {
		if riskyAddrs[m.SourceIP] || riskyAddrs[m.DestinationIP] {
			bySender[m.Sender] = append(bySender[m.Sender], m)
		}
	}

	var out []record.AbuseIndicator
	for sender, group := range bySender {
		out = append(out, record.AbuseIndicator{
			ID:             fmt.Sprintf("riskyip-%s", sender),
			SenderIdentity: sender,
			IndicatorType:  record.IndicatorRiskyIPCorrelation,
			MessageCount:   len(group),
			RiskScore:      d.cfg.RiskyIPWeight,
			Evidence:       d.sampleEvidence(group),
		})
	}
	return out
}

func (d *Detector) detectExcessiveFailures(msgs []record.MailMessageRecord) []record.AbuseIndicator {
	bySender := make(map[string][]record.MailMessageRecord)
	for _, m := range msgs {
		if failedStatuses[m.Status] {
			bySender[m.Sender] = append(bySender[m.Sender], m)
		}
	}

	var out []record.AbuseIndicator
	for sender, group := range bySender {
		if len(group) <= d.cfg.FailureFloor {
			continue
		}
		out = append(out, record.AbuseIndicator{
			ID:             fmt.Sprintf("failures-%s", sender),
			SenderIdentity: sender,
			IndicatorType:  record.IndicatorExcessiveFailures,
			MessageCount:   len(group),
			RiskScore:      d.cfg.FailureWeight,
			Evidence:       d.sampleEvidence(group),
		})
	}
	return out
}

func groupBySender(msgs []record.MailMessageRecord) map[string][]record.MailMessageRecord {
	bySender := make(map[string][]record.MailMessageRecord)
	for _, m := range msgs {
		bySender[m.Sender] = append(bySender[m.Sender], m)
	}
	return bySender
}

// sampleEvidence keeps the first EvidenceLimit message ids, recipients and
// subjects from a group.
func (d *Detector) sampleEvidence(group []record.MailMessageRecord) record.AbuseEvidence {
	limit := d.cfg.EvidenceLimit
	if limit <= 0 || limit > len(group) {
		limit = len(group)
	}

	ev := record.AbuseEvidence{}
	seenRecipients := make(map[string]bool)
	seenSubjects := make(map[string]bool)
	for _, m := range group[:limit] {
		if m.MessageID != "" {
			ev.MessageIDs = append(ev.MessageIDs, m.MessageID)
		}
		if m.Recipient != "" && !seenRecipients[m.Recipient] {
			seenRecipients[m.Recipient] = true
			ev.Recipients = append(ev.Recipients, m.Recipient)
		}
		if m.Subject != "" && !seenSubjects[m.Subject] {
			seenSubjects[m.Subject] = true
			ev.Subjects = append(ev.Subjects, m.Subject)
		}
	}
	return ev
}
