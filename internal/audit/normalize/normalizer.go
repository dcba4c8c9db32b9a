// Package normalize maps heterogeneous collector rows onto the canonical
// record shapes in internal/audit/record. Field names are resolved through
// fixed per-source alias tables, case-insensitively and tolerant of
// separator variation, so the same normalizer accepts exports from
// different identity and mail providers.
package normalize

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/audit/record"
)

// Stats counts the outcome of one normalization batch. A row missing its
// required fields is dropped and counted, never fatal for the batch.
type Stats struct {
	Normalized int `json:"normalized"`
	Dropped    int `json:"dropped"`
}

// timeLayouts are tried in order when parsing timestamps. Audit exports
// disagree on formats, so the usual suspects are all here.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"2006-01-02",
}

// Normalizer converts raw collector rows to canonical records.
type Normalizer struct {
	logger *zap.Logger
}

// New creates a new normalizer.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

// Per-source alias tables. Keys are canonical field names; values are the
// provider spellings seen in the wild, already canonicalized by foldKey.
var (
	authAliases = map[string][]string{
		"timestamp":   {"timestamp", "createddatetime", "time", "date", "eventtime"},
		"identity":    {"identity", "userprincipalname", "user", "username", "upn", "useremail"},
		"source":      {"sourceaddress", "ipaddress", "clientip", "ip", "sourceip"},
		"outcome":     {"outcome", "status", "result", "signinstatus", "loginresult"},
		"application": {"applicationid", "appid", "application", "appdisplayname"},
	}

	adminAliases = map[string][]string{
		"timestamp": {"timestamp", "creationtime", "time", "date", "activitydatetime"},
		"identity":  {"identity", "userid", "user", "initiatedby", "actor"},
		"operation": {"operationname", "operation", "activity", "activitydisplayname"},
		"result":    {"result", "resultstatus", "status"},
		"risklevel": {"risklevel", "risk", "severity"},
	}

	mailAliases = map[string][]string{
		"messageid":  {"messageid", "messagetraceid", "id"},
		"sender":     {"sender", "senderaddress", "from", "fromaddress"},
		"recipient":  {"recipient", "recipientaddress", "to", "toaddress"},
		"subject":    {"subject", "messagesubject"},
		"status":     {"status", "deliverystatus", "eventtype"},
		"sourceip":   {"sourceip", "fromip", "senderip", "originatingip"},
		"destip":     {"destinationip", "toip"},
		"size":       {"size", "sizebytes", "messagesize"},
		"receivedat": {"received", "receivedat", "timestamp", "date"},
		"direction":  {"direction", "maildirection"},
	}

	passwordAliases = map[string][]string{
		"timestamp": {"timestamp", "creationtime", "time", "date"},
		"identity":  {"identity", "userid", "user", "targetuser", "objectid"},
		"initiator": {"initiator", "initiatedby", "actor", "modifiedby"},
	}

	signInRiskAliases = map[string][]string{
		"timestamp": {"timestamp", "createddatetime", "time", "date"},
		"identity":  {"identity", "userprincipalname", "user", "username"},
		"source":    {"sourceaddress", "ipaddress", "clientip", "ip"},
		"location":  {"location", "city", "country"},
		"unusual":   {"unusuallocation", "unusual", "isunusual"},
		"highrisk":  {"highrisklevel", "highrisk", "riskstate"},
	}
)

// AuthEvents normalizes raw sign-in rows. Rows without an identity, source
// address or parseable timestamp are dropped.
func (n *Normalizer) AuthEvents(rows []map[string]any) ([]record.AuthEvent, Stats) {
	var stats Stats
	out := make([]record.AuthEvent, 0, len(rows))

	for _, row := range rows {
		folded := foldRow(row)

		ts, tsOK := n.lookupTime(folded, authAliases["timestamp"])
		identity, idOK := lookupString(folded, authAliases["identity"])
		source, srcOK := lookupString(folded, authAliases["source"])
		if !tsOK || !idOK || !srcOK {
			stats.Dropped++
			n.logger.Debug("dropped sign-in row", zap.Bool("has_time", tsOK), zap.Bool("has_identity", idOK))
			continue
		}

		rawOutcome, _ := lookupString(folded, authAliases["outcome"])
		app, _ := lookupString(folded, authAliases["application"])

		out = append(out, record.AuthEvent{
			Timestamp:     ts,
			Identity:      strings.ToLower(identity),
			SourceAddress: source,
			Outcome:       parseOutcome(rawOutcome),
			ApplicationID: app,
		})
		stats.Normalized++
	}

	return out, stats
}

// AdminOperations normalizes raw admin-audit rows.
func (n *Normalizer) AdminOperations(rows []map[string]any) ([]record.AdminOperationEvent, Stats) {
	var stats Stats
	out := make([]record.AdminOperationEvent, 0, len(rows))

	for _, row := range rows {
		folded := foldRow(row)

		ts, tsOK := n.lookupTime(folded, adminAliases["timestamp"])
		identity, idOK := lookupString(folded, adminAliases["identity"])
		operation, opOK := lookupString(folded, adminAliases["operation"])
		if !tsOK || !idOK || !opOK {
			stats.Dropped++
			continue
		}

		result, _ := lookupString(folded, adminAliases["result"])
		level, _ := lookupString(folded, adminAliases["risklevel"])

		out = append(out, record.AdminOperationEvent{
			Timestamp:     ts,
			Identity:      strings.ToLower(identity),
			OperationName: operation,
			Result:        result,
			RiskLevel:     parseRiskLevel(level),
		})
		stats.Normalized++
	}

	return out, stats
}

// MailMessages normalizes raw message-trace rows. Rows with no direction
// are treated as outbound.
func (n *Normalizer) MailMessages(rows []map[string]any) ([]record.MailMessageRecord, Stats) {
	var stats Stats
	out := make([]record.MailMessageRecord, 0, len(rows))

	for _, row := range rows {
		folded := foldRow(row)

		sender, sOK := lookupString(folded, mailAliases["sender"])
		ts, tsOK := n.lookupTime(folded, mailAliases["receivedat"])
		if !sOK || !tsOK {
			stats.Dropped++
			continue
		}

		msgID, _ := lookupString(folded, mailAliases["messageid"])
		recipient, _ := lookupString(folded, mailAliases["recipient"])
		subject, _ := lookupString(folded, mailAliases["subject"])
		status, _ := lookupString(folded, mailAliases["status"])
		sourceIP, _ := lookupString(folded, mailAliases["sourceip"])
		destIP, _ := lookupString(folded, mailAliases["destip"])
		size, _ := lookupInt(folded, mailAliases["size"])

		direction := record.DirectionOutbound
		if raw, ok := lookupString(folded, mailAliases["direction"]); ok {
			if strings.EqualFold(strings.TrimSpace(raw), "inbound") || strings.EqualFold(strings.TrimSpace(raw), "received") {
				direction = record.DirectionInbound
			}
		}

		out = append(out, record.MailMessageRecord{
			MessageID:     msgID,
			Sender:        strings.ToLower(sender),
			Recipient:     strings.ToLower(recipient),
			Subject:       subject,
			Status:        strings.ToLower(status),
			SourceIP:      sourceIP,
			DestinationIP: destIP,
			SizeBytes:     size,
			ReceivedAt:    ts,
			Direction:     direction,
		})
		stats.Normalized++
	}

	return out, stats
}

// PasswordChanges normalizes raw password set/reset audit rows.
func (n *Normalizer) PasswordChanges(rows []map[string]any) ([]record.PasswordChangeEvent, Stats) {
	var stats Stats
	out := make([]record.PasswordChangeEvent, 0, len(rows))

	for _, row := range rows {
		folded := foldRow(row)

		ts, tsOK := n.lookupTime(folded, passwordAliases["timestamp"])
		identity, idOK := lookupString(folded, passwordAliases["identity"])
		if !tsOK || !idOK {
			stats.Dropped++
			continue
		}

		initiator, _ := lookupString(folded, passwordAliases["initiator"])

		out = append(out, record.PasswordChangeEvent{
			Timestamp: ts,
			Identity:  strings.ToLower(identity),
			Initiator: strings.ToLower(initiator),
		})
		stats.Normalized++
	}

	return out, stats
}

// SignInRiskEvents normalizes pre-flagged successful sign-ins from the
// upstream sign-in analysis.
func (n *Normalizer) SignInRiskEvents(rows []map[string]any) ([]record.SignInRiskEvent, Stats) {
	var stats Stats
	out := make([]record.SignInRiskEvent, 0, len(rows))

	for _, row := range rows {
		folded := foldRow(row)

		ts, tsOK := n.lookupTime(folded, signInRiskAliases["timestamp"])
		identity, idOK := lookupString(folded, signInRiskAliases["identity"])
		if !tsOK || !idOK {
			stats.Dropped++
			continue
		}

		source, _ := lookupString(folded, signInRiskAliases["source"])
		location, _ := lookupString(folded, signInRiskAliases["location"])
		unusualRaw, _ := lookupString(folded, signInRiskAliases["unusual"])
		highRiskRaw, _ := lookupString(folded, signInRiskAliases["highrisk"])

		out = append(out, record.SignInRiskEvent{
			Timestamp:       ts,
			Identity:        strings.ToLower(identity),
			SourceAddress:   source,
			Location:        location,
			UnusualLocation: parseBool(unusualRaw),
			HighRiskLevel:   parseBool(highRiskRaw) || strings.EqualFold(highRiskRaw, "atrisk"),
		})
		stats.Normalized++
	}

	return out, stats
}

// foldKey canonicalizes a column name: lowercase with separators removed,
// so "Source_Address", "source-address" and "SourceAddress" all collide.
func foldKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(k)) {
		switch r {
		case '_', '-', ' ', '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func foldRow(row map[string]any) map[string]any {
	folded := make(map[string]any, len(row))
	for k, v := range row {
		folded[foldKey(k)] = v
	}
	return folded
}

func lookupString(row map[string]any, aliases []string) (string, bool) {
	for _, key := range aliases {
		v, ok := row[key]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

func lookupInt(row map[string]any, aliases []string) (int64, bool) {
	for _, key := range aliases {
		switch v := row[key].(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
	}
	return 0, false
}

func (n *Normalizer) lookupTime(row map[string]any, aliases []string) (time.Time, bool) {
	for _, key := range aliases {
		switch v := row[key].(type) {
		case time.Time:
			return v, true
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return ts, true
				}
			}
			n.logger.Debug("unparseable timestamp", zap.String("value", v))
		case float64:
			// Unix seconds, the other common export format.
			if v > 0 {
				return time.Unix(int64(v), 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// parseOutcome collapses provider result spellings to a single enum.
// Unrecognized results map to failure; only an explicit success spelling
// can confirm a breach.
func parseOutcome(raw string) record.Outcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "0", "true", "yes", "ok", "delivered":
		return record.OutcomeSuccess
	default:
		return record.OutcomeFailure
	}
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1", "enabled", "enforced":
		return true
	default:
		return false
	}
}

func parseRiskLevel(raw string) record.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return record.RiskCritical
	case "high":
		return record.RiskHigh
	case "medium":
		return record.RiskMedium
	default:
		return record.RiskLow
	}
}
