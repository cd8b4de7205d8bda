package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// Severity is the normalized severity scale reported by the scanner
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityLow:           1,
	SeverityMedium:        2,
	SeverityHigh:          3,
	SeverityCritical:      4,
}

// AtLeast reports whether s is equal to or more severe than other
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// NormalizeSeverity maps raw scanner severity strings onto the normalized
// scale. Unknown values collapse to informational with the unknown flag set.
func NormalizeSeverity(raw string) (Severity, bool) {
	switch raw {
	case "info", "informational":
		return SeverityInformational, false
	case "low":
		return SeverityLow, false
	case "medium":
		return SeverityMedium, false
	case "high":
		return SeverityHigh, false
	case "critical":
		return SeverityCritical, false
	default:
		return SeverityInformational, true
	}
}

// Finding is a single match reported by the scanner during a run.
// MatchedAt is the matched location (typically a URL), not a timestamp; it
// participates in the finding id so replayed streams stay idempotent.
type Finding struct {
	FindingID       string   `json:"finding_id"`
	JobID           string   `json:"job_id"`
	TemplateID      string   `json:"template_id"`
	Protocol        string   `json:"protocol"`
	Severity        Severity `json:"severity"`
	UnknownSeverity bool     `json:"unknown_severity,omitempty"`
	Target          string   `json:"target"`
	MatchedAt       string   `json:"matched_at"`
	Details         []string `json:"details,omitempty"`
}

// FindingID derives a stable identifier so replayed log streams do not
// produce duplicate findings.
func FindingID(templateID, protocol string, severity Severity, target, matchedAt string) string {
	h := sha256.Sum256([]byte(templateID + "|" + protocol + "|" + string(severity) + "|" + target + "|" + matchedAt))
	return hex.EncodeToString(h[:16])
}
