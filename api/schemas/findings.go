package schemas

import (
	"strings"
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of a finding or a target's derived
// risk tier. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels.
const (
	SeverityCritical Severity = "critical" // Represents a critical-risk observation.
	SeverityHigh     Severity = "high"     // Represents a high-risk observation.
	SeverityMedium   Severity = "medium"   // Represents a medium-risk observation.
	SeverityLow      Severity = "low"      // Represents a low-risk observation.
	SeverityInfo     Severity = "info"     // Represents an informational observation.
)

// AllSeverities lists the known severities from most to least severe.
var AllSeverities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank returns a comparable weight for the severity, higher meaning more
// severe. Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// ParseSeverity normalizes a free-form severity string, tolerating the common
// synonyms recon tools emit. Unrecognized values fall back to info.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate", "med":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Finding sources, distinguishing evaluator output from operator entries.
// Auto findings are replaced wholesale when their target is re-imported;
// manual findings are never touched by the import path.
const (
	FindingSourceAuto   = "auto"
	FindingSourceManual = "manual"
)

// Finding encapsulates one discrete security-relevant observation tied to a
// target: a banner matching a known vulnerability, an exposed sensitive path,
// a risky open port. This struct maps directly to the `findings` table.
type Finding struct {
	ID        string `json:"id"`         // Unique identifier for the finding.
	SessionID string `json:"session_id"` // Owning session (denormalized for cascade).
	TargetID  string `json:"target_id"`  // The target this finding belongs to.

	Description string   `json:"description"` // Human-readable summary of the observation.
	Severity    Severity `json:"severity"`    // The severity level of the finding.
	Score       int      `json:"score"`       // The score contribution of the matched rule.
	Source      string   `json:"source"`      // "auto" (evaluator) or "manual" (operator).

	// RuleID names the scoring rule that produced an auto finding; empty for
	// manual findings.
	RuleID string `json:"rule_id,omitempty"`
	// Vulnerability carries the known-vulnerability identifier (e.g. a CVE)
	// annotated on the matched rule, when one exists.
	Vulnerability string `json:"vulnerability,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FindingInput is the data needed to create a finding; IDs and timestamps are
// stamped by the store on commit.
type FindingInput struct {
	TargetID      string   `json:"target_id,omitempty"`
	Description   string   `json:"description"`
	Severity      Severity `json:"severity"`
	Score         int      `json:"score"`
	Source        string   `json:"source"`
	RuleID        string   `json:"rule_id,omitempty"`
	Vulnerability string   `json:"vulnerability,omitempty"`
}
