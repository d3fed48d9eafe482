package schemas

import "time"

// -- Session & Target Schemas --

// Session is the root unit of one recon engagement. It owns every target,
// finding, node, edge, and correlation event created under it; deleting a
// session cascades to all of them.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"` // Unique across sessions.
	RootDomain string    `json:"root_domain,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionSummary augments a session with child counts for listing endpoints.
type SessionSummary struct {
	Session
	TargetCount  int `json:"target_count"`
	FindingCount int `json:"finding_count"`
}

// Target is one discovered asset (a host/subdomain) within a session, holding
// the merged recon signals plus the computed risk score and tier. A domain is
// unique within its session; re-importing it merges fields instead of creating
// a duplicate.
type Target struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	Domain     string                 `json:"domain"`
	IPs        []string               `json:"ips,omitempty"`
	Ports      []int                  `json:"ports,omitempty"`
	PortDetail map[string]string      `json:"port_detail,omitempty"`
	DNSMeta    map[string]interface{} `json:"dns_meta,omitempty"`
	Alive      []ProbeResult          `json:"alive,omitempty"`
	Dirb       []string               `json:"dirb,omitempty"`
	InfraType  string                 `json:"infra_type,omitempty"`

	RiskScore int      `json:"risk_score"`
	Severity  Severity `json:"severity"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// -- Import Result Schemas --

// TargetError reports one target record that failed during a batch import.
type TargetError struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

// ImportResult is the per-batch outcome of an import: how many targets
// committed, and the per-target breakdown of the ones that did not. A failed
// target never aborts the rest of the batch.
type ImportResult struct {
	SessionID string        `json:"session_id"`
	Imported  int           `json:"imported"`
	Errors    []TargetError `json:"errors,omitempty"`
}

// -- Correlation Timeline Schemas --

// EventKind categorizes a correlation event on the session timeline.
type EventKind string

const (
	EventSessionCreated EventKind = "session_created"
	EventTargetImported EventKind = "target_imported"
	EventTargetFailed   EventKind = "target_failed"
	EventTargetDeleted  EventKind = "target_deleted"
	EventFindingAdded   EventKind = "finding_added"
	EventGraphCleared   EventKind = "graph_cleared"
)

// Event is one timestamped correlation entry describing something that
// happened during a session, used to reconstruct the engagement timeline.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TargetID  string    `json:"target_id,omitempty"`
	FindingID string    `json:"finding_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// -- Stats Schemas --

// StatsSnapshot is a point-in-time count of everything the store holds,
// surfaced by the stats endpoint.
type StatsSnapshot struct {
	Sessions int `json:"sessions"`
	Targets  int `json:"targets"`
	Findings int `json:"findings"`
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`

	FindingsBySeverity map[Severity]int `json:"findings_by_severity,omitempty"`
}
