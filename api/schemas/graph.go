package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// -- Attack-Surface Graph Data Model --

// NodeType represents the specific type of an entity (node) in the attack-surface
// graph. The values are lowercase to align with the database ENUM and with the
// type keys the force-directed renderer styles by.
type NodeType string

const (
	NodeDomain NodeType = "domain" // A root domain or discovered subdomain.
	NodeIP     NodeType = "ip"     // An IP address a domain resolves to.
	NodePort   NodeType = "port"   // An open network port.
	NodePath   NodeType = "path"   // A discovered filesystem/URL path.
	NodeURL    NodeType = "url"    // A live, probed URL.
)

// EdgeType defines the semantic type of a relationship (edge) between two nodes
// in the attack-surface graph.
type EdgeType string

const (
	EdgeHasSubdomain EdgeType = "has_subdomain" // e.g., A root DOMAIN has a subdomain DOMAIN.
	EdgeResolvesTo   EdgeType = "resolves_to"   // e.g., A DOMAIN resolves to an IP.
	EdgeExposes      EdgeType = "exposes"       // e.g., A DOMAIN exposes a PORT.
	EdgeServes       EdgeType = "serves"        // e.g., A DOMAIN serves a live URL.
	EdgeContains     EdgeType = "contains"      // e.g., A DOMAIN contains a discovered PATH.
	EdgeRedirectsTo  EdgeType = "redirects_to"  // e.g., A URL redirects to another URL.
)

// NodeID builds the natural key for a node. Within one session, (type, value)
// identifies at most one node, so the key doubles as the node's stable ID.
func NodeID(t NodeType, value string) string {
	return fmt.Sprintf("%s:%s", t, value)
}

// EdgeID builds the deterministic key for an edge. Edges are deduplicated by
// (source, target, type), so the key is stable across re-imports and reads.
func EdgeID(from, to string, t EdgeType) string {
	return fmt.Sprintf("%s|%s|%s", from, to, t)
}

// Node represents a single entity in the attack-surface graph. Each node has a
// natural-key ID, a type, a label for display, and risk/severity/size hints the
// renderer uses for styling.
type Node struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Type      NodeType `json:"type"`
	Label     string   `json:"label"`

	// Risk is the node's own risk value: the owning target's cumulative score
	// for domain nodes, the per-node rule weight for infrastructure nodes.
	Risk     int      `json:"risk"`
	Severity Severity `json:"severity"`
	// Size is a rendering hint, monotonically increasing with Risk.
	Size int `json:"size"`

	Properties json.RawMessage `json:"properties,omitempty"` // Flexible JSONB field for type-specific data.
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Edge represents a directed, typed relationship between two nodes in the same
// session. An edge never outlives either of its endpoints.
type Edge struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from"` // The ID of the source node.
	To        string    `json:"to"`   // The ID of the target node.
	Type      EdgeType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph is the visualization-ready view of one session's attack surface,
// returned by the graph read path. Nodes and edges are ordered by ID so two
// reads without intervening writes are identical.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// -- Node Property Schemas --

// DomainNodeProperties contains the specific attributes for a node of type
// NodeDomain.
type DomainNodeProperties struct {
	Root  bool   `json:"root,omitempty"`  // True for the session's root-domain node.
	Infra string `json:"infra,omitempty"` // Infrastructure classification, e.g. "cloud".
}

// IPNodeProperties contains the specific attributes for a node of type NodeIP.
type IPNodeProperties struct {
	PTR []string `json:"ptr,omitempty"` // Reverse-DNS names observed for the address.
}

// PortNodeProperties contains the specific attributes for a node of type NodePort.
type PortNodeProperties struct {
	Port   int    `json:"port"`
	Banner string `json:"banner,omitempty"` // Service banner observed on the port, if any.
}

// URLNodeProperties contains the specific attributes for a node of type NodeURL.
type URLNodeProperties struct {
	Status int    `json:"status,omitempty"` // HTTP status returned by the live probe.
	Server string `json:"server,omitempty"` // Server header returned by the live probe.
	// RedirectTarget marks URL nodes discovered only as a redirect destination.
	RedirectTarget bool `json:"redirect_target,omitempty"`
}

// -- Input Schemas for Bulk Operations --

// NodeInput is a data structure used for adding or merging nodes in bulk during
// an import. The store stamps session and timestamps on commit.
type NodeInput struct {
	ID         string          `json:"id"`
	Type       NodeType        `json:"type"`
	Label      string          `json:"label"`
	Risk       int             `json:"risk"`
	Severity   Severity        `json:"severity"`
	Size       int             `json:"size"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// EdgeInput is a data structure used for adding edges in bulk. Both endpoints
// must be present in the same update or already exist in the session.
type EdgeInput struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// TargetUpdate is the atomic unit an import commits for one target: the merged
// target fields, its score, and every node, edge, weak node reference, and
// auto-finding derived from the record. Either all of it persists or none does.
type TargetUpdate struct {
	Record   TargetRecord `json:"record"`
	Score    int          `json:"score"`
	Severity Severity     `json:"severity"`

	NodesToAdd []NodeInput `json:"nodes_to_add"`
	EdgesToAdd []EdgeInput `json:"edges_to_add"`
	// NodeRefs lists the IDs of every node this target's record produced. It is
	// the weak ownership set consulted on target-scoped cascade deletes.
	NodeRefs []string       `json:"node_refs"`
	Findings []FindingInput `json:"findings"`
}
