package store

import (
	"context"
	"errors"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// Sentinel errors shared by every Repository implementation. Callers match
// them with errors.Is; the API layer maps them onto HTTP statuses, so
// implementations must wrap rather than replace them.
var (
	// ErrNotFound reports that a referenced session, target, or finding does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSession reports a session name collision on create.
	ErrDuplicateSession = errors.New("session name already exists")

	// ErrMalformedRecord reports a target record that failed shape validation
	// before normalization or scoring ran.
	ErrMalformedRecord = errors.New("malformed target record")

	// ErrCascadeConflict reports a target-scoped delete whose id belongs to
	// no session. The delete is a no-op.
	ErrCascadeConflict = errors.New("cascade conflict")
)

// Repository is the persistence contract behind the import engine and the API
// layer. Two implementations exist: Postgres for real deployments and Memory
// for tests and DSN-less serving. Both enforce the same ownership rules:
// every child row belongs to exactly one session, session deletes cascade to
// everything, and target deletes remove only the target's exclusive slice of
// the graph.
type Repository interface {
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// CreateSession registers a new engagement under a unique name. Returns
	// ErrDuplicateSession when the name is already taken.
	CreateSession(ctx context.Context, name, rootDomain string) (schemas.Session, error)
	GetSession(ctx context.Context, id string) (schemas.Session, error)
	GetSessionByName(ctx context.Context, name string) (schemas.Session, error)
	ListSessions(ctx context.Context) ([]schemas.SessionSummary, error)
	// DeleteSession removes the session and, transitively, every target,
	// finding, node, edge, node ref, and event it owns.
	DeleteSession(ctx context.Context, id string) error

	// CommitTarget persists one target's derived state as a single atomic
	// unit: the target row (merged by session and domain), node and edge
	// upserts, weak node references, and replacement of the target's auto
	// findings. Manual findings are never touched. Edge endpoints must either
	// appear in the update's node set or already exist in the session (the
	// root-domain node is seeded up front via EnsureNodes).
	CommitTarget(ctx context.Context, sessionID string, update *schemas.TargetUpdate) (schemas.Target, error)
	GetTarget(ctx context.Context, id string) (schemas.Target, error)
	// ListTargets returns the session's targets ordered riskiest first.
	ListTargets(ctx context.Context, sessionID string) ([]schemas.Target, error)
	// DeleteTarget removes the target, its findings and events, and only the
	// nodes (plus their incident edges) referenced by no other target in the
	// session. Returns ErrCascadeConflict for an unknown id.
	DeleteTarget(ctx context.Context, id string) error

	// AddFinding appends a finding to input.TargetID; a blank source defaults
	// to manual.
	AddFinding(ctx context.Context, input schemas.FindingInput) (schemas.Finding, error)
	// ListFindings returns a target's findings ordered most severe first.
	ListFindings(ctx context.Context, targetID string) ([]schemas.Finding, error)
	DeleteFinding(ctx context.Context, id string) error

	// EnsureNodes inserts the given nodes where absent and leaves existing
	// rows untouched. The import path uses it to seed the root-domain node
	// without clobbering a previously scored one.
	EnsureNodes(ctx context.Context, sessionID string, nodes []schemas.NodeInput) error
	// GetGraph returns the session's full node and edge sets ordered by
	// natural key, so two reads without intervening writes are identical. An
	// unknown session yields empty sets, not an error.
	GetGraph(ctx context.Context, sessionID string) (schemas.Graph, error)
	// ClearGraph drops the session's nodes, edges, and refs while keeping the
	// session, its targets, and its findings.
	ClearGraph(ctx context.Context, sessionID string) error

	// RecordEvents appends timeline events in order. Events whose session has
	// disappeared are dropped rather than failed, so a buffered flush cannot
	// error out on a concurrent session delete.
	RecordEvents(ctx context.Context, events []schemas.Event) error
	ListEvents(ctx context.Context, sessionID string) ([]schemas.Event, error)

	// Stats counts everything the store holds.
	Stats(ctx context.Context) (schemas.StatsSnapshot, error)
}
