package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Repository = (*Postgres)(nil)

// Postgres provides a PostgreSQL implementation of the Repository interface.
// Cascades lean on the schema's foreign keys: session deletes fan out through
// ON DELETE CASCADE, and removing a node takes its incident edges and refs
// with it.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    root_domain TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    domain TEXT NOT NULL,
    ips TEXT[] NOT NULL DEFAULT '{}',
    ports INTEGER[] NOT NULL DEFAULT '{}',
    port_detail JSONB NOT NULL DEFAULT '{}',
    dns_meta JSONB NOT NULL DEFAULT '{}',
    alive JSONB NOT NULL DEFAULT '[]',
    dirb TEXT[] NOT NULL DEFAULT '{}',
    infra_type TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL DEFAULT 'info',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (session_id, domain)
);

CREATE TABLE IF NOT EXISTS findings (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    target_id UUID NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
    description TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'info',
    score INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL DEFAULT 'auto',
    rule_id TEXT NOT NULL DEFAULT '',
    vulnerability TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_nodes (
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    type TEXT NOT NULL,
    label TEXT NOT NULL,
    risk INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL DEFAULT 'info',
    size INTEGER NOT NULL DEFAULT 8,
    properties JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS graph_edges (
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    from_node TEXT NOT NULL,
    to_node TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, from_node, to_node, type),
    FOREIGN KEY (session_id, from_node) REFERENCES graph_nodes (session_id, id) ON DELETE CASCADE,
    FOREIGN KEY (session_id, to_node) REFERENCES graph_nodes (session_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS target_node_refs (
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    target_id UUID NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
    node_id TEXT NOT NULL,
    PRIMARY KEY (target_id, node_id),
    FOREIGN KEY (session_id, node_id) REFERENCES graph_nodes (session_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS events (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    target_id UUID REFERENCES targets(id) ON DELETE CASCADE,
    finding_id UUID REFERENCES findings(id) ON DELETE SET NULL,
    kind TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_session ON targets (session_id);
CREATE INDEX IF NOT EXISTS idx_findings_target ON findings (target_id);
CREATE INDEX IF NOT EXISTS idx_findings_session ON findings (session_id);
CREATE INDEX IF NOT EXISTS idx_refs_session_node ON target_node_refs (session_id, node_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, created_at);
`

// InitSchema creates the tables and indexes if they do not exist yet.
func (s *Postgres) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) CreateSession(ctx context.Context, name, rootDomain string) (schemas.Session, error) {
	sess := schemas.Session{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(name),
		RootDomain: strings.TrimSpace(rootDomain),
		CreatedAt:  time.Now().UTC(),
	}
	if sess.Name == "" {
		return schemas.Session{}, errors.New("session name is required")
	}

	query := `
        INSERT INTO sessions (id, name, root_domain, created_at)
        VALUES ($1, $2, $3, $4);
    `
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.Name, sess.RootDomain, sess.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return schemas.Session{}, fmt.Errorf("session %q: %w", sess.Name, ErrDuplicateSession)
		}
		return schemas.Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (schemas.Session, error) {
	query := `
        SELECT id, name, root_domain, created_at
        FROM sessions
        WHERE id = $1;
    `
	var sess schemas.Session
	err := s.pool.QueryRow(ctx, query, id).Scan(&sess.ID, &sess.Name, &sess.RootDomain, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *Postgres) GetSessionByName(ctx context.Context, name string) (schemas.Session, error) {
	query := `
        SELECT id, name, root_domain, created_at
        FROM sessions
        WHERE name = $1;
    `
	var sess schemas.Session
	err := s.pool.QueryRow(ctx, query, strings.TrimSpace(name)).Scan(&sess.ID, &sess.Name, &sess.RootDomain, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Session{}, fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to query session by name: %w", err)
	}
	return sess, nil
}

func (s *Postgres) ListSessions(ctx context.Context) ([]schemas.SessionSummary, error) {
	query := `
        SELECT s.id, s.name, s.root_domain, s.created_at,
               COUNT(DISTINCT t.id) AS target_count,
               COUNT(DISTINCT f.id) AS finding_count
        FROM sessions s
        LEFT JOIN targets t ON t.session_id = s.id
        LEFT JOIN findings f ON f.session_id = s.id
        GROUP BY s.id, s.name, s.root_domain, s.created_at
        ORDER BY s.created_at DESC, s.name ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.SessionSummary, 0)
	for rows.Next() {
		var sum schemas.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.RootDomain, &sum.CreatedAt, &sum.TargetCount, &sum.FindingCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, id string) error {
	// Child rows fall with the session via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) CommitTarget(ctx context.Context, sessionID string, update *schemas.TargetUpdate) (schemas.Target, error) {
	if update == nil {
		return schemas.Target{}, errors.New("target update is required")
	}

	rec := update.Record
	now := time.Now().UTC()

	ips := rec.IPs
	if ips == nil {
		ips = []string{}
	}
	ports := rec.Ports
	if ports == nil {
		ports = []int{}
	}
	dirb := rec.Dirb
	if dirb == nil {
		dirb = []string{}
	}
	portDetail, err := marshalJSONB(rec.PortDetail, "{}")
	if err != nil {
		return schemas.Target{}, fmt.Errorf("failed to encode port_detail: %w", err)
	}
	dnsMeta, err := marshalJSONB(rec.DNSMeta, "{}")
	if err != nil {
		return schemas.Target{}, fmt.Errorf("failed to encode dns_meta: %w", err)
	}
	alive, err := marshalJSONB(rec.Alive, "[]")
	if err != nil {
		return schemas.Target{}, fmt.Errorf("failed to encode alive: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schemas.Target{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	query := `
        INSERT INTO targets (id, session_id, domain, ips, ports, port_detail, dns_meta, alive, dirb, infra_type, risk_score, severity, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
        ON CONFLICT (session_id, domain) DO UPDATE SET
            ips = EXCLUDED.ips,
            ports = EXCLUDED.ports,
            port_detail = EXCLUDED.port_detail,
            dns_meta = EXCLUDED.dns_meta,
            alive = EXCLUDED.alive,
            dirb = EXCLUDED.dirb,
            infra_type = EXCLUDED.infra_type,
            risk_score = EXCLUDED.risk_score,
            severity = EXCLUDED.severity,
            updated_at = EXCLUDED.updated_at
        RETURNING id, created_at;
    `
	t := schemas.Target{
		SessionID:  sessionID,
		Domain:     rec.Domain,
		IPs:        ips,
		Ports:      ports,
		PortDetail: rec.PortDetail,
		DNSMeta:    rec.DNSMeta,
		Alive:      rec.Alive,
		Dirb:       dirb,
		InfraType:  rec.Infra.Type,
		RiskScore:  update.Score,
		Severity:   update.Severity,
		UpdatedAt:  now,
	}
	err = tx.QueryRow(ctx, query,
		uuid.NewString(), sessionID, rec.Domain,
		ips, ports, portDetail, dnsMeta, alive, dirb,
		rec.Infra.Type, update.Score, string(update.Severity), now,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return schemas.Target{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return schemas.Target{}, fmt.Errorf("failed to upsert target: %w", err)
	}

	if err := s.persistGraph(ctx, tx, sessionID, t.ID, update, now); err != nil {
		return schemas.Target{}, err
	}
	if err := s.replaceAutoFindings(ctx, tx, sessionID, t.ID, update.Findings, now); err != nil {
		return schemas.Target{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.Target{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return t, nil
}

// persistGraph queues the update's node upserts, edge upserts, and node refs
// as one batch. Order matters: refs and edges carry foreign keys onto nodes.
func (s *Postgres) persistGraph(ctx context.Context, tx pgx.Tx, sessionID, targetID string, update *schemas.TargetUpdate, now time.Time) error {
	total := len(update.NodesToAdd) + len(update.EdgesToAdd) + len(update.NodeRefs)
	if total == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	sqlNodes := `
        INSERT INTO graph_nodes (session_id, id, type, label, risk, severity, size, properties, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (session_id, id) DO UPDATE SET
            label = EXCLUDED.label,
            risk = EXCLUDED.risk,
            severity = EXCLUDED.severity,
            size = EXCLUDED.size,
            properties = EXCLUDED.properties,
            updated_at = EXCLUDED.updated_at;
    `
	for _, n := range update.NodesToAdd {
		properties := n.Properties
		if len(properties) == 0 || string(properties) == "null" {
			properties = json.RawMessage("{}")
		}
		batch.Queue(sqlNodes, sessionID, n.ID, string(n.Type), n.Label, n.Risk, string(n.Severity), n.Size, properties, now, now)
	}

	sqlEdges := `
        INSERT INTO graph_edges (session_id, from_node, to_node, type, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (session_id, from_node, to_node, type) DO NOTHING;
    `
	for _, e := range update.EdgesToAdd {
		batch.Queue(sqlEdges, sessionID, e.From, e.To, string(e.Type), now)
	}

	sqlRefs := `
        INSERT INTO target_node_refs (session_id, target_id, node_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (target_id, node_id) DO NOTHING;
    `
	for _, nodeID := range update.NodeRefs {
		batch.Queue(sqlRefs, sessionID, targetID, nodeID)
	}

	br := tx.SendBatch(ctx, batch)
	defer func() {
		_ = br.Close()
	}()

	for i := 0; i < total; i++ {
		if _, err := br.Exec(); err != nil {
			switch {
			case i < len(update.NodesToAdd):
				return fmt.Errorf("failed to execute batch insert for node %s: %w", update.NodesToAdd[i].ID, err)
			case i < len(update.NodesToAdd)+len(update.EdgesToAdd):
				e := update.EdgesToAdd[i-len(update.NodesToAdd)]
				return fmt.Errorf("failed to execute batch insert for edge %s: %w", schemas.EdgeID(e.From, e.To, e.Type), err)
			default:
				nodeID := update.NodeRefs[i-len(update.NodesToAdd)-len(update.EdgesToAdd)]
				return fmt.Errorf("failed to execute batch insert for node ref %s: %w", nodeID, err)
			}
		}
	}
	return nil
}

// replaceAutoFindings drops the target's previous evaluator findings and bulk
// loads the new set, leaving manual findings untouched.
func (s *Postgres) replaceAutoFindings(ctx context.Context, tx pgx.Tx, sessionID, targetID string, findings []schemas.FindingInput, now time.Time) error {
	if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE target_id = $1 AND source = $2;`, targetID, schemas.FindingSourceAuto); err != nil {
		return fmt.Errorf("failed to delete previous auto findings: %w", err)
	}
	if len(findings) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		rows[i] = []interface{}{
			uuid.NewString(), sessionID, targetID,
			f.Description, string(f.Severity), f.Score,
			f.Source, f.RuleID, f.Vulnerability,
			now,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"id", "session_id", "target_id", "description", "severity", "score", "source", "rule_id", "vulnerability", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

func (s *Postgres) GetTarget(ctx context.Context, id string) (schemas.Target, error) {
	query := `
        SELECT id, session_id, domain, ips, ports, port_detail, dns_meta, alive, dirb, infra_type, risk_score, severity, created_at, updated_at
        FROM targets
        WHERE id = $1;
    `
	t, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schemas.Target{}, fmt.Errorf("failed to query target: %w", err)
	}
	return t, nil
}

func (s *Postgres) ListTargets(ctx context.Context, sessionID string) ([]schemas.Target, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, session_id, domain, ips, ports, port_detail, dns_meta, alive, dirb, infra_type, risk_score, severity, created_at, updated_at
        FROM targets
        WHERE session_id = $1
        ORDER BY risk_score DESC, domain ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.Target, 0)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeleteTarget(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	var sessionID string
	err = tx.QueryRow(ctx, `SELECT session_id FROM targets WHERE id = $1;`, id).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("target %s: %w", id, ErrCascadeConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve target session: %w", err)
	}

	// Drop nodes only this target references; incident edges and refs follow
	// via foreign keys. Shared nodes survive.
	exclusiveNodes := `
        DELETE FROM graph_nodes n
        WHERE n.session_id = $2
          AND n.id IN (
              SELECT r.node_id
              FROM target_node_refs r
              WHERE r.target_id = $1
          )
          AND NOT EXISTS (
              SELECT 1
              FROM target_node_refs o
              WHERE o.session_id = $2
                AND o.node_id = n.id
                AND o.target_id <> $1
          );
    `
	if _, err := tx.Exec(ctx, exclusiveNodes, id, sessionID); err != nil {
		return fmt.Errorf("failed to delete exclusive nodes: %w", err)
	}

	// Findings, events, and remaining refs cascade with the target row.
	if _, err := tx.Exec(ctx, `DELETE FROM targets WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) AddFinding(ctx context.Context, input schemas.FindingInput) (schemas.Finding, error) {
	var sessionID string
	err := s.pool.QueryRow(ctx, `SELECT session_id FROM targets WHERE id = $1;`, input.TargetID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Finding{}, fmt.Errorf("target %s: %w", input.TargetID, ErrNotFound)
	}
	if err != nil {
		return schemas.Finding{}, fmt.Errorf("failed to resolve target session: %w", err)
	}

	source := input.Source
	if source == "" {
		source = schemas.FindingSourceManual
	}
	f := schemas.Finding{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		TargetID:      input.TargetID,
		Description:   input.Description,
		Severity:      input.Severity,
		Score:         input.Score,
		Source:        source,
		RuleID:        input.RuleID,
		Vulnerability: input.Vulnerability,
		CreatedAt:     time.Now().UTC(),
	}

	query := `
        INSERT INTO findings (id, session_id, target_id, description, severity, score, source, rule_id, vulnerability, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `
	_, err = s.pool.Exec(ctx, query,
		f.ID, f.SessionID, f.TargetID, f.Description, string(f.Severity),
		f.Score, f.Source, f.RuleID, f.Vulnerability, f.CreatedAt,
	)
	if err != nil {
		return schemas.Finding{}, fmt.Errorf("failed to insert finding: %w", err)
	}
	return f, nil
}

func (s *Postgres) ListFindings(ctx context.Context, targetID string) ([]schemas.Finding, error) {
	var sessionID string
	err := s.pool.QueryRow(ctx, `SELECT session_id FROM targets WHERE id = $1;`, targetID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target session: %w", err)
	}

	query := `
        SELECT id, session_id, target_id, description, severity, score, source, rule_id, vulnerability, created_at
        FROM findings
        WHERE target_id = $1
        ORDER BY CASE severity
                WHEN 'critical' THEN 4
                WHEN 'high' THEN 3
                WHEN 'medium' THEN 2
                WHEN 'low' THEN 1
                ELSE 0
            END DESC, score DESC, created_at ASC, id ASC;
    `
	rows, err := s.pool.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.Finding, 0)
	for rows.Next() {
		var f schemas.Finding
		var severity string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.TargetID, &f.Description, &severity, &f.Score, &f.Source, &f.RuleID, &f.Vulnerability, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Severity = schemas.Severity(severity)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeleteFinding(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM findings WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete finding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) EnsureNodes(ctx context.Context, sessionID string, nodes []schemas.NodeInput) error {
	if len(nodes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	query := `
        INSERT INTO graph_nodes (session_id, id, type, label, risk, severity, size, properties, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (session_id, id) DO NOTHING;
    `
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, n := range nodes {
		properties := n.Properties
		if len(properties) == 0 || string(properties) == "null" {
			properties = json.RawMessage("{}")
		}
		batch.Queue(query, sessionID, n.ID, string(n.Type), n.Label, n.Risk, string(n.Severity), n.Size, properties, now, now)
	}

	br := tx.SendBatch(ctx, batch)
	defer func() {
		_ = br.Close()
	}()
	for i := range nodes {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to ensure node %s: %w", nodes[i].ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) GetGraph(ctx context.Context, sessionID string) (schemas.Graph, error) {
	// Both reads run inside one repeatable-read transaction so a concurrent
	// import cannot show up half-committed between the two queries.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return schemas.Graph{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	graph := schemas.Graph{
		Nodes: make([]schemas.Node, 0),
		Edges: make([]schemas.Edge, 0),
	}

	nodeQuery := `
        SELECT id, type, label, risk, severity, size, properties, created_at, updated_at
        FROM graph_nodes
        WHERE session_id = $1
        ORDER BY id ASC;
    `
	nodeRows, err := tx.Query(ctx, nodeQuery, sessionID)
	if err != nil {
		return schemas.Graph{}, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var (
			n        schemas.Node
			nodeType string
			severity string
		)
		if err := nodeRows.Scan(&n.ID, &nodeType, &n.Label, &n.Risk, &severity, &n.Size, &n.Properties, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return schemas.Graph{}, fmt.Errorf("failed to scan node row: %w", err)
		}
		n.SessionID = sessionID
		n.Type = schemas.NodeType(nodeType)
		n.Severity = schemas.Severity(severity)
		graph.Nodes = append(graph.Nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return schemas.Graph{}, fmt.Errorf("error during node iteration: %w", err)
	}

	edgeQuery := `
        SELECT from_node, to_node, type, created_at
        FROM graph_edges
        WHERE session_id = $1
        ORDER BY from_node ASC, to_node ASC, type ASC;
    `
	edgeRows, err := tx.Query(ctx, edgeQuery, sessionID)
	if err != nil {
		return schemas.Graph{}, fmt.Errorf("failed to query edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var (
			e        schemas.Edge
			edgeType string
		)
		if err := edgeRows.Scan(&e.From, &e.To, &edgeType, &e.CreatedAt); err != nil {
			return schemas.Graph{}, fmt.Errorf("failed to scan edge row: %w", err)
		}
		e.SessionID = sessionID
		e.Type = schemas.EdgeType(edgeType)
		e.ID = schemas.EdgeID(e.From, e.To, e.Type)
		graph.Edges = append(graph.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return schemas.Graph{}, fmt.Errorf("error during edge iteration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.Graph{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return graph, nil
}

func (s *Postgres) ClearGraph(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1;`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	// Edges and refs cascade with their nodes.
	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE session_id = $1;`, sessionID); err != nil {
		return fmt.Errorf("failed to clear graph: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) RecordEvents(ctx context.Context, events []schemas.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	// The WHERE EXISTS guard silently drops events whose session vanished
	// between buffering and flush; the scalar subselects null out references
	// to targets or findings that are already gone.
	query := `
        INSERT INTO events (id, session_id, target_id, finding_id, kind, message, created_at)
        SELECT $1, $2,
               (SELECT id FROM targets WHERE id = $3),
               (SELECT id FROM findings WHERE id = $4),
               $5, $6, $7
        WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2);
    `
	batch := &pgx.Batch{}
	for _, e := range events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		batch.Queue(query, id, e.SessionID, nullableID(e.TargetID), nullableID(e.FindingID), string(e.Kind), e.Message, createdAt.UTC())
	}

	br := tx.SendBatch(ctx, batch)
	defer func() {
		_ = br.Close()
	}()
	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert event %s: %w", string(events[i].Kind), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) ListEvents(ctx context.Context, sessionID string) ([]schemas.Event, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, session_id, COALESCE(target_id::text, ''), COALESCE(finding_id::text, ''), kind, message, created_at
        FROM events
        WHERE session_id = $1
        ORDER BY created_at ASC, id ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.Event, 0)
	for rows.Next() {
		var (
			e    schemas.Event
			kind string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TargetID, &e.FindingID, &kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Kind = schemas.EventKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) Stats(ctx context.Context) (schemas.StatsSnapshot, error) {
	var snap schemas.StatsSnapshot
	countQuery := `
        SELECT
            (SELECT COUNT(*) FROM sessions),
            (SELECT COUNT(*) FROM targets),
            (SELECT COUNT(*) FROM findings),
            (SELECT COUNT(*) FROM graph_nodes),
            (SELECT COUNT(*) FROM graph_edges);
    `
	err := s.pool.QueryRow(ctx, countQuery).Scan(&snap.Sessions, &snap.Targets, &snap.Findings, &snap.Nodes, &snap.Edges)
	if err != nil {
		return schemas.StatsSnapshot{}, fmt.Errorf("failed to query stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT severity, COUNT(*) FROM findings GROUP BY severity;`)
	if err != nil {
		return schemas.StatsSnapshot{}, fmt.Errorf("failed to query severity counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			severity string
			count    int
		)
		if err := rows.Scan(&severity, &count); err != nil {
			return schemas.StatsSnapshot{}, fmt.Errorf("failed to scan severity row: %w", err)
		}
		if snap.FindingsBySeverity == nil {
			snap.FindingsBySeverity = make(map[schemas.Severity]int)
		}
		snap.FindingsBySeverity[schemas.Severity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		return schemas.StatsSnapshot{}, fmt.Errorf("error during row iteration: %w", err)
	}
	return snap, nil
}

// rollback closes out a transaction, suppressing the expected error when the
// transaction already committed.
func (s *Postgres) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func (s *Postgres) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1;`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	return nil
}

// scanTarget reads one target row; pgx.Rows satisfies pgx.Row so list and
// single-row paths share it.
func scanTarget(row pgx.Row) (schemas.Target, error) {
	var (
		t          schemas.Target
		severity   string
		portDetail []byte
		dnsMeta    []byte
		alive      []byte
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.Domain, &t.IPs, &t.Ports,
		&portDetail, &dnsMeta, &alive,
		&t.Dirb, &t.InfraType, &t.RiskScore, &severity,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return schemas.Target{}, err
	}
	t.Severity = schemas.Severity(severity)

	if len(portDetail) > 0 {
		if err := json.Unmarshal(portDetail, &t.PortDetail); err != nil {
			return schemas.Target{}, fmt.Errorf("failed to decode port_detail: %w", err)
		}
	}
	if len(dnsMeta) > 0 {
		if err := json.Unmarshal(dnsMeta, &t.DNSMeta); err != nil {
			return schemas.Target{}, fmt.Errorf("failed to decode dns_meta: %w", err)
		}
	}
	if len(alive) > 0 {
		if err := json.Unmarshal(alive, &t.Alive); err != nil {
			return schemas.Target{}, fmt.Errorf("failed to decode alive: %w", err)
		}
	}
	return t, nil
}

// marshalJSONB encodes v for a JSONB column, mapping nil and JSON null onto
// the given empty literal so NOT NULL columns stay clean.
func marshalJSONB(v interface{}, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
