package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

var _ Repository = (*Memory)(nil)

// Memory is a map-backed Repository used by tests and by `serve` when no
// database URL is configured. All state lives behind one RWMutex; every
// mutation runs under the write lock, so readers always observe fully
// committed imports and cascades.
type Memory struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[string]schemas.Session
	byName   map[string]string
	targets  map[string]schemas.Target
	findings map[string]schemas.Finding
	nodes    map[string]map[string]schemas.Node        // session id -> node id
	edges    map[string]map[string]schemas.Edge        // session id -> edge key
	refs     map[string]map[string]map[string]struct{} // session id -> target id -> node ids
	events   map[string][]schemas.Event                // session id -> chronological
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		log:      logger.Named("store"),
		sessions: make(map[string]schemas.Session),
		byName:   make(map[string]string),
		targets:  make(map[string]schemas.Target),
		findings: make(map[string]schemas.Finding),
		nodes:    make(map[string]map[string]schemas.Node),
		edges:    make(map[string]map[string]schemas.Edge),
		refs:     make(map[string]map[string]map[string]struct{}),
		events:   make(map[string][]schemas.Event),
	}
}

// Ping always succeeds; there is nothing to reach.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, name, rootDomain string) (schemas.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return schemas.Session{}, errors.New("session name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return schemas.Session{}, fmt.Errorf("session %q: %w", name, ErrDuplicateSession)
	}

	s := schemas.Session{
		ID:         uuid.NewString(),
		Name:       name,
		RootDomain: strings.TrimSpace(rootDomain),
		CreatedAt:  time.Now().UTC(),
	}
	m.sessions[s.ID] = s
	m.byName[s.Name] = s.ID
	m.nodes[s.ID] = make(map[string]schemas.Node)
	m.edges[s.ID] = make(map[string]schemas.Edge)
	m.refs[s.ID] = make(map[string]map[string]struct{})

	return s, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (schemas.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return schemas.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) GetSessionByName(ctx context.Context, name string) (schemas.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[strings.TrimSpace(name)]
	if !ok {
		return schemas.Session{}, fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	return m.sessions[id], nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]schemas.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schemas.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		sum := schemas.SessionSummary{Session: s}
		for _, t := range m.targets {
			if t.SessionID == s.ID {
				sum.TargetCount++
			}
		}
		for _, f := range m.findings {
			if f.SessionID == s.ID {
				sum.FindingCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	delete(m.sessions, id)
	delete(m.byName, s.Name)
	for tid, t := range m.targets {
		if t.SessionID == id {
			delete(m.targets, tid)
		}
	}
	for fid, f := range m.findings {
		if f.SessionID == id {
			delete(m.findings, fid)
		}
	}
	delete(m.nodes, id)
	delete(m.edges, id)
	delete(m.refs, id)
	delete(m.events, id)

	return nil
}

func (m *Memory) CommitTarget(ctx context.Context, sessionID string, update *schemas.TargetUpdate) (schemas.Target, error) {
	if update == nil {
		return schemas.Target{}, errors.New("target update is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return schemas.Target{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	rec := update.Record
	now := time.Now().UTC()

	t, ok := m.findTarget(sessionID, rec.Domain)
	if !ok {
		t = schemas.Target{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Domain:    rec.Domain,
			CreatedAt: now,
		}
	}
	t.IPs = cloneStrings(rec.IPs)
	t.Ports = cloneInts(rec.Ports)
	t.PortDetail = cloneStringMap(rec.PortDetail)
	t.DNSMeta = cloneMeta(rec.DNSMeta)
	t.Alive = cloneProbes(rec.Alive)
	t.Dirb = cloneStrings(rec.Dirb)
	t.InfraType = rec.Infra.Type
	t.RiskScore = update.Score
	t.Severity = update.Severity
	t.UpdatedAt = now
	m.targets[t.ID] = t

	sessionNodes := m.nodes[sessionID]
	for _, in := range update.NodesToAdd {
		n, exists := sessionNodes[in.ID]
		if !exists {
			n = schemas.Node{ID: in.ID, SessionID: sessionID, CreatedAt: now}
		}
		n.Type = in.Type
		n.Label = in.Label
		n.Risk = in.Risk
		n.Severity = in.Severity
		n.Size = in.Size
		n.Properties = cloneRaw(in.Properties)
		n.UpdatedAt = now
		sessionNodes[in.ID] = n
	}

	sessionEdges := m.edges[sessionID]
	for _, in := range update.EdgesToAdd {
		key := schemas.EdgeID(in.From, in.To, in.Type)
		if _, exists := sessionEdges[key]; exists {
			continue
		}
		sessionEdges[key] = schemas.Edge{
			ID:        key,
			SessionID: sessionID,
			From:      in.From,
			To:        in.To,
			Type:      in.Type,
			CreatedAt: now,
		}
	}

	targetRefs := m.refs[sessionID][t.ID]
	if targetRefs == nil {
		targetRefs = make(map[string]struct{})
		m.refs[sessionID][t.ID] = targetRefs
	}
	for _, nodeID := range update.NodeRefs {
		targetRefs[nodeID] = struct{}{}
	}

	// Re-imports replace the evaluator's findings wholesale; manual entries
	// are left alone.
	for fid, f := range m.findings {
		if f.TargetID == t.ID && f.Source == schemas.FindingSourceAuto {
			delete(m.findings, fid)
		}
	}
	for _, in := range update.Findings {
		f := schemas.Finding{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			TargetID:      t.ID,
			Description:   in.Description,
			Severity:      in.Severity,
			Score:         in.Score,
			Source:        in.Source,
			RuleID:        in.RuleID,
			Vulnerability: in.Vulnerability,
			CreatedAt:     now,
		}
		m.findings[f.ID] = f
	}

	return cloneTarget(t), nil
}

func (m *Memory) GetTarget(ctx context.Context, id string) (schemas.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[id]
	if !ok {
		return schemas.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return cloneTarget(t), nil
}

func (m *Memory) ListTargets(ctx context.Context, sessionID string) ([]schemas.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	out := make([]schemas.Target, 0)
	for _, t := range m.targets {
		if t.SessionID == sessionID {
			out = append(out, cloneTarget(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].Domain < out[j].Domain
	})
	return out, nil
}

func (m *Memory) DeleteTarget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, ErrCascadeConflict)
	}
	sid := t.SessionID

	// Nodes referenced by this target and nobody else die with it, along
	// with every edge touching them. Shared nodes survive untouched.
	exclusive := make(map[string]struct{})
	for nodeID := range m.refs[sid][id] {
		shared := false
		for otherID, otherRefs := range m.refs[sid] {
			if otherID == id {
				continue
			}
			if _, ok := otherRefs[nodeID]; ok {
				shared = true
				break
			}
		}
		if !shared {
			exclusive[nodeID] = struct{}{}
		}
	}

	for key, e := range m.edges[sid] {
		_, fromGone := exclusive[e.From]
		_, toGone := exclusive[e.To]
		if fromGone || toGone {
			delete(m.edges[sid], key)
		}
	}
	for nodeID := range exclusive {
		delete(m.nodes[sid], nodeID)
	}
	delete(m.refs[sid], id)

	for fid, f := range m.findings {
		if f.TargetID == id {
			delete(m.findings, fid)
		}
	}

	kept := m.events[sid][:0]
	for _, e := range m.events[sid] {
		if e.TargetID != id {
			kept = append(kept, e)
		}
	}
	if len(m.events[sid]) > 0 {
		m.events[sid] = kept
	}

	delete(m.targets, id)
	return nil
}

func (m *Memory) AddFinding(ctx context.Context, input schemas.FindingInput) (schemas.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[input.TargetID]
	if !ok {
		return schemas.Finding{}, fmt.Errorf("target %s: %w", input.TargetID, ErrNotFound)
	}

	source := input.Source
	if source == "" {
		source = schemas.FindingSourceManual
	}
	f := schemas.Finding{
		ID:            uuid.NewString(),
		SessionID:     t.SessionID,
		TargetID:      t.ID,
		Description:   input.Description,
		Severity:      input.Severity,
		Score:         input.Score,
		Source:        source,
		RuleID:        input.RuleID,
		Vulnerability: input.Vulnerability,
		CreatedAt:     time.Now().UTC(),
	}
	m.findings[f.ID] = f
	return f, nil
}

func (m *Memory) ListFindings(ctx context.Context, targetID string) ([]schemas.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.targets[targetID]; !ok {
		return nil, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}

	out := make([]schemas.Finding, 0)
	for _, f := range m.findings {
		if f.TargetID == targetID {
			out = append(out, f)
		}
	}
	sortFindings(out)
	return out, nil
}

func (m *Memory) DeleteFinding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findings[id]; !ok {
		return fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	delete(m.findings, id)

	// Timeline entries keep their message but drop the dangling reference.
	for sid := range m.events {
		evs := m.events[sid]
		for i := range evs {
			if evs[i].FindingID == id {
				evs[i].FindingID = ""
			}
		}
	}
	return nil
}

func (m *Memory) EnsureNodes(ctx context.Context, sessionID string, nodes []schemas.NodeInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionNodes, ok := m.nodes[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	now := time.Now().UTC()
	for _, in := range nodes {
		if _, exists := sessionNodes[in.ID]; exists {
			continue
		}
		sessionNodes[in.ID] = schemas.Node{
			ID:         in.ID,
			SessionID:  sessionID,
			Type:       in.Type,
			Label:      in.Label,
			Risk:       in.Risk,
			Severity:   in.Severity,
			Size:       in.Size,
			Properties: cloneRaw(in.Properties),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return nil
}

func (m *Memory) GetGraph(ctx context.Context, sessionID string) (schemas.Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	graph := schemas.Graph{
		Nodes: make([]schemas.Node, 0, len(m.nodes[sessionID])),
		Edges: make([]schemas.Edge, 0, len(m.edges[sessionID])),
	}
	for _, n := range m.nodes[sessionID] {
		n.Properties = cloneRaw(n.Properties)
		graph.Nodes = append(graph.Nodes, n)
	}
	for _, e := range m.edges[sessionID] {
		graph.Edges = append(graph.Edges, e)
	}
	sort.Slice(graph.Nodes, func(i, j int) bool { return graph.Nodes[i].ID < graph.Nodes[j].ID })
	sort.Slice(graph.Edges, func(i, j int) bool { return graph.Edges[i].ID < graph.Edges[j].ID })
	return graph, nil
}

func (m *Memory) ClearGraph(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	m.nodes[sessionID] = make(map[string]schemas.Node)
	m.edges[sessionID] = make(map[string]schemas.Edge)
	m.refs[sessionID] = make(map[string]map[string]struct{})
	return nil
}

func (m *Memory) RecordEvents(ctx context.Context, events []schemas.Event) error {
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range events {
		if _, ok := m.sessions[e.SessionID]; !ok {
			m.log.Debug("Dropping event for missing session",
				zap.String("session_id", e.SessionID),
				zap.String("kind", string(e.Kind)))
			continue
		}
		m.events[e.SessionID] = append(m.events[e.SessionID], e)
	}
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, sessionID string) ([]schemas.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	out := make([]schemas.Event, len(m.events[sessionID]))
	copy(out, m.events[sessionID])
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (schemas.StatsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := schemas.StatsSnapshot{
		Sessions: len(m.sessions),
		Targets:  len(m.targets),
		Findings: len(m.findings),
	}
	for _, sessionNodes := range m.nodes {
		snap.Nodes += len(sessionNodes)
	}
	for _, sessionEdges := range m.edges {
		snap.Edges += len(sessionEdges)
	}
	if len(m.findings) > 0 {
		snap.FindingsBySeverity = make(map[schemas.Severity]int)
		for _, f := range m.findings {
			snap.FindingsBySeverity[f.Severity]++
		}
	}
	return snap, nil
}

// findTarget scans for the session's target by domain. Callers hold the lock.
func (m *Memory) findTarget(sessionID, domain string) (schemas.Target, bool) {
	for _, t := range m.targets {
		if t.SessionID == sessionID && t.Domain == domain {
			return t, true
		}
	}
	return schemas.Target{}, false
}

// sortFindings orders most severe first, ties broken by score, then age.
func sortFindings(findings []schemas.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		ri, rj := findings[i].Severity.Rank(), findings[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if findings[i].Score != findings[j].Score {
			return findings[i].Score > findings[j].Score
		}
		if !findings[i].CreatedAt.Equal(findings[j].CreatedAt) {
			return findings[i].CreatedAt.Before(findings[j].CreatedAt)
		}
		return findings[i].ID < findings[j].ID
	})
}

// -- Clone helpers: reads hand out copies so callers can't mutate shared state. --

func cloneTarget(t schemas.Target) schemas.Target {
	t.IPs = cloneStrings(t.IPs)
	t.Ports = cloneInts(t.Ports)
	t.PortDetail = cloneStringMap(t.PortDetail)
	t.DNSMeta = cloneMeta(t.DNSMeta)
	t.Alive = cloneProbes(t.Alive)
	t.Dirb = cloneStrings(t.Dirb)
	return t
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMeta(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProbes(in []schemas.ProbeResult) []schemas.ProbeResult {
	if len(in) == 0 {
		return nil
	}
	out := make([]schemas.ProbeResult, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
