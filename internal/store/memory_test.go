package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// -- Test Helper Functions --

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(zap.NewNop())
}

func seedSession(t *testing.T, m *Memory, name, rootDomain string) schemas.Session {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), name, rootDomain)
	require.NoError(t, err)
	return sess
}

func domainNode(domain string, risk int) schemas.NodeInput {
	return schemas.NodeInput{
		ID:       schemas.NodeID(schemas.NodeDomain, domain),
		Type:     schemas.NodeDomain,
		Label:    domain,
		Risk:     risk,
		Severity: schemas.SeverityInfo,
		Size:     16 + risk/5,
	}
}

func ipNode(ip string) schemas.NodeInput {
	return schemas.NodeInput{
		ID:       schemas.NodeID(schemas.NodeIP, ip),
		Type:     schemas.NodeIP,
		Label:    ip,
		Severity: schemas.SeverityInfo,
		Size:     10,
	}
}

// hostUpdate builds the kind of bundle the normalizer emits for a domain
// resolving to a set of IPs.
func hostUpdate(domain string, score int, ips ...string) *schemas.TargetUpdate {
	update := &schemas.TargetUpdate{
		Record:   schemas.TargetRecord{Domain: domain, IPs: ips},
		Score:    score,
		Severity: schemas.SeverityInfo,
	}
	dn := domainNode(domain, score)
	update.NodesToAdd = append(update.NodesToAdd, dn)
	update.NodeRefs = append(update.NodeRefs, dn.ID)
	for _, ip := range ips {
		in := ipNode(ip)
		update.NodesToAdd = append(update.NodesToAdd, in)
		update.NodeRefs = append(update.NodeRefs, in.ID)
		update.EdgesToAdd = append(update.EdgesToAdd, schemas.EdgeInput{
			From: dn.ID,
			To:   in.ID,
			Type: schemas.EdgeResolvesTo,
		})
	}
	return update
}

// -- Test Cases --

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should create and fetch a session by id and name", func(t *testing.T) {
		m := newTestStore(t)
		created := seedSession(t, m, "acme-recon", "example.com")
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "example.com", created.RootDomain)

		byID, err := m.GetSession(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created, byID)

		byName, err := m.GetSessionByName(ctx, "acme-recon")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)
	})

	t.Run("should reject a duplicate session name", func(t *testing.T) {
		m := newTestStore(t)
		seedSession(t, m, "acme-recon", "")

		_, err := m.CreateSession(ctx, "acme-recon", "other.com")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateSession)
	})

	t.Run("should reject a blank session name", func(t *testing.T) {
		m := newTestStore(t)
		_, err := m.CreateSession(ctx, "   ", "")
		require.Error(t, err)
	})

	t.Run("should report missing sessions", func(t *testing.T) {
		m := newTestStore(t)
		_, err := m.GetSession(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = m.GetSessionByName(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should list sessions with child counts", func(t *testing.T) {
		m := newTestStore(t)
		busy := seedSession(t, m, "busy", "example.com")
		seedSession(t, m, "idle", "")

		update := hostUpdate("app.example.com", 20, "10.0.0.5")
		update.Findings = []schemas.FindingInput{
			{Description: "Open port 3306 (mysql)", Severity: schemas.SeverityHigh, Score: 30, Source: schemas.FindingSourceAuto},
		}
		_, err := m.CommitTarget(ctx, busy.ID, update)
		require.NoError(t, err)

		list, err := m.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		counts := map[string][2]int{}
		for _, s := range list {
			counts[s.Name] = [2]int{s.TargetCount, s.FindingCount}
		}
		assert.Equal(t, [2]int{1, 1}, counts["busy"])
		assert.Equal(t, [2]int{0, 0}, counts["idle"])
	})
}

func TestMemoryCommitTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("should create the target with its nodes, edges, and findings", func(t *testing.T) {
		m := newTestStore(t)
		sess := seedSession(t, m, "acme-recon", "example.com")

		update := hostUpdate("app.example.com", 45, "10.0.0.5", "10.0.0.6")
		update.Severity = schemas.SeverityHigh
		update.Findings = []schemas.FindingInput{
			{Description: "Open port 6379 (redis)", Severity: schemas.SeverityHigh, Score: 35, Source: schemas.FindingSourceAuto},
		}

		target, err := m.CommitTarget(ctx, sess.ID, update)
		require.NoError(t, err)
		assert.NotEmpty(t, target.ID)
		assert.Equal(t, sess.ID, target.SessionID)
		assert.Equal(t, 45, target.RiskScore)
		assert.Equal(t, schemas.SeverityHigh, target.Severity)
		assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, target.IPs)

		graph, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, graph.Nodes, 3)
		assert.Len(t, graph.Edges, 2)

		findings, err := m.ListFindings(ctx, target.ID)
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, schemas.FindingSourceAuto, findings[0].Source)
	})

	t.Run("should merge re-imports by domain without duplicating anything", func(t *testing.T) {
		m := newTestStore(t)
		sess := seedSession(t, m, "acme-recon", "example.com")

		update := hostUpdate("app.example.com", 45, "10.0.0.5")
		update.Findings = []schemas.FindingInput{
			{Description: "Open port 6379 (redis)", Severity: schemas.SeverityHigh, Score: 35, Source: schemas.FindingSourceAuto},
		}

		first, err := m.CommitTarget(ctx, sess.ID, update)
		require.NoError(t, err)
		second, err := m.CommitTarget(ctx, sess.ID, update)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "re-import must merge by domain, not duplicate the target")

		snap, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Targets)
		assert.Equal(t, 2, snap.Nodes)
		assert.Equal(t, 1, snap.Edges)
		assert.Equal(t, 1, snap.Findings)
	})

	t.Run("should replace auto findings and keep manual ones", func(t *testing.T) {
		m := newTestStore(t)
		sess := seedSession(t, m, "acme-recon", "example.com")

		update := hostUpdate("app.example.com", 45, "10.0.0.5")
		update.Findings = []schemas.FindingInput{
			{Description: "Open port 6379 (redis)", Severity: schemas.SeverityHigh, Score: 35, Source: schemas.FindingSourceAuto},
		}
		target, err := m.CommitTarget(ctx, sess.ID, update)
		require.NoError(t, err)

		manual, err := m.AddFinding(ctx, schemas.FindingInput{
			TargetID:    target.ID,
			Description: "Confirmed weak credentials on the admin panel",
			Severity:    schemas.SeverityCritical,
			Score:       50,
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.FindingSourceManual, manual.Source)

		rescored := hostUpdate("app.example.com", 15, "10.0.0.5")
		rescored.Findings = []schemas.FindingInput{
			{Description: "Open port 8080 (http-alt)", Severity: schemas.SeverityLow, Score: 15, Source: schemas.FindingSourceAuto},
		}
		_, err = m.CommitTarget(ctx, sess.ID, rescored)
		require.NoError(t, err)

		findings, err := m.ListFindings(ctx, target.ID)
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, manual.ID, findings[0].ID, "manual critical finding should rank first and survive")
		assert.Equal(t, "Open port 8080 (http-alt)", findings[1].Description)
	})

	t.Run("should reject commits into a missing session", func(t *testing.T) {
		m := newTestStore(t)
		_, err := m.CommitTarget(ctx, uuid.NewString(), hostUpdate("app.example.com", 0))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemorySharedNodeMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	sess := seedSession(t, m, "acme-recon", "example.com")

	_, err := m.CommitTarget(ctx, sess.ID, hostUpdate("app.example.com", 10, "10.0.0.5"))
	require.NoError(t, err)
	_, err = m.CommitTarget(ctx, sess.ID, hostUpdate("api.example.com", 10, "10.0.0.5"))
	require.NoError(t, err)

	graph, err := m.GetGraph(ctx, sess.ID)
	require.NoError(t, err)

	var ipNodes, resolveEdges int
	for _, n := range graph.Nodes {
		if n.Type == schemas.NodeIP {
			ipNodes++
		}
	}
	for _, e := range graph.Edges {
		if e.Type == schemas.EdgeResolvesTo {
			resolveEdges++
		}
	}
	assert.Equal(t, 1, ipNodes, "both targets must merge into a single ip node")
	assert.Equal(t, 2, resolveEdges, "each domain keeps its own edge to the shared ip")
}

func TestMemoryDeleteTarget(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Memory, schemas.Session, schemas.Target, schemas.Target) {
		m := newTestStore(t)
		sess := seedSession(t, m, "acme-recon", "example.com")
		app, err := m.CommitTarget(ctx, sess.ID, hostUpdate("app.example.com", 20, "10.0.0.5", "10.0.0.9"))
		require.NoError(t, err)
		api, err := m.CommitTarget(ctx, sess.ID, hostUpdate("api.example.com", 10, "10.0.0.5"))
		require.NoError(t, err)
		return m, sess, app, api
	}

	t.Run("should keep shared nodes and drop exclusive ones", func(t *testing.T) {
		m, sess, app, _ := setup(t)

		require.NoError(t, m.DeleteTarget(ctx, app.ID))

		graph, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)

		ids := make(map[string]bool)
		for _, n := range graph.Nodes {
			ids[n.ID] = true
		}
		assert.True(t, ids[schemas.NodeID(schemas.NodeIP, "10.0.0.5")], "shared ip must survive")
		assert.False(t, ids[schemas.NodeID(schemas.NodeIP, "10.0.0.9")], "exclusive ip must be removed")
		assert.False(t, ids[schemas.NodeID(schemas.NodeDomain, "app.example.com")], "deleted target's domain node must be removed")

		require.Len(t, graph.Edges, 1)
		assert.Equal(t, schemas.NodeID(schemas.NodeDomain, "api.example.com"), graph.Edges[0].From)
	})

	t.Run("should remove the target's findings and events", func(t *testing.T) {
		m, sess, app, _ := setup(t)

		_, err := m.AddFinding(ctx, schemas.FindingInput{TargetID: app.ID, Description: "note", Severity: schemas.SeverityLow})
		require.NoError(t, err)
		require.NoError(t, m.RecordEvents(ctx, []schemas.Event{{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			TargetID:  app.ID,
			Kind:      schemas.EventTargetImported,
			Message:   "target app.example.com imported",
			CreatedAt: time.Now().UTC(),
		}}))

		require.NoError(t, m.DeleteTarget(ctx, app.ID))

		_, err = m.ListFindings(ctx, app.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		events, err := m.ListEvents(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, events, "events referencing the deleted target must go with it")
	})

	t.Run("should report unknown ids as cascade conflicts", func(t *testing.T) {
		m := newTestStore(t)
		err := m.DeleteTarget(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrCascadeConflict)
	})
}

func TestMemoryDeleteSession(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	doomed := seedSession(t, m, "doomed", "example.com")
	survivor := seedSession(t, m, "survivor", "other.com")

	_, err := m.CommitTarget(ctx, doomed.ID, hostUpdate("app.example.com", 20, "10.0.0.5"))
	require.NoError(t, err)
	_, err = m.CommitTarget(ctx, doomed.ID, hostUpdate("api.example.com", 10, "10.0.0.6"))
	require.NoError(t, err)
	_, err = m.CommitTarget(ctx, survivor.ID, hostUpdate("web.other.com", 5, "192.168.1.2"))
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(ctx, doomed.ID))

	graph, err := m.GetGraph(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Empty(t, graph.Nodes)
	assert.Empty(t, graph.Edges)

	_, err = m.GetSession(ctx, doomed.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Sessions)
	assert.Equal(t, 1, snap.Targets)
	assert.Equal(t, 2, snap.Nodes, "the surviving session keeps its graph")

	err = m.DeleteSession(ctx, doomed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryClearGraph(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	sess := seedSession(t, m, "acme-recon", "example.com")

	update := hostUpdate("app.example.com", 20, "10.0.0.5")
	update.Findings = []schemas.FindingInput{
		{Description: "Open port 22 (ssh)", Severity: schemas.SeverityLow, Score: 15, Source: schemas.FindingSourceAuto},
	}
	target, err := m.CommitTarget(ctx, sess.ID, update)
	require.NoError(t, err)

	require.NoError(t, m.ClearGraph(ctx, sess.ID))

	graph, err := m.GetGraph(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, graph.Nodes)
	assert.Empty(t, graph.Edges)

	kept, err := m.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, kept.RiskScore, "clearing the graph must not touch targets")
	findings, err := m.ListFindings(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	assert.ErrorIs(t, m.ClearGraph(ctx, uuid.NewString()), ErrNotFound)
}

func TestMemoryEnsureNodes(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	sess := seedSession(t, m, "acme-recon", "example.com")

	root := domainNode("example.com", 10)

	t.Run("should insert missing nodes", func(t *testing.T) {
		require.NoError(t, m.EnsureNodes(ctx, sess.ID, []schemas.NodeInput{root}))
		graph, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, graph.Nodes, 1)
		assert.Equal(t, 10, graph.Nodes[0].Risk)
	})

	t.Run("should not overwrite an existing node", func(t *testing.T) {
		scored := hostUpdate("example.com", 58)
		_, err := m.CommitTarget(ctx, sess.ID, scored)
		require.NoError(t, err)

		require.NoError(t, m.EnsureNodes(ctx, sess.ID, []schemas.NodeInput{root}))

		graph, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, graph.Nodes, 1)
		assert.Equal(t, 58, graph.Nodes[0].Risk, "seeding must not clobber the scored node")
	})

	t.Run("should reject a missing session", func(t *testing.T) {
		err := m.EnsureNodes(ctx, uuid.NewString(), []schemas.NodeInput{root})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryGraphReads(t *testing.T) {
	ctx := context.Background()

	t.Run("should return identical results for consecutive reads", func(t *testing.T) {
		m := newTestStore(t)
		sess := seedSession(t, m, "acme-recon", "example.com")
		_, err := m.CommitTarget(ctx, sess.ID, hostUpdate("app.example.com", 20, "10.0.0.5", "10.0.0.6"))
		require.NoError(t, err)
		_, err = m.CommitTarget(ctx, sess.ID, hostUpdate("api.example.com", 10, "10.0.0.5"))
		require.NoError(t, err)

		first, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)
		second, err := m.GetGraph(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first, second))
	})

	t.Run("should return empty sets for an unknown session", func(t *testing.T) {
		m := newTestStore(t)
		graph, err := m.GetGraph(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.NotNil(t, graph.Nodes)
		assert.NotNil(t, graph.Edges)
		assert.Empty(t, graph.Nodes)
		assert.Empty(t, graph.Edges)
	})
}

func TestMemoryFindings(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	sess := seedSession(t, m, "acme-recon", "example.com")
	target, err := m.CommitTarget(ctx, sess.ID, hostUpdate("app.example.com", 0))
	require.NoError(t, err)

	low, err := m.AddFinding(ctx, schemas.FindingInput{TargetID: target.ID, Description: "verbose banner", Severity: schemas.SeverityLow, Score: 5})
	require.NoError(t, err)
	crit, err := m.AddFinding(ctx, schemas.FindingInput{TargetID: target.ID, Description: "exposed credentials", Severity: schemas.SeverityCritical, Score: 50})
	require.NoError(t, err)

	findings, err := m.ListFindings(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, crit.ID, findings[0].ID, "critical findings list first")

	require.NoError(t, m.DeleteFinding(ctx, low.ID))
	findings, err = m.ListFindings(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	assert.ErrorIs(t, m.DeleteFinding(ctx, low.ID), ErrNotFound)

	_, err = m.AddFinding(ctx, schemas.FindingInput{TargetID: uuid.NewString(), Description: "orphan"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEvents(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	sess := seedSession(t, m, "acme-recon", "example.com")

	base := time.Now().UTC()
	events := []schemas.Event{
		{ID: uuid.NewString(), SessionID: sess.ID, Kind: schemas.EventSessionCreated, Message: "session acme-recon created", CreatedAt: base},
		{ID: uuid.NewString(), SessionID: sess.ID, Kind: schemas.EventTargetImported, Message: "target app.example.com imported", CreatedAt: base.Add(time.Second)},
		{ID: uuid.NewString(), SessionID: uuid.NewString(), Kind: schemas.EventTargetImported, Message: "orphan event", CreatedAt: base},
	}
	require.NoError(t, m.RecordEvents(ctx, events))

	got, err := m.ListEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 2, "events for unknown sessions are dropped, not failed")
	assert.Equal(t, schemas.EventSessionCreated, got[0].Kind)
	assert.Equal(t, schemas.EventTargetImported, got[1].Kind)

	_, err = m.ListEvents(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	empty, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Sessions)
	assert.Nil(t, empty.FindingsBySeverity)

	sess := seedSession(t, m, "acme-recon", "example.com")
	update := hostUpdate("app.example.com", 45, "10.0.0.5")
	update.Findings = []schemas.FindingInput{
		{Description: "Open port 6379 (redis)", Severity: schemas.SeverityHigh, Score: 35, Source: schemas.FindingSourceAuto},
		{Description: "Sensitive path /.env exposed", Severity: schemas.SeverityCritical, Score: 19, Source: schemas.FindingSourceAuto},
	}
	_, err = m.CommitTarget(ctx, sess.ID, update)
	require.NoError(t, err)

	snap, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Sessions)
	assert.Equal(t, 1, snap.Targets)
	assert.Equal(t, 2, snap.Findings)
	assert.Equal(t, 2, snap.Nodes)
	assert.Equal(t, 1, snap.Edges)
	assert.Equal(t, 1, snap.FindingsBySeverity[schemas.SeverityHigh])
	assert.Equal(t, 1, snap.FindingsBySeverity[schemas.SeverityCritical])
}
