package normalize

import (
	"fmt"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/scoring"
	"github.com/nullmap-sec/riskgraph/internal/store"
)

func findNode(t *testing.T, nodes []schemas.NodeInput, id string) schemas.NodeInput {
	t.Helper()
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not found", id)
	return schemas.NodeInput{}
}

func emptyEval() *scoring.Evaluation {
	return &scoring.Evaluation{
		Severity: schemas.SeverityInfo,
		PortRisk: map[int]int{},
		PathRisk: map[string]int{},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     schemas.TargetRecord
		wantErr bool
	}{
		{name: "domain only", rec: schemas.TargetRecord{Domain: "app.example.com"}},
		{name: "highest valid port", rec: schemas.TargetRecord{Domain: "app.example.com", Ports: []int{65535}}},
		{name: "missing domain", rec: schemas.TargetRecord{}, wantErr: true},
		{name: "whitespace domain", rec: schemas.TargetRecord{Domain: "   "}, wantErr: true},
		{name: "port above range", rec: schemas.TargetRecord{Domain: "app.example.com", Ports: []int{70000}}, wantErr: true},
		{name: "negative port", rec: schemas.TargetRecord{Domain: "app.example.com", Ports: []int{-1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rec)
			if tt.wantErr {
				assert.ErrorIs(t, err, store.ErrMalformedRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRootNode(t *testing.T) {
	n := New(scoring.DefaultThresholds())

	root := n.RootNode(" example.com ")
	assert.Equal(t, schemas.NodeID(schemas.NodeDomain, "example.com"), root.ID)
	assert.Equal(t, schemas.NodeDomain, root.Type)
	assert.Equal(t, "example.com", root.Label)
	assert.Equal(t, 10, root.Risk)
	assert.Equal(t, schemas.SeverityLow, root.Severity)
	assert.Equal(t, 18, root.Size)
	assert.JSONEq(t, `{"root":true}`, string(root.Properties))
}

func TestNormalize(t *testing.T) {
	n := New(scoring.DefaultThresholds())

	t.Run("should reject malformed records", func(t *testing.T) {
		_, err := n.Normalize("example.com", schemas.TargetRecord{}, emptyEval())
		assert.ErrorIs(t, err, store.ErrMalformedRecord)
	})

	t.Run("should build only the domain node for a bare record", func(t *testing.T) {
		update, err := n.Normalize("example.com", schemas.TargetRecord{Domain: "solo.example.com"}, emptyEval())
		require.NoError(t, err)

		require.Len(t, update.NodesToAdd, 1)
		domain := update.NodesToAdd[0]
		assert.Equal(t, schemas.NodeID(schemas.NodeDomain, "solo.example.com"), domain.ID)
		assert.Equal(t, 0, domain.Risk)
		assert.Equal(t, schemas.SeverityInfo, domain.Severity)
		assert.JSONEq(t, `{}`, string(domain.Properties))

		require.Len(t, update.EdgesToAdd, 1, "the only edge hangs the target under the session root")
		edge := update.EdgesToAdd[0]
		assert.Equal(t, schemas.NodeID(schemas.NodeDomain, "example.com"), edge.From)
		assert.Equal(t, domain.ID, edge.To)
		assert.Equal(t, schemas.EdgeHasSubdomain, edge.Type)

		assert.ElementsMatch(t, []string{domain.ID, edge.From}, update.NodeRefs,
			"the update references the root node without re-emitting it")
	})

	t.Run("should treat the root target as the root node", func(t *testing.T) {
		eval := emptyEval()
		eval.Score = 58
		eval.Severity = schemas.SeverityCritical

		update, err := n.Normalize("example.com", schemas.TargetRecord{Domain: "example.com"}, eval)
		require.NoError(t, err)

		require.Len(t, update.NodesToAdd, 1)
		root := update.NodesToAdd[0]
		assert.Equal(t, 58, root.Risk)
		assert.Equal(t, schemas.SeverityCritical, root.Severity)
		assert.JSONEq(t, `{"root":true}`, string(root.Properties))
		assert.Empty(t, update.EdgesToAdd, "the root must not hang under itself")
		assert.Equal(t, []string{root.ID}, update.NodeRefs)
	})

	t.Run("should emit nodes and edges for every observation", func(t *testing.T) {
		rec := schemas.TargetRecord{
			Domain:     "app.example.com",
			IPs:        []string{"10.0.0.5", "10.0.0.6"},
			Ports:      []int{80, 443},
			PortDetail: map[string]string{"80": "Apache 2.4.49", "8081": "nginx"},
			DNSMeta:    map[string]interface{}{"ptr": map[string]interface{}{"values": []interface{}{"host.isp.net"}}},
			Alive: []schemas.ProbeResult{
				{URL: "http://app.example.com", FinalURL: "https://app.example.com", Status: 301, Server: "Apache"},
			},
			Dirb:  []string{"/phpmyadmin"},
			Infra: schemas.InfraInfo{Type: "cloud"},
		}
		eval := &scoring.Evaluation{
			Score:    58,
			Severity: schemas.SeverityCritical,
			Findings: []schemas.FindingInput{
				{Description: "Open port 80 (http) with known-vulnerable banner", Severity: schemas.SeverityHigh, Score: 28, Source: schemas.FindingSourceAuto},
			},
			PortRisk: map[int]int{80: 28, 443: 5, 8081: 10},
			PathRisk: map[string]int{"/phpmyadmin": 90},
		}

		update, err := n.Normalize("example.com", rec, eval)
		require.NoError(t, err)

		// 1 domain + 2 ips + 3 ports + 2 urls + 1 path.
		assert.Len(t, update.NodesToAdd, 9)
		// subdomain + 2 resolves + 3 exposes + serves + redirect + contains.
		assert.Len(t, update.EdgesToAdd, 9)
		assert.Len(t, update.NodeRefs, 10, "every emitted node plus the referenced root")

		assert.Equal(t, 58, update.Score)
		assert.Equal(t, schemas.SeverityCritical, update.Severity)
		assert.Equal(t, eval.Findings, update.Findings)

		domain := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodeDomain, "app.example.com"))
		assert.Equal(t, 58, domain.Risk)
		assert.Equal(t, 16+58/5, domain.Size)
		assert.JSONEq(t, `{"infra":"cloud"}`, string(domain.Properties))

		ip := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodeIP, "10.0.0.5"))
		assert.JSONEq(t, `{"ptr":["host.isp.net"]}`, string(ip.Properties))
		assert.Equal(t, schemas.SeverityInfo, ip.Severity)

		port80 := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodePort, "80"))
		assert.Equal(t, ":80 (Apache 2.4.49)", port80.Label)
		assert.Equal(t, 28, port80.Risk)
		assert.Equal(t, schemas.SeverityMedium, port80.Severity)
		assert.JSONEq(t, `{"port":80,"banner":"Apache 2.4.49"}`, string(port80.Properties))

		bannerOnly := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodePort, "8081"))
		assert.Equal(t, ":8081 (nginx)", bannerOnly.Label, "ports known only from a banner still surface")
		assert.Equal(t, 10, bannerOnly.Risk)

		redirect := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodeURL, "https://app.example.com"))
		assert.JSONEq(t, `{"redirect_target":true}`, string(redirect.Properties))

		path := findNode(t, update.NodesToAdd, schemas.NodeID(schemas.NodePath, "/phpmyadmin"))
		assert.Equal(t, 90, path.Risk)
		assert.Equal(t, schemas.SeverityCritical, path.Severity)
		assert.Equal(t, 8+90/5, path.Size)

		var redirectEdges int
		for _, e := range update.EdgesToAdd {
			if e.Type == schemas.EdgeRedirectsTo {
				redirectEdges++
				assert.Equal(t, schemas.NodeID(schemas.NodeURL, "http://app.example.com"), e.From)
			}
		}
		assert.Equal(t, 1, redirectEdges)
	})

	t.Run("should deduplicate repeated observations", func(t *testing.T) {
		rec := schemas.TargetRecord{
			Domain:     "app.example.com",
			IPs:        []string{"10.0.0.5", " 10.0.0.5 "},
			Ports:      []int{80, 80},
			PortDetail: map[string]string{"80": "Apache"},
			Dirb:       []string{"/admin", " /admin"},
		}
		eval := emptyEval()

		update, err := n.Normalize("", rec, eval)
		require.NoError(t, err)

		assert.Len(t, update.NodesToAdd, 4, "domain, one ip, one port, one path")
		assert.Len(t, update.EdgesToAdd, 3, "no root edge without a session root")
		assert.Len(t, update.NodeRefs, 4)
	})

	t.Run("should skip blank entries and self redirects", func(t *testing.T) {
		rec := schemas.TargetRecord{
			Domain: "app.example.com",
			IPs:    []string{"   "},
			Alive: []schemas.ProbeResult{
				{URL: "  "},
				{URL: "http://app.example.com", FinalURL: "http://app.example.com", Status: 200},
			},
			Dirb: []string{""},
		}

		update, err := n.Normalize("example.com", rec, emptyEval())
		require.NoError(t, err)

		assert.Len(t, update.NodesToAdd, 2, "domain plus the single probed url")
		for _, e := range update.EdgesToAdd {
			assert.NotEqual(t, schemas.EdgeRedirectsTo, e.Type, "a probe landing on itself is not a redirect")
		}
	})

	t.Run("should be deterministic across runs", func(t *testing.T) {
		rec := schemas.TargetRecord{
			Domain:     "app.example.com",
			IPs:        []string{"10.0.0.5", "10.0.0.6"},
			Ports:      []int{443, 80},
			PortDetail: map[string]string{"8081": "nginx", "80": "Apache", "21": "vsftpd"},
			Dirb:       []string{"/admin", "/backup"},
		}
		eval := &scoring.Evaluation{
			Severity: schemas.SeverityInfo,
			PortRisk: map[int]int{80: 10, 443: 5, 8081: 10, 21: 25},
			PathRisk: map[string]int{"/admin": 50, "/backup": 90},
		}

		first, err := n.Normalize("example.com", rec, eval)
		require.NoError(t, err)
		second, err := n.Normalize("example.com", rec, eval)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first, second))

		// Port nodes come out ascending regardless of map iteration order.
		var ports []string
		for _, node := range first.NodesToAdd {
			if node.Type == schemas.NodePort {
				ports = append(ports, node.ID)
			}
		}
		want := []string{
			schemas.NodeID(schemas.NodePort, "21"),
			schemas.NodeID(schemas.NodePort, "80"),
			schemas.NodeID(schemas.NodePort, "443"),
			schemas.NodeID(schemas.NodePort, "8081"),
		}
		assert.Equal(t, want, ports)
	})

	t.Run("should size nodes from their risk", func(t *testing.T) {
		tests := []struct {
			score int
			want  int
		}{
			{score: 0, want: 16},
			{score: 14, want: 18},
			{score: 58, want: 27},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("score %d", tt.score), func(t *testing.T) {
				eval := emptyEval()
				eval.Score = tt.score
				eval.Severity = scoring.DefaultThresholds().Tier(tt.score)

				update, err := n.Normalize("", schemas.TargetRecord{Domain: "app.example.com"}, eval)
				require.NoError(t, err)
				assert.Equal(t, tt.want, update.NodesToAdd[0].Size)
			})
		}
	})
}

// FuzzNormalize_Structured drives arbitrary records through scoring and graph
// building. The goal is survival without panicking; whatever comes out must
// still respect node identity, edge endpoint integrity, and the reference set.
func FuzzNormalize_Structured(f *testing.F) {
	eval, err := scoring.NewEvaluator(scoring.DefaultTable(), scoring.DefaultThresholds())
	if err != nil {
		f.Fatal(err)
	}
	norm := New(scoring.DefaultThresholds())

	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)

		// DNSMeta carries interface-typed values the consumer cannot invent,
		// so the fuzz shapes every scored field and leaves metadata empty.
		var seed struct {
			Domain     string
			IPs        []string
			Ports      []int
			PortDetail map[string]string
			Alive      []schemas.ProbeResult
			Dirb       []string
			Infra      schemas.InfraInfo
		}
		if err := fuzzConsumer.GenerateStruct(&seed); err != nil {
			return // Ignore inputs that can't be mapped to the struct.
		}
		rec := schemas.TargetRecord{
			Domain:     seed.Domain,
			IPs:        seed.IPs,
			Ports:      seed.Ports,
			PortDetail: seed.PortDetail,
			Alive:      seed.Alive,
			Dirb:       seed.Dirb,
			Infra:      seed.Infra,
		}
		if Validate(rec) != nil {
			return // Malformed records are rejected ahead of normalization.
		}

		// Gracefully catch any panics during execution.
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Caught a panic during structured fuzzing: %v", r)
			}
		}()

		ev := eval.Evaluate(rec)
		update, err := norm.Normalize("example.com", rec, &ev)
		require.NoError(t, err)
		assert.Equal(t, ev.Score, update.Score)
		assert.Equal(t, ev.Severity, update.Severity)

		nodeIDs := make(map[string]bool, len(update.NodesToAdd))
		for _, node := range update.NodesToAdd {
			require.NotEmpty(t, node.ID)
			require.False(t, nodeIDs[node.ID], "node %s emitted twice", node.ID)
			nodeIDs[node.ID] = true
		}

		refs := make(map[string]bool, len(update.NodeRefs))
		for _, id := range update.NodeRefs {
			refs[id] = true
		}
		for id := range nodeIDs {
			assert.True(t, refs[id], "node %s missing from the reference set", id)
		}

		// Edges may point at the session root; everything else must resolve
		// inside this update.
		rootID := schemas.NodeID(schemas.NodeDomain, "example.com")
		for _, edge := range update.EdgesToAdd {
			assert.True(t, nodeIDs[edge.From] || edge.From == rootID, "dangling edge source %s", edge.From)
			assert.True(t, nodeIDs[edge.To], "dangling edge destination %s", edge.To)
		}
	})
}
