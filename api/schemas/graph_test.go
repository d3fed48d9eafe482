package schemas_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// TestConstants verifies that the graph enums hold their expected wire values.
// These strings are shared with the database ENUMs and the renderer, so
// accidental changes would corrupt stored graphs.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant interface{}
		expected string
	}{
		// NodeTypes
		{"NodeDomain", schemas.NodeDomain, "domain"},
		{"NodeIP", schemas.NodeIP, "ip"},
		{"NodePort", schemas.NodePort, "port"},
		{"NodePath", schemas.NodePath, "path"},
		{"NodeURL", schemas.NodeURL, "url"},

		// EdgeTypes
		{"EdgeHasSubdomain", schemas.EdgeHasSubdomain, "has_subdomain"},
		{"EdgeResolvesTo", schemas.EdgeResolvesTo, "resolves_to"},
		{"EdgeExposes", schemas.EdgeExposes, "exposes"},
		{"EdgeServes", schemas.EdgeServes, "serves"},
		{"EdgeContains", schemas.EdgeContains, "contains"},
		{"EdgeRedirectsTo", schemas.EdgeRedirectsTo, "redirects_to"},

		// Severities
		{"SeverityCritical", schemas.SeverityCritical, "critical"},
		{"SeverityHigh", schemas.SeverityHigh, "high"},
		{"SeverityMedium", schemas.SeverityMedium, "medium"},
		{"SeverityLow", schemas.SeverityLow, "low"},
		{"SeverityInfo", schemas.SeverityInfo, "info"},

		// Event kinds
		{"EventSessionCreated", schemas.EventSessionCreated, "session_created"},
		{"EventTargetImported", schemas.EventTargetImported, "target_imported"},
		{"EventTargetFailed", schemas.EventTargetFailed, "target_failed"},
		{"EventTargetDeleted", schemas.EventTargetDeleted, "target_deleted"},
		{"EventFindingAdded", schemas.EventFindingAdded, "finding_added"},
		{"EventGraphCleared", schemas.EventGraphCleared, "graph_cleared"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			switch v := tt.constant.(type) {
			case schemas.NodeType:
				assert.Equal(t, tt.expected, string(v))
			case schemas.EdgeType:
				assert.Equal(t, tt.expected, string(v))
			case schemas.Severity:
				assert.Equal(t, tt.expected, string(v))
			case schemas.EventKind:
				assert.Equal(t, tt.expected, string(v))
			default:
				t.Fatalf("unhandled constant type %T", tt.constant)
			}
		})
	}
}

func TestNodeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "domain:shop.example.com", schemas.NodeID(schemas.NodeDomain, "shop.example.com"))
	assert.Equal(t, "ip:10.0.0.5", schemas.NodeID(schemas.NodeIP, "10.0.0.5"))
	assert.Equal(t, "port:3306", schemas.NodeID(schemas.NodePort, "3306"))
	assert.Equal(t, "path:/phpmyadmin", schemas.NodeID(schemas.NodePath, "/phpmyadmin"))
}

func TestEdgeID(t *testing.T) {
	t.Parallel()
	id := schemas.EdgeID("domain:a.example.com", "ip:10.0.0.5", schemas.EdgeResolvesTo)
	assert.Equal(t, "domain:a.example.com|ip:10.0.0.5|resolves_to", id)

	// The key is directional: swapping endpoints yields a different edge.
	reversed := schemas.EdgeID("ip:10.0.0.5", "domain:a.example.com", schemas.EdgeResolvesTo)
	assert.NotEqual(t, id, reversed)
}

func TestSeverityRankOrdering(t *testing.T) {
	t.Parallel()
	for i := 0; i < len(schemas.AllSeverities)-1; i++ {
		assert.Greater(t, schemas.AllSeverities[i].Rank(), schemas.AllSeverities[i+1].Rank(),
			"severity %s should outrank %s", schemas.AllSeverities[i], schemas.AllSeverities[i+1])
	}
	assert.Equal(t, -1, schemas.Severity("bogus").Rank())
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		raw      string
		expected schemas.Severity
	}{
		{"critical", schemas.SeverityCritical},
		{"CRITICAL", schemas.SeverityCritical},
		{"  High ", schemas.SeverityHigh},
		{"moderate", schemas.SeverityMedium},
		{"med", schemas.SeverityMedium},
		{"low", schemas.SeverityLow},
		{"info", schemas.SeverityInfo},
		{"", schemas.SeverityInfo},
		{"whatever", schemas.SeverityInfo},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, schemas.ParseSeverity(tt.raw))
		})
	}
}

// TestTargetRecordTolerantDecode ensures a record with any subset of fields
// absent still decodes cleanly, which the import path depends on.
func TestTargetRecordTolerantDecode(t *testing.T) {
	t.Parallel()

	t.Run("domain only", func(t *testing.T) {
		t.Parallel()
		var rec schemas.TargetRecord
		require.NoError(t, json.Unmarshal([]byte(`{"domain":"solo.example.com"}`), &rec))
		assert.Equal(t, "solo.example.com", rec.Domain)
		assert.Empty(t, rec.IPs)
		assert.Empty(t, rec.Ports)
		assert.Empty(t, rec.PortDetail)
		assert.Empty(t, rec.Alive)
		assert.Empty(t, rec.Dirb)
		assert.Empty(t, rec.Infra.Type)
	})

	t.Run("full record", func(t *testing.T) {
		t.Parallel()
		payload := `{
			"domain": "app.example.com",
			"ips": ["10.0.0.5"],
			"ports": [80, 3306],
			"port_detail": {"80": "Apache/2.4.49"},
			"dns_meta": {"reverse_ptr": "srv1.host.example"},
			"alive": [{"url": "http://app.example.com", "final_url": "https://app.example.com", "status": 301, "server": "Apache"}],
			"dirb": ["/admin", "/phpmyadmin"],
			"infra": {"type": "cloud"}
		}`
		var rec schemas.TargetRecord
		require.NoError(t, json.Unmarshal([]byte(payload), &rec))
		assert.Equal(t, []int{80, 3306}, rec.Ports)
		assert.Equal(t, "Apache/2.4.49", rec.PortDetail["80"])
		assert.Equal(t, "srv1.host.example", rec.DNSMeta["reverse_ptr"])
		require.Len(t, rec.Alive, 1)
		assert.Equal(t, 301, rec.Alive[0].Status)
		assert.Equal(t, "cloud", rec.Infra.Type)
	})
}
