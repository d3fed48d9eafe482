// File: internal/normalize/normalize.go

// Package normalize converts raw target records into the typed nodes and
// edges of the attack-surface graph. Node identity is the natural key
// (type, value), so repeated observations of the same entity, within one
// record or across targets, merge instead of duplicating.
package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/scoring"
	"github.com/nullmap-sec/riskgraph/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Node size rendering bases per type; a node's size hint is its base plus a
// fifth of its risk, so size grows monotonically with risk.
const (
	sizeBaseDomain = 16
	sizeBaseURL    = 12
	sizeBaseIP     = 10
	sizeBasePort   = 8
	sizeBasePath   = 8

	// rootDomainRisk is the fixed risk carried by a session's root-domain
	// node when the root is not itself an imported target.
	rootDomainRisk = 10
)

// Validate checks a target record's basic shape. A record without a domain,
// or with a port outside the valid range, is malformed; everything else is
// optional and may be absent.
func Validate(rec schemas.TargetRecord) error {
	if strings.TrimSpace(rec.Domain) == "" {
		return fmt.Errorf("%w: record has no domain", store.ErrMalformedRecord)
	}
	for _, port := range rec.Ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", store.ErrMalformedRecord, port)
		}
	}
	return nil
}

// Normalizer builds graph updates from target records. Node severities are
// derived from node risk with the same thresholds that tier target scores.
type Normalizer struct {
	tiers scoring.Thresholds
}

// New creates a Normalizer using the given severity thresholds.
func New(tiers scoring.Thresholds) *Normalizer {
	return &Normalizer{tiers: tiers}
}

// RootNode builds the session root-domain node. The import orchestrator
// upserts it once per batch, before any target commits, so that subdomain
// edges always have their far endpoint. When the root is itself an imported
// target, that target's own scored domain node overwrites this one.
func (n *Normalizer) RootNode(rootDomain string) schemas.NodeInput {
	root := strings.TrimSpace(rootDomain)
	return schemas.NodeInput{
		ID:         schemas.NodeID(schemas.NodeDomain, root),
		Type:       schemas.NodeDomain,
		Label:      root,
		Risk:       rootDomainRisk,
		Severity:   n.tiers.Tier(rootDomainRisk),
		Size:       sizeBaseDomain + rootDomainRisk/5,
		Properties: marshalProps(schemas.DomainNodeProperties{Root: true}),
	}
}

// Normalize validates one target record and converts it, together with its
// evaluation, into the atomic update the store commits for the target: the
// deduplicated node set, the edges wiring them to the domain node, the weak
// reference set, and the auto findings.
func (n *Normalizer) Normalize(sessionRoot string, rec schemas.TargetRecord, eval *scoring.Evaluation) (schemas.TargetUpdate, error) {
	if err := Validate(rec); err != nil {
		return schemas.TargetUpdate{}, err
	}

	domain := strings.TrimSpace(rec.Domain)
	root := strings.TrimSpace(sessionRoot)
	b := newUpdateBuilder()

	// Domain node. It carries the target's cumulative score; when the target
	// is the session root itself, it doubles as the root node.
	domainID := schemas.NodeID(schemas.NodeDomain, domain)
	b.addNode(schemas.NodeInput{
		ID:       domainID,
		Type:     schemas.NodeDomain,
		Label:    domain,
		Risk:     eval.Score,
		Severity: eval.Severity,
		Size:     sizeBaseDomain + eval.Score/5,
		Properties: marshalProps(schemas.DomainNodeProperties{
			Root:  domain == root,
			Infra: strings.TrimSpace(rec.Infra.Type),
		}),
	})

	// Wire the target under the session root. The root node itself is
	// emitted by the orchestrator; this update only references it.
	if root != "" && root != domain {
		rootID := schemas.NodeID(schemas.NodeDomain, root)
		b.refNode(rootID)
		b.addEdge(rootID, domainID, schemas.EdgeHasSubdomain)
	}

	n.addIPNodes(b, domainID, rec)
	n.addPortNodes(b, domainID, rec, eval)
	n.addURLNodes(b, domainID, rec)
	n.addPathNodes(b, domainID, rec, eval)

	return schemas.TargetUpdate{
		Record:     rec,
		Score:      eval.Score,
		Severity:   eval.Severity,
		NodesToAdd: b.nodes,
		EdgesToAdd: b.edges,
		NodeRefs:   b.refs,
		Findings:   eval.Findings,
	}, nil
}

func (n *Normalizer) addIPNodes(b *updateBuilder, domainID string, rec schemas.TargetRecord) {
	ptr := ptrValues(rec.DNSMeta)
	for _, raw := range rec.IPs {
		ip := strings.TrimSpace(raw)
		if ip == "" {
			continue
		}
		ipID := schemas.NodeID(schemas.NodeIP, ip)
		b.addNode(schemas.NodeInput{
			ID:         ipID,
			Type:       schemas.NodeIP,
			Label:      ip,
			Severity:   n.tiers.Tier(0),
			Size:       sizeBaseIP,
			Properties: marshalProps(schemas.IPNodeProperties{PTR: ptr}),
		})
		b.addEdge(domainID, ipID, schemas.EdgeResolvesTo)
	}
}

func (n *Normalizer) addPortNodes(b *updateBuilder, domainID string, rec schemas.TargetRecord, eval *scoring.Evaluation) {
	for _, port := range mentionedPorts(rec) {
		risk := eval.PortRisk[port]
		banner := bannerFor(rec.PortDetail, port)

		label := fmt.Sprintf(":%d", port)
		if banner != "" {
			label = fmt.Sprintf(":%d (%s)", port, banner)
		}

		portID := schemas.NodeID(schemas.NodePort, strconv.Itoa(port))
		b.addNode(schemas.NodeInput{
			ID:         portID,
			Type:       schemas.NodePort,
			Label:      label,
			Risk:       risk,
			Severity:   n.tiers.Tier(risk),
			Size:       sizeBasePort + risk/5,
			Properties: marshalProps(schemas.PortNodeProperties{Port: port, Banner: banner}),
		})
		b.addEdge(domainID, portID, schemas.EdgeExposes)
	}
}

func (n *Normalizer) addURLNodes(b *updateBuilder, domainID string, rec schemas.TargetRecord) {
	for _, probe := range rec.Alive {
		rawURL := strings.TrimSpace(probe.URL)
		if rawURL == "" {
			continue
		}
		urlID := schemas.NodeID(schemas.NodeURL, rawURL)
		b.addNode(schemas.NodeInput{
			ID:       urlID,
			Type:     schemas.NodeURL,
			Label:    rawURL,
			Severity: n.tiers.Tier(0),
			Size:     sizeBaseURL,
			Properties: marshalProps(schemas.URLNodeProperties{
				Status: probe.Status,
				Server: probe.Server,
			}),
		})
		b.addEdge(domainID, urlID, schemas.EdgeServes)

		final := strings.TrimSpace(probe.FinalURL)
		if final == "" || final == rawURL {
			continue
		}
		finalID := schemas.NodeID(schemas.NodeURL, final)
		b.addNode(schemas.NodeInput{
			ID:         finalID,
			Type:       schemas.NodeURL,
			Label:      final,
			Severity:   n.tiers.Tier(0),
			Size:       sizeBaseURL,
			Properties: marshalProps(schemas.URLNodeProperties{RedirectTarget: true}),
		})
		b.addEdge(urlID, finalID, schemas.EdgeRedirectsTo)
	}
}

func (n *Normalizer) addPathNodes(b *updateBuilder, domainID string, rec schemas.TargetRecord, eval *scoring.Evaluation) {
	for _, raw := range rec.Dirb {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		risk := eval.PathRisk[path]
		pathID := schemas.NodeID(schemas.NodePath, path)
		b.addNode(schemas.NodeInput{
			ID:       pathID,
			Type:     schemas.NodePath,
			Label:    path,
			Risk:     risk,
			Severity: n.tiers.Tier(risk),
			Size:     sizeBasePath + risk/5,
		})
		b.addEdge(domainID, pathID, schemas.EdgeContains)
	}
}

// updateBuilder accumulates nodes, edges and refs while deduplicating by
// natural key. A node re-added under the same ID replaces the earlier entry
// in place, keeping the last observation the way the store's upsert would.
type updateBuilder struct {
	nodes    []schemas.NodeInput
	edges    []schemas.EdgeInput
	refs     []string
	nodeIdx  map[string]int
	edgeSeen map[string]bool
	refSeen  map[string]bool
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{
		nodeIdx:  make(map[string]int),
		edgeSeen: make(map[string]bool),
		refSeen:  make(map[string]bool),
	}
}

func (b *updateBuilder) addNode(n schemas.NodeInput) {
	if i, ok := b.nodeIdx[n.ID]; ok {
		b.nodes[i] = n
		return
	}
	b.nodeIdx[n.ID] = len(b.nodes)
	b.nodes = append(b.nodes, n)
	b.refNode(n.ID)
}

func (b *updateBuilder) refNode(id string) {
	if b.refSeen[id] {
		return
	}
	b.refSeen[id] = true
	b.refs = append(b.refs, id)
}

func (b *updateBuilder) addEdge(from, to string, t schemas.EdgeType) {
	key := schemas.EdgeID(from, to, t)
	if b.edgeSeen[key] {
		return
	}
	b.edgeSeen[key] = true
	b.edges = append(b.edges, schemas.EdgeInput{From: from, To: to, Type: t})
}

// mentionedPorts returns the union of the explicit port list and the
// parseable port_detail keys, ascending and unique. Ports known only from a
// banner entry still surface as nodes even though they carry no port weight.
func mentionedPorts(rec schemas.TargetRecord) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(p int) {
		if p < 0 || p > 65535 || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range rec.Ports {
		add(p)
	}
	for key := range rec.PortDetail {
		if p, err := strconv.Atoi(strings.TrimSpace(key)); err == nil {
			add(p)
		}
	}
	sort.Ints(out)
	return out
}

func bannerFor(detail map[string]string, port int) string {
	if banner, ok := detail[strconv.Itoa(port)]; ok {
		return strings.TrimSpace(banner)
	}
	return ""
}

// ptrValues digs the reverse-DNS names out of the loosely typed dns_meta
// blob, tolerating any shape mismatch by returning nothing.
func ptrValues(meta map[string]interface{}) []string {
	ptr, ok := meta["ptr"].(map[string]interface{})
	if !ok {
		return nil
	}
	values, ok := ptr["values"].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func marshalProps(v interface{}) []byte {
	props, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return props
}
