// File: internal/scoring/evaluator.go
package scoring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// Thresholds maps a cumulative score to a severity tier. A score at or above
// Critical is critical, and so on down; below Low is informational.
type Thresholds struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// DefaultThresholds returns the standard tier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 50, High: 30, Medium: 15, Low: 1}
}

// Tier buckets a cumulative score into its severity tier.
func (t Thresholds) Tier(score int) schemas.Severity {
	switch {
	case score >= t.Critical:
		return schemas.SeverityCritical
	case score >= t.High:
		return schemas.SeverityHigh
	case score >= t.Medium:
		return schemas.SeverityMedium
	case score >= t.Low:
		return schemas.SeverityLow
	default:
		return schemas.SeverityInfo
	}
}

// Evaluation is the complete scoring outcome for one target record: the
// uncapped additive score, its tier, one auto finding per matched rule, and
// the per-node risk values the normalizer attaches to port and path nodes.
type Evaluation struct {
	Score    int                    `json:"score"`
	Severity schemas.Severity       `json:"severity"`
	Findings []schemas.FindingInput `json:"findings,omitempty"`

	// PortRisk holds the node risk for every port the record mentions,
	// keyed by port number: the port rule weight plus the delta of any
	// banner rule the port's banner matched.
	PortRisk map[int]int `json:"port_risk,omitempty"`
	// PathRisk holds the node risk for every discovered path: the matched
	// path rule's delta scaled back to the raw path risk.
	PathRisk map[string]int `json:"path_risk,omitempty"`
}

// Evaluator applies a validated rule table to target records. It is pure and
// safe for concurrent use; all state is immutable after construction.
type Evaluator struct {
	version    string
	ruleCount  int
	thresholds Thresholds

	banners     []Rule
	ports       map[int]Rule
	portDefault *Rule
	paths       []Rule
	pathDefault *Rule
	infra       map[string]Rule
}

// NewEvaluator validates and indexes a rule table.
func NewEvaluator(table Table, thresholds Thresholds) (*Evaluator, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	e := &Evaluator{
		version:    table.Version,
		ruleCount:  len(table.Rules),
		thresholds: thresholds,
		ports:      make(map[int]Rule),
		infra:      make(map[string]Rule),
	}
	for _, r := range table.Rules {
		r := r
		switch r.Kind {
		case KindBanner:
			r.Match = strings.ToLower(r.Match)
			e.banners = append(e.banners, r)
		case KindPort:
			// Validate guarantees the match parses.
			port, _ := strconv.Atoi(r.Match)
			if _, dup := e.ports[port]; dup {
				return nil, fmt.Errorf("port %d matched by more than one rule", port)
			}
			e.ports[port] = r
		case KindPortDefault:
			e.portDefault = &r
		case KindPath:
			r.Match = strings.ToLower(r.Match)
			e.paths = append(e.paths, r)
		case KindPathDefault:
			e.pathDefault = &r
		case KindInfra:
			e.infra[strings.ToLower(r.Match)] = r
		}
	}
	return e, nil
}

// Version reports the installed rule table's version label.
func (e *Evaluator) Version() string { return e.version }

// RuleCount reports how many rules the installed table carries.
func (e *Evaluator) RuleCount() int { return e.ruleCount }

// Evaluate scores one target record against the rule table. It is
// deterministic: the same record and table always produce the same score and
// the same finding sequence. Each distinct matched signal (a unique open
// port, a banner entry, a unique discovered path, the infra class)
// contributes its rule's delta exactly once.
func (e *Evaluator) Evaluate(rec schemas.TargetRecord) Evaluation {
	ev := Evaluation{
		PortRisk: make(map[int]int),
		PathRisk: make(map[string]int),
	}

	e.evaluatePorts(rec, &ev)
	bannerRisk := e.evaluateBanners(rec, &ev)
	e.evaluatePaths(rec, &ev)
	e.evaluateInfra(rec, &ev)

	// Port node risk folds in the banner delta for that port, the way the
	// original per-port risk assessment combined weight and banner match.
	for port, delta := range bannerRisk {
		ev.PortRisk[port] += delta
	}

	ev.Severity = e.thresholds.Tier(ev.Score)
	return ev
}

// evaluatePorts scores each unique entry of the explicit open-port list.
// Ports that appear only as port_detail keys get a PortRisk entry for their
// graph node but contribute no score.
func (e *Evaluator) evaluatePorts(rec schemas.TargetRecord, ev *Evaluation) {
	for _, port := range uniquePorts(rec.Ports) {
		rule := e.portRuleFor(port)
		if rule == nil {
			continue
		}
		ev.Score += rule.Delta
		ev.PortRisk[port] = rule.Delta
		ev.Findings = append(ev.Findings, autoFinding(*rule, portDescription(port, rule.Label)))
	}

	for portStr := range rec.PortDetail {
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port < 0 {
			continue
		}
		if _, scored := ev.PortRisk[port]; scored {
			continue
		}
		if rule := e.portRuleFor(port); rule != nil {
			ev.PortRisk[port] = rule.Delta
		}
	}
}

// evaluateBanners scans every port_detail banner against the banner rules,
// first match per entry. It returns the matched delta per port so port nodes
// can absorb it.
func (e *Evaluator) evaluateBanners(rec schemas.TargetRecord, ev *Evaluation) map[int]int {
	bannerRisk := make(map[int]int)
	for _, portStr := range sortedKeys(rec.PortDetail) {
		banner := rec.PortDetail[portStr]
		lowered := strings.ToLower(banner)
		for _, rule := range e.banners {
			if !strings.Contains(lowered, rule.Match) {
				continue
			}
			ev.Score += rule.Delta
			ev.Findings = append(ev.Findings, autoFinding(rule, bannerDescription(banner, rule)))
			if port, err := strconv.Atoi(strings.TrimSpace(portStr)); err == nil {
				bannerRisk[port] += rule.Delta
			}
			break
		}
	}
	return bannerRisk
}

// evaluatePaths scores each unique discovered path, first matching rule wins,
// falling back to the path default. PathRisk records the raw path risk
// (delta scaled by five) for the path node.
func (e *Evaluator) evaluatePaths(rec schemas.TargetRecord, ev *Evaluation) {
	seen := make(map[string]bool)
	for _, raw := range rec.Dirb {
		path := strings.TrimSpace(raw)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true

		rule := e.pathRuleFor(path)
		if rule == nil {
			continue
		}
		ev.Score += rule.Delta
		ev.PathRisk[path] = rule.Delta * 5
		ev.Findings = append(ev.Findings, autoFinding(*rule, pathDescription(path, rule)))
	}
}

// evaluateInfra applies the infrastructure classification bonus.
func (e *Evaluator) evaluateInfra(rec schemas.TargetRecord, ev *Evaluation) {
	infraType := strings.ToLower(strings.TrimSpace(rec.Infra.Type))
	if infraType == "" {
		return
	}
	rule, ok := e.infra[infraType]
	if !ok {
		return
	}
	ev.Score += rule.Delta
	ev.Findings = append(ev.Findings, autoFinding(rule,
		fmt.Sprintf("Infrastructure classified as %s", infraType)))
}

func (e *Evaluator) portRuleFor(port int) *Rule {
	if rule, ok := e.ports[port]; ok {
		return &rule
	}
	return e.portDefault
}

func (e *Evaluator) pathRuleFor(path string) *Rule {
	lowered := strings.ToLower(path)
	for i := range e.paths {
		if strings.Contains(lowered, e.paths[i].Match) {
			return &e.paths[i]
		}
	}
	return e.pathDefault
}

func autoFinding(rule Rule, description string) schemas.FindingInput {
	return schemas.FindingInput{
		Description:   description,
		Severity:      rule.Severity,
		Score:         rule.Delta,
		Source:        schemas.FindingSourceAuto,
		RuleID:        rule.ID,
		Vulnerability: rule.Vuln,
	}
}

func portDescription(port int, label string) string {
	if label != "" {
		return fmt.Sprintf("Open port %d (%s)", port, label)
	}
	return fmt.Sprintf("Open port %d", port)
}

func bannerDescription(banner string, rule Rule) string {
	if rule.Vuln != "" {
		return fmt.Sprintf("Banner %q matches %s", banner, rule.Vuln)
	}
	return fmt.Sprintf("Banner %q matches risk pattern %q", banner, rule.Match)
}

func pathDescription(path string, rule *Rule) string {
	if rule.Kind == KindPathDefault {
		return fmt.Sprintf("Discovered path %s", path)
	}
	return fmt.Sprintf("Sensitive path %s exposed", path)
}

// uniquePorts preserves no input order; ports are reported ascending so the
// finding sequence is stable regardless of how the scanner ordered them.
func uniquePorts(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
