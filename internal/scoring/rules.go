// File: internal/scoring/rules.go
package scoring

import (
	"fmt"
	"strconv"

	"github.com/nullmap-sec/riskgraph/api/schemas"
)

// RuleKind partitions the rule table by the record field a rule inspects.
type RuleKind string

const (
	// KindBanner rules match a case-insensitive substring of a service
	// banner reported in port_detail.
	KindBanner RuleKind = "banner"
	// KindPort rules match one exact port number from the record's open
	// port list.
	KindPort RuleKind = "port"
	// KindPortDefault fires for every open port no KindPort rule matched.
	KindPortDefault RuleKind = "port-default"
	// KindPath rules match a case-insensitive substring of a discovered
	// content path.
	KindPath RuleKind = "path"
	// KindPathDefault fires for every path no KindPath rule matched.
	KindPathDefault RuleKind = "path-default"
	// KindInfra rules match the record's infrastructure type exactly.
	KindInfra RuleKind = "infra"
)

var knownKinds = map[RuleKind]bool{
	KindBanner:      true,
	KindPort:        true,
	KindPortDefault: true,
	KindPath:        true,
	KindPathDefault: true,
	KindInfra:       true,
}

// Rule is a single predicate+effect entry of the scoring table. Rules are
// data, not code: adding detection for a new banner or port is a table edit,
// not a rebuild. Within one kind the first matching rule wins, in table order.
type Rule struct {
	ID       string           `yaml:"id"`
	Kind     RuleKind         `yaml:"kind"`
	Match    string           `yaml:"match,omitempty"`
	Delta    int              `yaml:"delta"`
	Severity schemas.Severity `yaml:"severity"`
	// Vuln names a known vulnerability (a CVE id) the rule detects.
	Vuln string `yaml:"vuln,omitempty"`
	// Label is an optional human annotation used in finding descriptions,
	// e.g. the service conventionally behind a port.
	Label string `yaml:"label,omitempty"`
}

// Table is a versioned, ordered rule list. Order is significant for the
// substring kinds (banner, path).
type Table struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Validate checks the table for structural problems before it is installed:
// a version label, unique rule IDs, known kinds, sane match fields, and
// non-negative deltas.
func (t Table) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("rule table has no version")
	}
	if len(t.Rules) == 0 {
		return fmt.Errorf("rule table %q has no rules", t.Version)
	}

	seenIDs := make(map[string]bool, len(t.Rules))
	defaults := make(map[RuleKind]int)
	for i, r := range t.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		if seenIDs[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seenIDs[r.ID] = true

		if !knownKinds[r.Kind] {
			return fmt.Errorf("rule %q has unknown kind %q", r.ID, r.Kind)
		}
		if r.Delta < 0 {
			return fmt.Errorf("rule %q has negative delta %d", r.ID, r.Delta)
		}
		if r.Severity.Rank() < 0 {
			return fmt.Errorf("rule %q has unknown severity %q", r.ID, r.Severity)
		}

		switch r.Kind {
		case KindPortDefault, KindPathDefault:
			if r.Match != "" {
				return fmt.Errorf("default rule %q must not carry a match expression", r.ID)
			}
			defaults[r.Kind]++
			if defaults[r.Kind] > 1 {
				return fmt.Errorf("more than one %s rule", r.Kind)
			}
		case KindPort:
			port, err := strconv.Atoi(r.Match)
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("port rule %q has invalid match %q", r.ID, r.Match)
			}
		default:
			if r.Match == "" {
				return fmt.Errorf("rule %q of kind %s requires a match expression", r.ID, r.Kind)
			}
		}
	}
	return nil
}

// portSeverity buckets a port weight into the tier used for both the auto
// finding and the port node's visual weight.
func portSeverity(weight int) schemas.Severity {
	switch {
	case weight >= 30:
		return schemas.SeverityHigh
	case weight >= 20:
		return schemas.SeverityMedium
	case weight >= 10:
		return schemas.SeverityLow
	default:
		return schemas.SeverityInfo
	}
}

// pathSeverity buckets a raw path risk (the rule delta times five) into the
// tier for the auto finding and the path node.
func pathSeverity(risk int) schemas.Severity {
	switch {
	case risk >= 90:
		return schemas.SeverityCritical
	case risk >= 70:
		return schemas.SeverityHigh
	case risk >= 40:
		return schemas.SeverityMedium
	default:
		return schemas.SeverityLow
	}
}

// portRule builds one default-table port rule, deriving severity from weight.
func portRule(port, weight int, service string) Rule {
	return Rule{
		ID:       fmt.Sprintf("port-%d", port),
		Kind:     KindPort,
		Match:    strconv.Itoa(port),
		Delta:    weight,
		Severity: portSeverity(weight),
		Label:    service,
	}
}

// pathRule builds one default-table path rule. Deltas are the raw path risk
// divided by five, so the raw risk is recoverable as Delta*5 for node styling.
func pathRule(slug, match string, risk int) Rule {
	return Rule{
		ID:       "path-" + slug,
		Kind:     KindPath,
		Match:    match,
		Delta:    risk / 5,
		Severity: pathSeverity(risk),
	}
}

// DefaultTableVersion labels the built-in rule set.
const DefaultTableVersion = "2024.1"

// DefaultTable returns the built-in scoring rules: version-pinned banner CVE
// matches, per-port exposure weights, sensitive content paths, and the cloud
// infrastructure marker. Used whenever no external rules file is configured.
func DefaultTable() Table {
	rules := []Rule{
		// Known-vulnerable service banners.
		{ID: "banner-apache-2449", Kind: KindBanner, Match: "apache 2.4.49", Delta: 40, Severity: schemas.SeverityCritical, Vuln: "CVE-2021-41773"},
		{ID: "banner-apache-2450", Kind: KindBanner, Match: "apache 2.4.50", Delta: 35, Severity: schemas.SeverityCritical, Vuln: "CVE-2021-42013"},
		{ID: "banner-nginx-10", Kind: KindBanner, Match: "nginx 1.0", Delta: 20, Severity: schemas.SeverityHigh},

		// Port exposure weights, labeled with the conventional service.
		portRule(21, 25, "ftp"),
		portRule(22, 15, "ssh"),
		portRule(23, 30, "telnet"),
		portRule(25, 10, "smtp"),
		portRule(3306, 30, "mysql"),
		portRule(5432, 30, "postgresql"),
		portRule(6379, 35, "redis"),
		portRule(8080, 15, "http-alt"),
		portRule(8443, 10, "https-alt"),
		portRule(9200, 25, "elasticsearch"),
		portRule(27017, 35, "mongodb"),
		{ID: "port-default", Kind: KindPortDefault, Delta: 5, Severity: schemas.SeverityInfo},

		// Sensitive content paths, most damaging first.
		pathRule("dotenv", "/.env", 95),
		pathRule("dotgit", "/.git", 95),
		pathRule("shell", "/shell", 95),
		pathRule("phpmyadmin", "/phpmyadmin", 90),
		pathRule("htaccess", "/.htaccess", 85),
		pathRule("admin", "/admin", 80),
		pathRule("wp-admin", "/wp-admin", 80),
		pathRule("console", "/console", 80),
		pathRule("backup", "/backup", 75),
		pathRule("phpinfo", "/phpinfo", 75),
		pathRule("debug", "/debug", 70),
		pathRule("server-status", "/server-status", 70),
		pathRule("login", "/login", 40),
		pathRule("api", "/api", 30),
		{ID: "path-default", Kind: KindPathDefault, Delta: 2, Severity: schemas.SeverityLow},

		// Infrastructure markers.
		{ID: "infra-cloud", Kind: KindInfra, Match: "cloud", Delta: 5, Severity: schemas.SeverityInfo},
	}
	return Table{Version: DefaultTableVersion, Rules: rules}
}
