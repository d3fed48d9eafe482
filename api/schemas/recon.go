package schemas

// -- Recon Import Input Schemas --

// TargetRecord is one target's worth of raw recon output, as produced by the
// upstream scanning pipeline. Every field except Domain is optional; absent
// fields simply yield fewer nodes, edges, and score contributions.
type TargetRecord struct {
	Domain string   `json:"domain"`
	IPs    []string `json:"ips,omitempty"`
	Ports  []int    `json:"ports,omitempty"`

	// PortDetail maps a port (JSON object keys, so decimal strings) to the
	// service banner observed on it. Ports appearing only here still surface
	// as graph nodes, but only entries of Ports accrue port weight.
	PortDetail map[string]string `json:"port_detail,omitempty"`

	// DNSMeta carries structured reverse-DNS facts (PTR records, nameservers).
	// The engine stores it verbatim; it is not scored.
	DNSMeta map[string]interface{} `json:"dns_meta,omitempty"`

	Alive []ProbeResult `json:"alive,omitempty"`
	Dirb  []string      `json:"dirb,omitempty"`
	Infra InfraInfo     `json:"infra,omitempty"`
}

// ProbeResult is one live-HTTP probe observation.
type ProbeResult struct {
	URL      string `json:"url"`
	FinalURL string `json:"final_url,omitempty"` // Landing URL after redirects, when it differs.
	Status   int    `json:"status,omitempty"`
	Server   string `json:"server,omitempty"`
}

// InfraInfo classifies the hosting infrastructure of a target.
type InfraInfo struct {
	Type string `json:"type,omitempty"` // e.g. "cloud", "on-prem", "unknown".
}
