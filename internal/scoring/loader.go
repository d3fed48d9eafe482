// File: internal/scoring/loader.go
package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTable reads a rule table from a YAML file and validates it. A loaded
// table replaces the built-in one wholesale; there is no merging, so a custom
// table must carry its own defaults.
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("reading rule table %s: %w", path, err)
	}
	return ParseTable(raw)
}

// ParseTable decodes and validates rule table YAML.
func ParseTable(raw []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("parsing rule table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, fmt.Errorf("invalid rule table: %w", err)
	}
	return t, nil
}
