// File: cmd/rules.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nullmap-sec/riskgraph/internal/scoring"
)

// newRulesCmd creates and configures the `rules` command.
func newRulesCmd() *cobra.Command {
	var rulesPath string

	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Validates a rule table and prints its summary",
		Long: `Validates a scoring rule table the same way the server would at startup
and prints its version and per-kind rule counts. With no --rules flag the
configured rules_file is checked, or the built-in table when none is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rulesPath
			if path == "" {
				path = appCfg.Scoring.RulesFile
			}

			table := scoring.DefaultTable()
			source := "built-in"
			if path != "" {
				loaded, err := loadRuleTable(path)
				if err != nil {
					return err
				}
				table = loaded
				source = path
			}

			// Run the full evaluator construction so kind indexing and
			// threshold ordering problems surface here, not at serve time.
			if _, err := scoring.NewEvaluator(table, thresholdsFromConfig(appCfg.Scoring.Thresholds)); err != nil {
				return err
			}

			counts := make(map[scoring.RuleKind]int, len(table.Rules))
			for _, r := range table.Rules {
				counts[r.Kind]++
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rule table %s (%s): %d rules\n", table.Version, source, len(table.Rules))
			for _, kind := range []scoring.RuleKind{
				scoring.KindBanner,
				scoring.KindPort,
				scoring.KindPortDefault,
				scoring.KindPath,
				scoring.KindPathDefault,
				scoring.KindInfra,
			} {
				if counts[kind] > 0 {
					fmt.Fprintf(out, "  %-12s %d\n", kind, counts[kind])
				}
			}
			return nil
		},
	}

	rulesCmd.Flags().StringVar(&rulesPath, "rules", "", "path to a YAML rule table (defaults to the configured rules_file)")

	return rulesCmd
}
