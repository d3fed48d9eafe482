// File: cmd/score.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/normalize"
)

// newScoreCmd creates and configures the `score` command.
func newScoreCmd() *cobra.Command {
	var filePath string

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Scores a single target record without persisting anything",
		Long: `Scores one target record against the rule table and prints the full
evaluation: additive score, severity tier, the findings each matched rule
would raise, and the per-port and per-path node risks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("failed to read record file: %w", err)
			}

			var rec schemas.TargetRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("failed to parse %s: %w", filePath, err)
			}
			if err := normalize.Validate(rec); err != nil {
				return err
			}

			eval, err := buildEvaluator(appCfg)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(eval.Evaluate(rec), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode evaluation: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	scoreCmd.Flags().StringVarP(&filePath, "file", "f", "", "path to a single target record JSON (required)")
	_ = scoreCmd.MarkFlagRequired("file")

	return scoreCmd
}
