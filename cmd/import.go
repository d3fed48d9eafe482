// File: cmd/import.go
package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/observability"
)

// reconFile is the on-disk shape of a recon export: an optional root domain
// plus the target records. A bare JSON array of records is also accepted.
type reconFile struct {
	RootDomain string                 `json:"root_domain"`
	Targets    []schemas.TargetRecord `json:"targets"`
}

// newImportCmd creates and configures the `import` command.
func newImportCmd() *cobra.Command {
	var (
		sessionName string
		sessionID   string
		rootDomain  string
		filePath    string
	)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Imports a recon JSON export into a session",
		Long: `Imports a recon JSON export into the configured store, scoring each
target and building its graph slice as it lands. The session is addressed
by name (created on first use) or by an existing session id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if sessionName == "" && sessionID == "" {
				return errors.New("either --session or --session-id is required")
			}
			if sessionName != "" && sessionID != "" {
				return errors.New("--session and --session-id are mutually exclusive")
			}

			payload, err := readReconFile(filePath)
			if err != nil {
				return err
			}
			if len(payload.Targets) == 0 {
				return fmt.Errorf("no target records in %s", filePath)
			}
			if rootDomain == "" {
				rootDomain = payload.RootDomain
			}

			comps, err := initializeComponents(ctx, appCfg, nil, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			var result schemas.ImportResult
			if sessionID != "" {
				result, err = comps.Importer.Import(ctx, sessionID, payload.Targets)
			} else {
				_, result, err = comps.Importer.ImportByName(ctx, sessionName, rootDomain, payload.Targets)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d of %d targets into session %s\n",
				result.Imported, len(payload.Targets), result.SessionID)
			for _, te := range result.Errors {
				fmt.Fprintf(out, "  FAILED %s: %s\n", te.Domain, te.Error)
			}

			targets, err := comps.Repo.ListTargets(ctx, result.SessionID)
			if err != nil {
				return fmt.Errorf("import committed but listing targets failed: %w", err)
			}
			for _, t := range targets {
				fmt.Fprintf(out, "  %-40s score=%-4d %s\n", t.Domain, t.RiskScore, t.Severity)
			}
			return nil
		},
	}

	importCmd.Flags().StringVar(&sessionName, "session", "", "session name (created if it does not exist)")
	importCmd.Flags().StringVar(&sessionID, "session-id", "", "existing session id to import into")
	importCmd.Flags().StringVar(&rootDomain, "root-domain", "", "root domain for the session graph (defaults to the file's root_domain)")
	importCmd.Flags().StringVarP(&filePath, "file", "f", "", "path to the recon JSON export (required)")
	_ = importCmd.MarkFlagRequired("file")

	return importCmd
}

// readReconFile parses a recon export, accepting either the wrapped object
// form or a bare array of target records.
func readReconFile(path string) (reconFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return reconFile{}, fmt.Errorf("failed to read recon file: %w", err)
	}

	var payload reconFile
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payload.Targets); err != nil {
			return reconFile{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return payload, nil
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return reconFile{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return payload, nil
}
