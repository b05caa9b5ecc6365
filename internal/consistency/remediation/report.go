// ///////////////////////////////////////////////////////////////////////////
//
// # DATEFIX - Temporal Remediation Engine
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package remediation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/types"
)

const (
	ModeApply        = "APPLY"
	ModeDryRun       = "DRY_RUN"
	ModeTriggersOnly = "TRIGGERS_ONLY"
	ModeTeardown     = "TEARDOWN"
)

func (t *RemediationTask) initialiseReport(runID string, started time.Time) *types.RunReport {
	mode := ModeApply
	switch {
	case t.Teardown:
		mode = ModeTeardown
	case t.TriggersOnly:
		mode = ModeTriggersOnly
	case t.DryRun:
		mode = ModeDryRun
	}
	return &types.RunReport{
		RunID:     runID,
		Mode:      mode,
		Driver:    t.Connection.Driver,
		Database:  t.Connection.DBName,
		Schema:    t.Schema,
		StartedAt: started,
		Stage:     types.StageDiscover,
	}
}

func enterStage(r *types.RunReport, stage types.Stage) {
	now := time.Now()
	if n := len(r.Stages); n > 0 && r.Stages[n-1].FinishedAt.IsZero() {
		r.Stages[n-1].FinishedAt = now
	}
	r.Stage = stage
	if stage == types.StageDone {
		return
	}
	r.Stages = append(r.Stages, types.StageTiming{Stage: stage, StartedAt: now})
}

func finaliseReport(r *types.RunReport, outcomes map[string]*types.TableOutcome) {
	tables := make([]string, 0, len(outcomes))
	for name := range outcomes {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	r.Tables = r.Tables[:0]
	for _, name := range tables {
		r.Tables = append(r.Tables, *outcomes[name])
	}

	totals := types.RunTotals{TablesDiscovered: len(r.Tables)}
	for _, t := range r.Tables {
		switch t.Status {
		case types.StatusSkipped:
			totals.TablesSkipped++
		case types.StatusFailed:
			totals.TablesFailed++
		}
		totals.CorrectionsPlanned += t.Planned
	}
	for _, b := range r.Batches {
		if b.Status == types.StatusFailed {
			totals.BatchesFailed++
			totals.CorrectionsFailed += b.Rows
			continue
		}
		totals.BatchesApplied++
		totals.CorrectionsApplied += int(b.RowsAffected)
	}
	for _, tr := range r.Triggers {
		if tr.Status == types.StatusFailed {
			totals.TriggersFailed++
			continue
		}
		totals.TriggersInstalled++
	}
	r.Totals = totals

	r.FinishedAt = time.Now()
	r.RunTimeSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
	enterStage(r, types.StageDone)
}

// Summary renders the report for the terminal.
func Summary(r *types.RunReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s (%s) finished in %.2fs\n", r.RunID, r.Mode, r.RunTimeSeconds)
	if r.Error != "" {
		fmt.Fprintf(&sb, "  error: %s\n", r.Error)
	}
	t := r.Totals
	fmt.Fprintf(&sb, "  tables: %d discovered, %d skipped, %d failed\n", t.TablesDiscovered, t.TablesSkipped, t.TablesFailed)
	fmt.Fprintf(&sb, "  corrections: %d planned, %d applied, %d failed\n", t.CorrectionsPlanned, t.CorrectionsApplied, t.CorrectionsFailed)
	fmt.Fprintf(&sb, "  batches: %d applied, %d failed\n", t.BatchesApplied, t.BatchesFailed)
	fmt.Fprintf(&sb, "  triggers: %d tables ok, %d failed\n", t.TriggersInstalled, t.TriggersFailed)
	if failed := r.FailedUnits(); len(failed) > 0 {
		sb.WriteString("  not completed:\n")
		for _, f := range failed {
			fmt.Fprintf(&sb, "    - %s\n", f)
		}
	}
	return sb.String()
}

func writeReportToFile(report *types.RunReport, reportFolder string) (string, error) {
	now := time.Now()
	if reportFolder == "" {
		reportFolder = "reports"
	}
	dateFolderName := now.Format("2006-01-02")
	reportDir := filepath.Join(reportFolder, dateFolderName)

	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", reportDir, err)
	}

	var fileNamePrefix string
	if report.Mode == ModeDryRun {
		fileNamePrefix = "dry_run_report_"
	} else {
		fileNamePrefix = "remediation_report_"
	}
	fileNameSuffix := now.Format("150405") + fmt.Sprintf(".%03d", now.Nanosecond()/1e6)
	fileName := fmt.Sprintf("%s%s.json", fileNamePrefix, fileNameSuffix)
	filePath := filepath.Join(reportDir, fileName)

	reportData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to JSON: %w", err)
	}

	if err := os.WriteFile(filePath, reportData, 0644); err != nil {
		return "", fmt.Errorf("failed to write report to file %s: %w", filePath, err)
	}

	logger.Info("Wrote report to %s", filePath)
	return filePath, nil
}

// ReportPath is the JSON report written by the last run, if any.
func (t *RemediationTask) ReportPath() string {
	return t.reportPath
}
