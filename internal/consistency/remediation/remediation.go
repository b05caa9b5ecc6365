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

// Package remediation finds NULL and zero-date values in temporal columns,
// replaces them with rule-derived defaults in parallel batches, and installs
// triggers that apply the same rules to later writes.
package remediation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgedge/datefix/internal/consistency/remediation/audit"
	"github.com/pgedge/datefix/internal/consistency/remediation/rules"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/internal/infra/workerpool"
	"github.com/pgedge/datefix/pkg/config"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/taskstore"
	"github.com/pgedge/datefix/pkg/types"
)

type RemediationTask struct {
	types.Task

	Connection db.Params
	Schema     string
	Tables     []string
	SkipTables []string

	BatchSize         int
	ConcurrencyFactor float64
	StatementTimeout  time.Duration

	Rules            []rules.Rule
	FarFuture        string
	TimestampCeiling string

	DryRun         bool
	SkipTriggers   bool
	TriggersOnly   bool
	Teardown       bool
	QuietMode      bool
	GenerateReport bool
	ReportDir      string

	AuditDir string
	AuditCSV bool
	AuditLog bool
	// AuditSink replaces the file sinks when set.
	AuditSink audit.Sink

	TaskStorePath string
	TaskStore     *taskstore.Store
	SkipDBUpdate  bool

	// DB is used instead of opening a new pool when set; it is not closed.
	DB      *sql.DB
	Dialect db.Dialect

	Ctx context.Context

	engine     *rules.Engine
	report     *types.RunReport
	reportPath string
}

// NewRemediationTask returns a task populated from the loaded config.
func NewRemediationTask() *RemediationTask {
	cfg := config.Get()
	t := &RemediationTask{
		Connection: db.Params{
			Driver:         cfg.Database.Driver,
			Host:           cfg.Database.Host,
			Port:           cfg.Database.Port,
			User:           cfg.Database.User,
			Password:       cfg.Database.Password,
			DBName:         cfg.Database.DBName,
			Schema:         cfg.Database.Schema,
			DSN:            cfg.Database.DSN,
			ConnectTimeout: time.Duration(cfg.Database.ConnectionTimeout) * time.Second,
			MaxOpenConns:   cfg.Database.MaxOpenConns,
		},
		Schema:            cfg.Database.Schema,
		Tables:            cfg.Remediation.Tables,
		SkipTables:        cfg.Remediation.SkipTables,
		BatchSize:         cfg.Remediation.BatchSize,
		ConcurrencyFactor: cfg.Remediation.ConcurrencyFactor,
		StatementTimeout:  time.Duration(cfg.Database.StatementTimeout) * time.Millisecond,
		FarFuture:         cfg.Remediation.FarFuture,
		TimestampCeiling:  cfg.Remediation.TimestampCeiling,
		SkipTriggers:      !cfg.Triggers.IsEnabled(),
		AuditDir:          cfg.Audit.Dir,
		AuditCSV:          cfg.Audit.CSV,
		AuditLog:          cfg.Audit.LogFile,
		TaskStorePath:     cfg.TaskStore.Path,
		SkipDBUpdate:      cfg.TaskStore.Disabled,
		Ctx:               context.Background(),
	}
	for _, r := range cfg.Remediation.Rules {
		t.Rules = append(t.Rules, rules.Rule{Name: r.Name, Columns: r.Columns, Value: r.Value, CopyFrom: r.CopyFrom})
	}
	return t
}

// CloneForSchedule copies the task for another scheduled run.
func (t *RemediationTask) CloneForSchedule(ctx context.Context) *RemediationTask {
	clone := *t
	clone.Task = types.Task{}
	clone.Ctx = ctx
	clone.engine = nil
	clone.report = nil
	clone.reportPath = ""
	return &clone
}

func (t *RemediationTask) Validate() error {
	if t.Ctx == nil {
		t.Ctx = context.Background()
	}
	if t.DB == nil {
		if _, err := db.DialectFor(t.Connection.Driver); err != nil {
			return err
		}
		if t.Connection.DSN == "" && t.Connection.DBName == "" {
			return errors.New("database name is required")
		}
	} else if t.Dialect == nil {
		return errors.New("a dialect is required with an existing connection pool")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", t.BatchSize)
	}
	if t.ConcurrencyFactor <= 0 || t.ConcurrencyFactor > 4 {
		return fmt.Errorf("concurrency factor must be within (0, 4], got %v", t.ConcurrencyFactor)
	}
	if t.DryRun && t.TriggersOnly {
		return errors.New("dry run and triggers-only are mutually exclusive")
	}
	if t.Teardown && (t.DryRun || t.TriggersOnly) {
		return errors.New("teardown cannot be combined with dry run or triggers-only")
	}
	if t.Schema == "" {
		t.Schema = t.Connection.DefaultSchema()
	}

	ruleSet := t.Rules
	if len(ruleSet) == 0 {
		ruleSet = rules.DefaultRules(t.FarFuture)
	}
	var opts []rules.Option
	ceiling := t.TimestampCeiling
	if ceiling == "" && db.NormaliseDriver(t.driver()) == db.MySQL {
		ceiling = rules.MySQLTSCeiling
	}
	if ceiling != "" && !strings.EqualFold(ceiling, "none") {
		opts = append(opts, rules.WithTimestampCeiling(ceiling))
	}
	engine, err := rules.New(ruleSet, opts...)
	if err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	t.engine = engine
	return nil
}

func (t *RemediationTask) driver() string {
	if t.Dialect != nil {
		return t.Dialect.Name()
	}
	return t.Connection.Driver
}

func (t *RemediationTask) taskType() string {
	switch {
	case t.Teardown:
		return taskstore.TaskTypeTriggerTeardown
	case t.TriggersOnly:
		return taskstore.TaskTypeTriggerSync
	case t.DryRun:
		return taskstore.TaskTypeDryRun
	}
	return taskstore.TaskTypeRemediate
}

// Run executes DISCOVER, PLAN, APPLY and SYNCHRONIZE_TRIGGERS in order and
// always returns a report that reached DONE. Unit failures are recorded in
// the report; err is only set when the task could not be validated.
func (t *RemediationTask) Run(skipValidation bool) (*types.RunReport, error) {
	if !skipValidation || t.engine == nil {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task validation failed: %w", err)
		}
	}

	sink := t.AuditSink
	var auditPaths []string
	startTime := time.Now()
	if sink == nil && !t.Teardown && !t.TriggersOnly {
		s, paths, sinkErr := audit.Files(t.AuditDir, startTime, t.AuditCSV, t.AuditLog)
		if sinkErr != nil {
			logger.Warn("audit: %v; continuing without audit files", sinkErr)
		} else {
			sink, auditPaths = s, paths
		}
	}
	runCtx := audit.NewRunContext(sink)
	defer func() {
		if closeErr := runCtx.Close(); closeErr != nil {
			logger.Warn("audit: %v", closeErr)
		}
	}()

	if strings.TrimSpace(t.TaskID) == "" {
		t.TaskID = runCtx.RunID
	}
	t.Task.TaskType = t.taskType()
	t.Task.StartedAt = startTime
	t.Task.TaskStatus = taskstore.StatusRunning

	t.report = t.initialiseReport(runCtx.RunID, startTime)
	report := t.report
	runCtx.Event("run started", "mode", report.Mode, "driver", report.Driver, "schema", t.Schema)
	for _, p := range auditPaths {
		logger.Info("Writing audit trail to %s", p)
	}

	recorder := t.startRecorder(startTime)
	defer t.finishRecorder(recorder, startTime)

	outcomes := map[string]*types.TableOutcome{}
	defer func() {
		finaliseReport(report, outcomes)
		runCtx.Event("run finished",
			"corrections_applied", report.Totals.CorrectionsApplied,
			"failed_units", len(report.FailedUnits()))
		if t.GenerateReport {
			path, writeErr := writeReportToFile(report, t.ReportDir)
			if writeErr != nil {
				logger.Warn("Warning: failed to write remediation report: %v", writeErr)
			}
			t.reportPath = path
		}
	}()

	pool, dialect, connErr := t.connect()
	if connErr != nil {
		report.Error = connErr.Error()
		logger.Error("%v", connErr)
		return report, nil
	}
	if t.DB == nil {
		defer pool.Close()
	}

	// DISCOVER
	enterStage(report, types.StageDiscover)
	runCtx.Event("stage", "stage", types.StageDiscover)
	inspector := NewInspector(pool, dialect, t.Schema)
	found, discErr := inspector.Discover(t.Ctx, t.Tables, t.SkipTables)
	if discErr != nil {
		report.Error = discErr.Error()
		logger.Error("%v", discErr)
		return report, nil
	}
	outcomes = found.Outcomes
	if len(found.Tables) == 0 {
		logger.Info("No temporal columns found in schema %s; nothing to do", t.Schema)
		return report, nil
	}

	if t.Teardown {
		enterStage(report, types.StageSynchronizeTriggers)
		report.Triggers = t.syncTriggers(pool, dialect, found.Tables, true)
		return report, nil
	}

	if !t.TriggersOnly {
		corrections := t.plan(pool, dialect, runCtx, found, outcomes)
		if t.DryRun {
			logger.Info("Dry run: %d corrections planned, nothing applied", len(corrections))
			return report, nil
		}
		t.apply(pool, dialect, runCtx, corrections, outcomes)
	}

	if t.SkipTriggers {
		logger.Info("Trigger synchronisation disabled; skipping")
		return report, nil
	}
	enterStage(report, types.StageSynchronizeTriggers)
	runCtx.Event("stage", "stage", types.StageSynchronizeTriggers)
	report.Triggers = t.syncTriggers(pool, dialect, found.Tables, false)
	return report, nil
}

func (t *RemediationTask) connect() (*sql.DB, db.Dialect, error) {
	if t.DB != nil {
		return t.DB, t.Dialect, nil
	}
	pool, dialect, err := db.Open(t.Ctx, t.Connection)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	t.Dialect = dialect
	return pool, dialect, nil
}

func (t *RemediationTask) workers() workerpool.Options {
	return workerpool.Options{
		Workers:  workerpool.Limit(t.ConcurrencyFactor),
		Progress: !t.QuietMode,
	}
}

func (t *RemediationTask) plan(pool *sql.DB, dialect db.Dialect, runCtx *audit.RunContext,
	found *Discovery, outcomes map[string]*types.TableOutcome) []types.PendingCorrection {
	enterStage(t.report, types.StagePlan)
	runCtx.Event("stage", "stage", types.StagePlan)

	p := &planner{dialect: dialect, schema: t.Schema, engine: t.engine, run: runCtx}
	var tasks []workerpool.Task[[]types.PendingCorrection]
	for _, tc := range found.Tables {
		if tc.PKColumn == "" {
			continue
		}
		tc := tc
		tasks = append(tasks, workerpool.Task[[]types.PendingCorrection]{
			ID: tc.Table,
			Run: func(ctx context.Context) ([]types.PendingCorrection, error) {
				conn, err := pool.Conn(ctx)
				if err != nil {
					return nil, wrap(ErrConnection, "plan %s", err, tc.Table)
				}
				defer conn.Close()
				return p.planTable(ctx, conn, tc)
			},
		})
	}

	opts := t.workers()
	opts.Label = "Planning tables:"
	var corrections []types.PendingCorrection
	for _, o := range workerpool.Run(t.Ctx, tasks, opts) {
		outcome := outcomes[o.ID]
		if o.Err != nil {
			logger.Error("planning %s: %v", o.ID, o.Err)
			markTable(outcome, types.StatusFailed, o.Err)
			continue
		}
		outcome.Planned = len(o.Value)
		outcome.Status = types.StatusPlanned
		if len(o.Value) == 0 {
			outcome.Status = types.StatusClean
		}
		logger.Info("Planned %d corrections for %s", len(o.Value), o.ID)
		corrections = append(corrections, o.Value...)
	}
	return corrections
}

func (t *RemediationTask) apply(pool *sql.DB, dialect db.Dialect, runCtx *audit.RunContext,
	corrections []types.PendingCorrection, outcomes map[string]*types.TableOutcome) {
	enterStage(t.report, types.StageApply)
	runCtx.Event("stage", "stage", types.StageApply)
	if len(corrections) == 0 {
		logger.Info("No invalid temporal values found")
		return
	}

	groups := Partition(corrections, t.BatchSize)
	a := &applier{dialect: dialect, schema: t.Schema, statementTimeout: t.StatementTimeout, run: runCtx}

	tasks := make([]workerpool.Task[[]types.BatchOutcome], 0, len(groups))
	for _, g := range groups {
		g := g
		tasks = append(tasks, workerpool.Task[[]types.BatchOutcome]{
			ID: g.ID,
			Run: func(ctx context.Context) ([]types.BatchOutcome, error) {
				return a.applyGroup(ctx, pool, g), nil
			},
		})
	}

	opts := t.workers()
	opts.Label = "Applying batches:"
	for i, o := range workerpool.Run(t.Ctx, tasks, opts) {
		if o.Err != nil {
			// the group never ran: cancelled or panicked
			for _, b := range groups[i].Batches {
				t.report.Batches = append(t.report.Batches, a.failed(b, wrap(ErrBatchApply, "group %s", o.Err, groups[i].ID), 0))
			}
			continue
		}
		t.report.Batches = append(t.report.Batches, o.Value...)
	}

	for _, b := range t.report.Batches {
		outcome, ok := outcomes[b.Table]
		if !ok {
			continue
		}
		switch {
		case b.Status == types.StatusFailed:
			outcome.Status = types.StatusFailed
			outcome.ErrorKind = b.ErrorKind
			outcome.Error = b.Error
		case outcome.Status == types.StatusPlanned:
			outcome.Status = types.StatusApplied
		}
	}
}

func (t *RemediationTask) syncTriggers(pool *sql.DB, dialect db.Dialect, tables []types.TableColumns, teardown bool) []types.TriggerOutcome {
	syncer, err := NewTriggerSynchronizer(dialect, t.Schema, t.engine)
	if err != nil {
		logger.Error("triggers: %v", err)
		return nil
	}
	if teardown {
		return syncer.Teardown(t.Ctx, pool, tables)
	}
	outcomes := syncer.Sync(t.Ctx, pool, tables)
	for _, o := range outcomes {
		if o.Status == types.StatusInstalled {
			logger.Info("Installed triggers %s on %s", strings.Join(o.Names, ", "), o.Table)
		}
	}
	return outcomes
}

func (t *RemediationTask) startRecorder(startTime time.Time) *taskstore.Recorder {
	if t.SkipDBUpdate {
		return nil
	}
	rec, recErr := taskstore.NewRecorder(t.TaskStore, t.TaskStorePath)
	if recErr != nil {
		logger.Warn("remediate: unable to initialise task store (%v)", recErr)
		return nil
	}
	if t.TaskStore == nil && rec.Store() != nil {
		t.TaskStore = rec.Store()
	}

	ctx := map[string]any{
		"tables":             t.Tables,
		"skip_tables":        t.SkipTables,
		"batch_size":         t.BatchSize,
		"concurrency_factor": t.ConcurrencyFactor,
		"dry_run":            t.DryRun,
		"skip_triggers":      t.SkipTriggers,
		"generate_report":    t.GenerateReport,
	}
	record := taskstore.Record{
		TaskID:       t.TaskID,
		TaskType:     t.Task.TaskType,
		Status:       taskstore.StatusRunning,
		Driver:       db.NormaliseDriver(t.driver()),
		DatabaseName: t.Connection.DBName,
		SchemaName:   t.Schema,
		StartedAt:    startTime,
		TaskContext:  ctx,
	}
	if err := rec.Create(record); err != nil {
		logger.Warn("remediate: unable to write initial task status (%v)", err)
	}
	return rec
}

func (t *RemediationTask) finishRecorder(recorder *taskstore.Recorder, startTime time.Time) {
	finishedAt := time.Now()
	t.Task.FinishedAt = finishedAt
	t.Task.TimeTaken = finishedAt.Sub(startTime).Seconds()

	status := taskstore.StatusCompleted
	if t.report == nil || t.report.Error != "" || t.report.HasFailures() {
		status = taskstore.StatusFailed
	}
	t.Task.TaskStatus = status

	if recorder != nil && recorder.Created() {
		ctx := map[string]any{"dry_run": t.DryRun}
		if t.report != nil {
			ctx["totals"] = t.report.Totals
			ctx["failed_units"] = t.report.FailedUnits()
			if t.report.Error != "" {
				ctx["error"] = t.report.Error
			}
		}
		updateErr := recorder.Update(taskstore.Record{
			TaskID:      t.TaskID,
			Status:      status,
			ReportPath:  t.reportPath,
			FinishedAt:  finishedAt,
			TimeTaken:   t.Task.TimeTaken,
			TaskContext: ctx,
		})
		if updateErr != nil {
			logger.Warn("remediate: unable to update task status (%v)", updateErr)
		}
	}

	if recorder != nil && recorder.OwnsStore() {
		storePtr := recorder.Store()
		if closeErr := recorder.Close(); closeErr != nil {
			logger.Warn("remediate: failed to close task store (%v)", closeErr)
		}
		if storePtr != nil && t.TaskStore == storePtr {
			t.TaskStore = nil
		}
	}
}

// Remediate runs a full remediation against the database described by
// params using the configured defaults.
func Remediate(ctx context.Context, params db.Params) (*types.RunReport, error) {
	task := NewRemediationTask()
	task.Connection = params
	task.Schema = params.Schema
	task.Ctx = ctx
	return task.Run(false)
}
