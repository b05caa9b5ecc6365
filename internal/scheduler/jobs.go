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

package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgedge/datefix/internal/consistency/remediation"
	"github.com/pgedge/datefix/pkg/common"
	"github.com/pgedge/datefix/pkg/config"
	"github.com/pgedge/datefix/pkg/types"
)

const (
	JobTypeRemediate   = "remediate"
	JobTypeTriggerSync = "trigger-sync"
)

type scheduleSpec struct {
	frequency time.Duration
	cron      string
}

// BuildJobsFromConfig turns the enabled schedule_config entries into jobs.
func BuildJobsFromConfig(cfg *config.Config) ([]Job, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler: configuration is not initialised")
	}

	jobDefs := make(map[string]config.JobDef, len(cfg.ScheduleJobs))
	for _, def := range cfg.ScheduleJobs {
		jobDefs[def.Name] = def
	}

	var jobs []Job
	for _, sched := range cfg.ScheduleConfig {
		if !sched.Enabled {
			continue
		}
		def, ok := jobDefs[sched.JobName]
		if !ok {
			return nil, fmt.Errorf("scheduler: job definition %q not found", sched.JobName)
		}
		spec, err := specFromConfig(sched)
		if err != nil {
			return nil, fmt.Errorf("scheduler: job %q: %w", def.Name, err)
		}
		job, err := buildJobFromDefinition(def, spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: job %q: %w", def.Name, err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func specFromConfig(def config.SchedDef) (scheduleSpec, error) {
	var spec scheduleSpec

	if strings.TrimSpace(def.CrontabSchedule) != "" {
		spec.cron = def.CrontabSchedule
	}
	if strings.TrimSpace(def.RunFrequency) != "" {
		freq, err := ParseFrequency(def.RunFrequency)
		if err != nil {
			return scheduleSpec{}, err
		}
		spec.frequency = freq
	}

	if spec.cron == "" && spec.frequency == 0 {
		return scheduleSpec{}, fmt.Errorf("either run_frequency or crontab_schedule must be set")
	}
	if spec.cron != "" && spec.frequency > 0 {
		return scheduleSpec{}, fmt.Errorf("cannot set both run_frequency and crontab_schedule")
	}

	return spec, nil
}

func buildJobFromDefinition(def config.JobDef, spec scheduleSpec) (Job, error) {
	jobType := strings.ToLower(strings.TrimSpace(def.Type))
	switch jobType {
	case "", JobTypeRemediate:
		return buildRemediateJob(def, spec, false)
	case JobTypeTriggerSync:
		return buildRemediateJob(def, spec, true)
	default:
		return Job{}, fmt.Errorf("unknown job type %q (expected %s or %s)", def.Type, JobTypeRemediate, JobTypeTriggerSync)
	}
}

// RemediationJob wraps a configured task so every tick runs on a fresh copy.
func RemediationJob(name string, base *remediation.RemediationTask, spec Job) Job {
	spec.Name = name
	spec.Task = func(ctx context.Context) error {
		runTask := base.CloneForSchedule(ctx)
		report, err := runTask.Run(false)
		if err != nil {
			return err
		}
		return reportError(report)
	}
	return spec
}

func reportError(report *types.RunReport) error {
	if report == nil {
		return nil
	}
	if report.Error != "" {
		return fmt.Errorf("run %s: %s", report.RunID, report.Error)
	}
	if report.HasFailures() {
		return fmt.Errorf("run %s: %d units failed", report.RunID, len(report.FailedUnits()))
	}
	return nil
}

func buildRemediateJob(def config.JobDef, spec scheduleSpec, triggersOnly bool) (Job, error) {
	base := remediation.NewRemediationTask()
	base.TriggersOnly = triggersOnly

	if t := strings.TrimSpace(def.TableName); t != "" {
		base.Tables = []string{t}
	}
	if raw, ok := def.Args["tables"]; ok {
		tables, err := common.ParseList(raw)
		if err != nil {
			return Job{}, fmt.Errorf("tables: %w", err)
		}
		base.Tables = append(base.Tables, tables...)
	}
	if raw, ok := def.Args["skip_tables"]; ok {
		skip, err := common.ParseList(raw)
		if err != nil {
			return Job{}, fmt.Errorf("skip_tables: %w", err)
		}
		base.SkipTables = skip
	}
	if s := stringArg(def.Args, "schema"); s != "" {
		base.Schema = s
	}
	if v := intArg(def.Args, "batch_size", 0); v > 0 {
		base.BatchSize = v
	}
	if v := float64Arg(def.Args, "concurrency_factor", 0); v > 0 {
		base.ConcurrencyFactor = v
	}
	base.DryRun = boolArg(def.Args, "dry_run", base.DryRun)
	base.SkipTriggers = boolArg(def.Args, "skip_triggers", base.SkipTriggers)
	base.GenerateReport = boolArg(def.Args, "generate_report", base.GenerateReport)
	base.QuietMode = boolArg(def.Args, "quiet", true)
	base.SkipDBUpdate = boolArg(def.Args, "skip_db_update", base.SkipDBUpdate)
	if path := stringArg(def.Args, "taskstore_path"); path != "" {
		base.TaskStorePath = path
	}

	if err := base.Validate(); err != nil {
		return Job{}, err
	}

	kind := JobTypeRemediate
	if triggersOnly {
		kind = JobTypeTriggerSync
	}
	return RemediationJob(jobName(def, kind, def.TableName), base, Job{
		Frequency:  spec.frequency,
		Cron:       spec.cron,
		RunOnStart: true,
	}), nil
}

func jobName(def config.JobDef, kind, target string) string {
	if strings.TrimSpace(def.Name) != "" {
		return def.Name
	}
	if target != "" {
		return fmt.Sprintf("%s:%s", kind, target)
	}
	return kind
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if val, ok := args[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func boolArg(args map[string]any, key string, defaultVal bool) bool {
	if args == nil {
		return defaultVal
	}
	if val, ok := args[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			parsed, err := strconv.ParseBool(v)
			if err == nil {
				return parsed
			}
		case float64:
			return v != 0
		case int:
			return v != 0
		}
	}
	return defaultVal
}

func float64Arg(args map[string]any, key string, defaultVal float64) float64 {
	if args == nil {
		return defaultVal
	}
	if val, ok := args[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return defaultVal
}

func intArg(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	if val, ok := args[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		case string:
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return defaultVal
}
