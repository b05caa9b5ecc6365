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

package cli

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pgedge/datefix/internal/consistency/remediation"
	"github.com/pgedge/datefix/internal/scheduler"
	"github.com/pgedge/datefix/pkg/common"
	"github.com/pgedge/datefix/pkg/config"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/taskstore"
	"github.com/pgedge/datefix/pkg/types"
	"github.com/urfave/cli/v2"
)

//go:embed default_config.yaml
var defaultConfigYAML string

func SetupCLI() *cli.App {
	commonFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "dbname",
			Aliases: []string{"d"},
			Usage:   "Database name (sqlite: file path); overrides the config",
		},
		&cli.StringFlag{
			Name:    "schema",
			Aliases: []string{"s"},
			Usage:   "Schema to scan (default depends on the driver)",
		},
		&cli.StringFlag{
			Name:    "tables",
			Aliases: []string{"t"},
			Usage:   "Comma-separated list of tables to include (default: all)",
		},
		&cli.StringFlag{
			Name:  "table-file",
			Usage: "Path to a file listing tables to include",
		},
		&cli.StringFlag{
			Name:    "skip-tables",
			Aliases: []string{"T"},
			Usage:   "Comma-separated list of tables to skip",
		},
		&cli.StringFlag{
			Name:  "skip-file",
			Usage: "Path to a file listing tables to skip",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "Whether to suppress progress output",
			Value:   false,
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
			Value:   false,
		},
	}

	remediateFlags := append([]cli.Flag{}, commonFlags...)
	remediateFlags = append(remediateFlags,
		&cli.IntFlag{
			Name:    "batch-size",
			Aliases: []string{"b"},
			Usage:   "Maximum rows per batch update",
		},
		&cli.Float64Flag{
			Name:    "concurrency-factor",
			Aliases: []string{"c"},
			Usage:   "CPU ratio for concurrency (0.0–4.0, e.g. 0.5 uses half of available CPUs)",
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Aliases: []string{"y"},
			Usage:   "Plan corrections and write the audit trail without updating rows",
		},
		&cli.BoolFlag{
			Name:  "skip-triggers",
			Usage: "Do not install or replace the enforcement triggers",
		},
		&cli.BoolFlag{
			Name:    "generate-report",
			Aliases: []string{"g"},
			Usage:   "Write a JSON report of the run",
		},
		&cli.StringFlag{
			Name:  "report-dir",
			Usage: "Directory for JSON reports",
			Value: "reports",
		},
		&cli.BoolFlag{
			Name:    "schedule",
			Aliases: []string{"S"},
			Usage:   "Schedule the remediation to run periodically",
		},
		&cli.StringFlag{
			Name:    "every",
			Aliases: []string{"e"},
			Usage:   "Time duration (e.g., 5m, 3h, etc.)",
		},
	)

	configInitFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "Path to write the config file",
			Value:   "datefix.yaml",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"x"},
			Usage:   "Overwrite the config file if it already exists",
		},
		&cli.BoolFlag{
			Name:    "stdout",
			Aliases: []string{"z"},
			Usage:   "Print the config to stdout instead of writing a file",
		},
	}

	taskStoreFlag := &cli.StringFlag{
		Name:  "task-store",
		Usage: "Path to the task store (default: from config)",
	}

	app := &cli.App{
		Name:  "datefix",
		Usage: "DATEFIX - Temporal Remediation Engine",
		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "Manage datefix configuration files",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Create a default datefix.yaml file",
						Flags:  configInitFlags,
						Action: ConfigInitCLI,
					},
				},
			},
			{
				Name:  "remediate",
				Usage: "Replace NULL and zero dates in temporal columns and install enforcement triggers",
				Description: "Discovers date, datetime and timestamp columns, corrects invalid values " +
					"in parallel batches and installs BEFORE INSERT/UPDATE triggers applying the same rules",
				Flags:  remediateFlags,
				Action: RemediateCLI,
				Before: setLogLevel,
			},
			{
				Name:  "triggers",
				Usage: "Manage the enforcement triggers",
				Subcommands: []*cli.Command{
					{
						Name:   "sync",
						Usage:  "Install or replace triggers without touching existing rows",
						Flags:  commonFlags,
						Action: TriggersSyncCLI,
						Before: setLogLevel,
					},
					{
						Name:   "teardown",
						Usage:  "Drop the triggers installed by datefix",
						Flags:  commonFlags,
						Action: TriggersTeardownCLI,
						Before: setLogLevel,
					},
				},
			},
			{
				Name:  "task",
				Usage: "Inspect recorded runs",
				Subcommands: []*cli.Command{
					{
						Name:      "status",
						Usage:     "Show a recorded run",
						ArgsUsage: "<task-id>",
						Flags:     []cli.Flag{taskStoreFlag},
						Action:    TaskStatusCLI,
					},
					{
						Name:  "list",
						Usage: "List recent runs",
						Flags: []cli.Flag{
							taskStoreFlag,
							&cli.IntFlag{
								Name:    "limit",
								Aliases: []string{"n"},
								Usage:   "Number of runs to show",
								Value:   20,
							},
						},
						Action: TaskListCLI,
					},
				},
			},
			{
				Name:  "start",
				Usage: "Start the scheduler for configured jobs",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "debug",
						Aliases: []string{"v"},
						Usage:   "Enable debug logging",
					},
				},
				Action: StartSchedulerCLI,
				Before: setLogLevel,
			},
		},
	}

	return app
}

func setLogLevel(ctx *cli.Context) error {
	if ctx.Bool("debug") || config.Get().DebugMode {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
	return nil
}

func initTemplateFile(ctx *cli.Context, content string, defaultPath string, label string, perm os.FileMode) error {
	outputPath := ctx.String("path")
	if outputPath == "" {
		outputPath = defaultPath
	}

	if ctx.Bool("stdout") || outputPath == "-" {
		fmt.Fprintln(ctx.App.Writer, content)
		return nil
	}

	if !ctx.Bool("force") {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%s already exists at %s (use --force to overwrite)", label, outputPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unable to verify existing %s at %s: %w", label, outputPath, err)
		}
	}

	dir := filepath.Dir(outputPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputPath, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", label, outputPath, err)
	}

	fmt.Fprintf(ctx.App.Writer, "Wrote %s to %s\n", label, outputPath)
	return nil
}

func ConfigInitCLI(ctx *cli.Context) error {
	// holds credentials once filled in
	return initTemplateFile(ctx, defaultConfigYAML, "datefix.yaml", "config file", 0o600)
}

// resolveList merges a comma-separated flag with a list file. Neither set
// keeps the configured fallback.
func resolveList(ctx *cli.Context, flagName, fileFlag string, fallback []string) ([]string, error) {
	if !ctx.IsSet(flagName) && !ctx.IsSet(fileFlag) {
		return fallback, nil
	}
	list, err := common.ParseList(ctx.String(flagName))
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", flagName, err)
	}
	if path := ctx.String(fileFlag); path != "" {
		fromFile, err := common.ReadListFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading --%s: %w", fileFlag, err)
		}
		list = append(list, fromFile...)
	}
	return list, nil
}

func buildTask(ctx *cli.Context) (*remediation.RemediationTask, error) {
	task := remediation.NewRemediationTask()
	if dbname := ctx.String("dbname"); dbname != "" {
		task.Connection.DBName = dbname
	}
	if schema := ctx.String("schema"); schema != "" {
		task.Schema = schema
	}

	var err error
	if task.Tables, err = resolveList(ctx, "tables", "table-file", task.Tables); err != nil {
		return nil, err
	}
	if task.SkipTables, err = resolveList(ctx, "skip-tables", "skip-file", task.SkipTables); err != nil {
		return nil, err
	}

	if ctx.IsSet("batch-size") {
		task.BatchSize = ctx.Int("batch-size")
	}
	if ctx.IsSet("concurrency-factor") {
		task.ConcurrencyFactor = ctx.Float64("concurrency-factor")
	}
	if ctx.IsSet("skip-triggers") {
		task.SkipTriggers = ctx.Bool("skip-triggers")
	}
	task.DryRun = ctx.Bool("dry-run")
	task.GenerateReport = ctx.Bool("generate-report")
	if dir := ctx.String("report-dir"); dir != "" {
		task.ReportDir = dir
	}
	task.QuietMode = ctx.Bool("quiet")
	task.Ctx = ctx.Context
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}
	return task, nil
}

func runAndSummarise(ctx *cli.Context, task *remediation.RemediationTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	report, err := task.Run(true)
	if err != nil {
		return err
	}
	fmt.Fprint(ctx.App.Writer, remediation.Summary(report))
	return reportErr(report)
}

func reportErr(report *types.RunReport) error {
	if report.Error != "" {
		return fmt.Errorf("run %s did not complete: %s", report.RunID, report.Error)
	}
	if report.HasFailures() {
		return fmt.Errorf("run %s finished with %d failed units", report.RunID, len(report.FailedUnits()))
	}
	return nil
}

func RemediateCLI(ctx *cli.Context) error {
	if ctx.Args().Len() > 0 {
		return fmt.Errorf("unexpected arguments for remediate: %v", ctx.Args().Slice())
	}
	task, err := buildTask(ctx)
	if err != nil {
		return err
	}

	if !ctx.Bool("schedule") {
		return runAndSummarise(ctx, task)
	}

	if err := task.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	freq, err := scheduler.ParseFrequency(ctx.String("every"))
	if err != nil {
		return err
	}
	job := scheduler.RemediationJob("remediate:"+task.Connection.DBName, task, scheduler.Job{
		Frequency:  freq,
		RunOnStart: true,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return scheduler.RunSingleJob(runCtx, job)
}

func TriggersSyncCLI(ctx *cli.Context) error {
	task, err := buildTask(ctx)
	if err != nil {
		return err
	}
	task.TriggersOnly = true
	task.SkipTriggers = false
	return runAndSummarise(ctx, task)
}

func TriggersTeardownCLI(ctx *cli.Context) error {
	task, err := buildTask(ctx)
	if err != nil {
		return err
	}
	task.Teardown = true
	return runAndSummarise(ctx, task)
}

func openTaskStore(ctx *cli.Context) (*taskstore.Store, error) {
	path := ctx.String("task-store")
	if path == "" {
		path = config.Get().TaskStore.Path
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("task store %s: %w", path, err)
	}
	return taskstore.New(path)
}

func TaskStatusCLI(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("task status needs exactly one <task-id>")
	}
	store, err := openTaskStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(ctx.Args().First())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	fmt.Fprintln(ctx.App.Writer, string(out))
	return nil
}

func TaskListCLI(ctx *cli.Context) error {
	store, err := openTaskStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx.Int("limit"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tTYPE\tSTATUS\tDATABASE\tSTARTED\tSECONDS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			r.TaskID, r.TaskType, r.Status, r.DatabaseName, r.StartedAt.Format(time.RFC3339), r.TimeTaken)
	}
	return w.Flush()
}

func StartSchedulerCLI(ctx *cli.Context) error {
	if config.Cfg == nil {
		return fmt.Errorf("configuration not loaded; run inside a directory with datefix.yaml or set DATEFIX_CONFIG")
	}

	jobs, err := scheduler.BuildJobsFromConfig(config.Cfg)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		logger.Info("scheduler: no enabled jobs found in configuration")
		return nil
	}
	for _, job := range jobs {
		logger.Info("scheduler: registering job %s", job.Name)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.RunJobs(runCtx, jobs); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
