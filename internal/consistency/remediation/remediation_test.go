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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pgedge/datefix/internal/consistency/remediation/audit"
	"github.com/pgedge/datefix/internal/consistency/remediation/rules"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSchema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	name TEXT,
	birth_date DATE,
	created_at DATETIME,
	updated_at DATETIME,
	ends_at TIMESTAMP
);
CREATE TABLE events (
	label TEXT,
	happened_at DATETIME
);
CREATE TABLE notes (
	id INTEGER PRIMARY KEY,
	body TEXT
);`

func openFixture(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	conn, _, err := db.Open(context.Background(), db.Params{Driver: db.SQLite, DBName: path})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(fixtureSchema)
	require.NoError(t, err)
	return path, conn
}

func newTestTask(t *testing.T, path string) (*RemediationTask, *audit.MemorySink) {
	t.Helper()
	mem := audit.NewMemory()
	return &RemediationTask{
		Connection:        db.Params{Driver: db.SQLite, DBName: path},
		BatchSize:         2,
		ConcurrencyFactor: 1,
		QuietMode:         true,
		SkipDBUpdate:      true,
		AuditSink:         mem,
		ReportDir:         filepath.Join(t.TempDir(), "reports"),
		Ctx:               context.Background(),
	}, mem
}

func mustExec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := conn.Exec(query, args...)
	require.NoError(t, err, query)
}

func textValue(t *testing.T, conn *sql.DB, table, column, where string) *string {
	t.Helper()
	var v sql.NullString
	query := fmt.Sprintf(`SELECT CAST(%q AS TEXT) FROM %q WHERE %s`, column, table, where)
	require.NoError(t, conn.QueryRow(query).Scan(&v))
	if !v.Valid {
		return nil
	}
	return &v.String
}

func strPtr(s string) *string { return &s }

func tableOutcome(r *types.RunReport, table string) *types.TableOutcome {
	for i := range r.Tables {
		if r.Tables[i].Table == table {
			return &r.Tables[i]
		}
	}
	return nil
}

func TestRemediateBirthDate(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO users (id, birth_date, created_at, updated_at, ends_at)
		VALUES (42, NULL, '2020-05-01 10:00:00', '2021-01-01 00:00:00', '2030-01-01 00:00:00')`)

	task, mem := newTestTask(t, path)
	report, err := task.Run(false)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, types.StageDone, report.Stage)
	assert.Empty(t, report.Error)
	assert.Equal(t, 1, report.Totals.CorrectionsPlanned)
	assert.Equal(t, 1, report.Totals.CorrectionsApplied)
	assert.Equal(t, "1971-01-01", *textValue(t, conn, "users", "birth_date", "id = 42"))

	var planned, applied []audit.Entry
	for _, e := range mem.Entries() {
		switch e.Outcome {
		case audit.OutcomePlanned:
			planned = append(planned, e)
		case audit.OutcomeApplied:
			applied = append(applied, e)
		}
	}
	require.Len(t, planned, 1)
	require.Len(t, applied, 1)
	e := applied[0]
	assert.Equal(t, report.RunID, e.RunID)
	assert.Equal(t, "users", e.Table)
	assert.Equal(t, "42", e.PKValue)
	assert.Equal(t, "birth_date", e.Column)
	assert.Nil(t, e.OldValue)
	assert.Equal(t, "1971-01-01", e.NewValue)
	assert.Equal(t, rules.RuleBirthDate, e.Rule)
	assert.Equal(t, planned[0].CorrectionID, e.CorrectionID)

	users := tableOutcome(report, "users")
	require.NotNil(t, users)
	assert.Equal(t, types.StatusApplied, users.Status)
	assert.Equal(t, "id", users.PKColumn)
}

func TestRemediateDerivedAndFixedValues(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO users (id, birth_date, created_at, updated_at, ends_at) VALUES
		(1, '1990-02-03', '2020-05-01 10:00:00', '0000-00-00 00:00:00', NULL),
		(2, '0000-00-00', NULL, NULL, '0000-00-00 00:00:00'),
		(3, '1980-01-01', '2019-01-01 00:00:00', '2019-06-01 00:00:00', '2040-01-01 00:00:00')`)

	task, _ := newTestTask(t, path)
	task.SkipTriggers = true
	report, err := task.Run(false)
	require.NoError(t, err)
	assert.False(t, report.HasFailures())

	cases := []struct {
		where, column string
		want          string
	}{
		{"id = 1", "updated_at", "2020-05-01 10:00:00"},
		{"id = 1", "ends_at", rules.FarFuture},
		{"id = 1", "birth_date", "1990-02-03"},
		{"id = 2", "birth_date", rules.EpochDate},
		{"id = 2", "created_at", rules.Epoch},
		// the source was itself invalid when the row was planned
		{"id = 2", "updated_at", rules.Epoch},
		{"id = 2", "ends_at", rules.FarFuture},
		{"id = 3", "updated_at", "2019-06-01 00:00:00"},
	}
	for _, tc := range cases {
		got := textValue(t, conn, "users", tc.column, tc.where)
		require.NotNil(t, got, "%s %s", tc.where, tc.column)
		assert.Equal(t, tc.want, *got, "%s %s", tc.where, tc.column)
	}
	// 6 corrections across 2 rows, one batch group with a batch per column.
	assert.Equal(t, 6, report.Totals.CorrectionsApplied)
	assert.Equal(t, 4, report.Totals.BatchesApplied)
	assert.Empty(t, report.Triggers)
}

func TestRemediateIsIdempotent(t *testing.T) {
	path, conn := openFixture(t)
	for i := 1; i <= 5; i++ {
		mustExec(t, conn, `INSERT INTO users (id, birth_date, created_at) VALUES (?, NULL, '0000-00-00 00:00:00')`, i)
	}

	first, _ := newTestTask(t, path)
	report, err := first.Run(false)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Totals.CorrectionsApplied)
	// 3 groups of at most 2 rows, each with one batch per column
	assert.Equal(t, 12, report.Totals.BatchesApplied)

	second, mem := newTestTask(t, path)
	report, err = second.Run(false)
	require.NoError(t, err)
	assert.Zero(t, report.Totals.CorrectionsPlanned)
	assert.Zero(t, report.Totals.CorrectionsApplied)
	assert.Empty(t, report.Batches)
	assert.Empty(t, mem.Entries())
	assert.Equal(t, types.StatusClean, tableOutcome(report, "users").Status)
}

func TestTableWithoutPrimaryKey(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO events (label, happened_at) VALUES ('old', NULL)`)

	task, _ := newTestTask(t, path)
	report, err := task.Run(false)
	require.NoError(t, err)

	events := tableOutcome(report, "events")
	require.NotNil(t, events)
	assert.Equal(t, types.StatusSkipped, events.Status)
	assert.Equal(t, "MissingPrimaryKeyError", events.ErrorKind)
	assert.Nil(t, textValue(t, conn, "events", "happened_at", "label = 'old'"))
	assert.Contains(t, report.FailedUnits(), "table events: MissingPrimaryKeyError")
	assert.False(t, report.HasFailures())

	var installed bool
	for _, tr := range report.Triggers {
		if tr.Table == "events" {
			installed = tr.Status == types.StatusInstalled
		}
	}
	assert.True(t, installed, "triggers should still be installed on events")

	mustExec(t, conn, `INSERT INTO events (label, happened_at) VALUES ('new', NULL)`)
	assert.Equal(t, rules.Epoch, *textValue(t, conn, "events", "happened_at", "label = 'new'"))
}

func TestTablesWithoutTemporalColumnsAreIgnored(t *testing.T) {
	path, _ := openFixture(t)
	task, _ := newTestTask(t, path)
	report, err := task.Run(false)
	require.NoError(t, err)
	assert.Nil(t, tableOutcome(report, "notes"))
	assert.Equal(t, 2, report.Totals.TablesDiscovered)
}

func TestTriggersMatchBatchCorrections(t *testing.T) {
	path, conn := openFixture(t)
	task, _ := newTestTask(t, path)
	report, err := task.Run(false)
	require.NoError(t, err)
	require.Equal(t, 2, report.Totals.TriggersInstalled)

	engine := rules.Default()
	cols := []types.TemporalColumn{
		{Table: "users", Column: "birth_date", DataType: "date", Semantic: types.SemanticDate},
		{Table: "users", Column: "created_at", DataType: "datetime", Semantic: types.SemanticDatetime},
		{Table: "users", Column: "updated_at", DataType: "datetime", Semantic: types.SemanticDatetime},
		{Table: "users", Column: "ends_at", DataType: "timestamp", Semantic: types.SemanticTimestamp},
	}
	variants := []*string{nil, strPtr("0000-00-00 00:00:00"), strPtr("2001-02-03 04:05:06")}

	id := 100
	for _, birth := range []*string{nil, strPtr("0000-00-00"), strPtr("1999-09-09")} {
		for _, created := range variants {
			for _, updated := range variants {
				for _, ends := range variants {
					id++
					row := rules.Row{"birth_date": birth, "created_at": created, "updated_at": updated, "ends_at": ends}
					mustExec(t, conn, `INSERT INTO users (id, birth_date, created_at, updated_at, ends_at) VALUES (?, ?, ?, ?, ?)`,
						id, birth, created, updated, ends)

					for _, c := range cols {
						want := row[c.Column]
						if rules.IsInvalid(want) {
							v, _ := engine.Correct(c, row)
							want = &v
						}
						got := textValue(t, conn, "users", c.Column, fmt.Sprintf("id = %d", id))
						require.NotNil(t, got, "id %d %s", id, c.Column)
						assert.Equal(t, *want, *got, "id %d %s", id, c.Column)
					}
				}
			}
		}
	}

	mustExec(t, conn, `UPDATE users SET updated_at = NULL, ends_at = '0000-00-00 00:00:00' WHERE id = 101`)
	created := textValue(t, conn, "users", "created_at", "id = 101")
	assert.Equal(t, *created, *textValue(t, conn, "users", "updated_at", "id = 101"))
	assert.Equal(t, rules.FarFuture, *textValue(t, conn, "users", "ends_at", "id = 101"))
}

func TestDryRunLeavesDataUntouched(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO users (id, birth_date) VALUES (7, NULL)`)

	task, mem := newTestTask(t, path)
	task.DryRun = true
	task.GenerateReport = true
	report, err := task.Run(false)
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, report.Mode)
	assert.Equal(t, types.StageDone, report.Stage)
	assert.Equal(t, 4, report.Totals.CorrectionsPlanned)
	assert.Zero(t, report.Totals.CorrectionsApplied)
	assert.Empty(t, report.Triggers)
	assert.Nil(t, textValue(t, conn, "users", "birth_date", "id = 7"))
	assert.Len(t, mem.Entries(), 4)
	assert.Equal(t, types.StatusPlanned, tableOutcome(report, "users").Status)

	require.NotEmpty(t, task.ReportPath())
	assert.True(t, strings.HasPrefix(filepath.Base(task.ReportPath()), "dry_run_report_"))
}

func TestTriggersOnlyAndTeardown(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO users (id, birth_date) VALUES (1, NULL)`)

	countTriggers := func() int {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'trigger'`).Scan(&n))
		return n
	}

	syncTask, _ := newTestTask(t, path)
	syncTask.TriggersOnly = true
	report, err := syncTask.Run(false)
	require.NoError(t, err)
	assert.Equal(t, ModeTriggersOnly, report.Mode)
	assert.Nil(t, textValue(t, conn, "users", "birth_date", "id = 1"))
	assert.Equal(t, 4, countTriggers())

	// installing twice replaces rather than duplicates
	again, _ := newTestTask(t, path)
	again.TriggersOnly = true
	_, err = again.Run(false)
	require.NoError(t, err)
	assert.Equal(t, 4, countTriggers())

	down, _ := newTestTask(t, path)
	down.Teardown = true
	report, err = down.Run(false)
	require.NoError(t, err)
	assert.Equal(t, ModeTeardown, report.Mode)
	assert.Zero(t, countTriggers())
	for _, tr := range report.Triggers {
		assert.Equal(t, types.StatusClean, tr.Status)
	}
}

func TestIncludeAndSkipTables(t *testing.T) {
	path, conn := openFixture(t)
	mustExec(t, conn, `INSERT INTO users (id, birth_date) VALUES (1, NULL)`)

	task, _ := newTestTask(t, path)
	task.SkipTables = []string{"users"}
	report, err := task.Run(false)
	require.NoError(t, err)
	assert.Nil(t, tableOutcome(report, "users"))
	assert.Nil(t, textValue(t, conn, "users", "birth_date", "id = 1"))
}

func TestConnectionFailureStillReportsDone(t *testing.T) {
	task, _ := newTestTask(t, filepath.Join(t.TempDir(), "missing", "nested", "x.db"))
	task.GenerateReport = true
	report, err := task.Run(false)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, types.StageDone, report.Stage)
	assert.Contains(t, report.Error, ErrConnection.Error())
	assert.NotEmpty(t, task.ReportPath())
	assert.Equal(t, "FAILED", task.TaskStatus)
}

func TestTaskStoreRecordsRun(t *testing.T) {
	path, _ := openFixture(t)
	task, _ := newTestTask(t, path)
	task.SkipDBUpdate = false
	task.TaskStorePath = filepath.Join(t.TempDir(), "tasks.db")
	report, err := task.Run(false)
	require.NoError(t, err)

	assert.Equal(t, report.RunID, task.TaskID)
	assert.Equal(t, "COMPLETED", task.TaskStatus)
	_, statErr := os.Stat(task.TaskStorePath)
	assert.NoError(t, statErr)
}

func TestValidate(t *testing.T) {
	base := func() *RemediationTask {
		return &RemediationTask{
			Connection:        db.Params{Driver: "sqlite", DBName: "x.db"},
			BatchSize:         10,
			ConcurrencyFactor: 1,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*RemediationTask)
		wantErr string
	}{
		{"ok", func(*RemediationTask) {}, ""},
		{"bad driver", func(t *RemediationTask) { t.Connection.Driver = "oracle" }, "unsupported"},
		{"zero batch", func(t *RemediationTask) { t.BatchSize = 0 }, "batch size"},
		{"factor too high", func(t *RemediationTask) { t.ConcurrencyFactor = 5 }, "concurrency factor"},
		{"dry run triggers only", func(t *RemediationTask) { t.DryRun, t.TriggersOnly = true, true }, "mutually exclusive"},
		{"teardown dry run", func(t *RemediationTask) { t.Teardown, t.DryRun = true, true }, "teardown"},
		{"bad rule", func(t *RemediationTask) {
			t.Rules = []rules.Rule{{Name: "x", Value: "not a date"}}
		}, "invalid rules"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := base()
			tc.mutate(task)
			err := task.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "main", task.Schema)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateMySQLCeiling(t *testing.T) {
	task := &RemediationTask{
		Connection:        db.Params{Driver: "mysql", DBName: "app"},
		BatchSize:         10,
		ConcurrencyFactor: 1,
	}
	require.NoError(t, task.Validate())
	d := task.engine.Resolve(types.TemporalColumn{Column: "ends_at", Semantic: types.SemanticTimestamp})
	assert.Equal(t, rules.MySQLTSCeiling, d.Value)

	task.TimestampCeiling = "none"
	require.NoError(t, task.Validate())
	d = task.engine.Resolve(types.TemporalColumn{Column: "ends_at", Semantic: types.SemanticTimestamp})
	assert.Equal(t, rules.FarFuture, d.Value)
}

func TestPartition(t *testing.T) {
	var corrections []types.PendingCorrection
	for pk := 1; pk <= 5; pk++ {
		for _, col := range []string{"a", "b"} {
			if pk == 3 && col == "b" {
				continue
			}
			corrections = append(corrections, types.PendingCorrection{
				ID: fmt.Sprintf("%d-%s", pk, col), Table: "t", PKColumn: "id", PKValue: int64(pk), Column: col,
			})
		}
	}
	corrections = append(corrections, types.PendingCorrection{ID: "o", Table: "other", PKColumn: "id", PKValue: "k", Column: "a"})

	groups := Partition(corrections, 2)
	require.Len(t, groups, 4)

	seen := map[string]string{}
	total := 0
	for _, g := range groups {
		assert.LessOrEqual(t, g.Rows, 2)
		for _, b := range g.Batches {
			assert.Equal(t, g.ID, b.GroupID)
			assert.Equal(t, g.Table, b.Table)
			for _, c := range b.Corrections {
				assert.Equal(t, b.Column, c.Column)
				key := c.Table + "/" + c.PKKey()
				if owner, ok := seen[key]; ok {
					assert.Equal(t, g.ID, owner, "pk %s appears in two groups", key)
				}
				seen[key] = g.ID
				total++
			}
		}
	}
	assert.Equal(t, len(corrections), total)
	// the group holding pk 3 and 4 still gets a batch for column b
	assert.Len(t, groups[1].Batches, 2)
	assert.Len(t, groups[1].Batches[1].Corrections, 1)
}

func TestBuildBatchSQL(t *testing.T) {
	b := types.Batch{
		Table: "users", PKColumn: "id", Column: "ends_at", ColumnType: "timestamp",
		Corrections: []types.PendingCorrection{
			{PKValue: int64(1), NewValue: rules.FarFuture},
			{PKValue: int64(2), NewValue: rules.FarFuture},
		},
	}

	tests := []struct {
		driver   string
		schema   string
		want     string
		wantArgs int
	}{
		{
			db.Postgres, "public",
			`UPDATE "public"."users" SET "ends_at" = CASE "id" WHEN $1 THEN $2::timestamp WHEN $3 THEN $4::timestamp END ` +
				`WHERE "id" IN ($1, $3) AND ("ends_at" IS NULL OR "ends_at"::text LIKE '0000-00-00%')`,
			4,
		},
		{
			db.MySQL, "app",
			"UPDATE `app`.`users` SET `ends_at` = CASE `id` WHEN ? THEN ? WHEN ? THEN ? END " +
				"WHERE `id` IN (?, ?) AND (`ends_at` IS NULL OR CAST(`ends_at` AS CHAR) LIKE '0000-00-00%')",
			6,
		},
		{
			db.SQLite, "main",
			`UPDATE "users" SET "ends_at" = CASE "id" WHEN ? THEN ? WHEN ? THEN ? END ` +
				`WHERE "id" IN (?, ?) AND ("ends_at" IS NULL OR CAST("ends_at" AS TEXT) LIKE '0000-00-00%')`,
			6,
		},
	}
	for _, tc := range tests {
		t.Run(tc.driver, func(t *testing.T) {
			d, err := db.DialectFor(tc.driver)
			require.NoError(t, err)
			query, args := buildBatchSQL(d, tc.schema, b)
			assert.Equal(t, tc.want, query)
			assert.Len(t, args, tc.wantArgs)
			assert.Equal(t, int64(1), args[0])
			assert.Equal(t, rules.FarFuture, args[1])
		})
	}
}

func TestBuildPlanSQL(t *testing.T) {
	d, err := db.DialectFor(db.Postgres)
	require.NoError(t, err)
	tc := types.TableColumns{
		Table:    "users",
		PKColumn: "id",
		Columns: []types.TemporalColumn{
			{Column: "birth_date"},
			{Column: "ends_at"},
		},
	}
	assert.Equal(t,
		`SELECT "id", "birth_date"::text, "ends_at"::text FROM "public"."users" `+
			`WHERE ("birth_date" IS NULL OR "birth_date"::text LIKE '0000-00-00%') `+
			`OR ("ends_at" IS NULL OR "ends_at"::text LIKE '0000-00-00%') ORDER BY "id"`,
		buildPlanSQL(d, "public", tc))
}

func TestTableDecisionsDropMissingSource(t *testing.T) {
	tc := types.TableColumns{
		Table: "accounts",
		Columns: []types.TemporalColumn{
			{Column: "updated_at", Semantic: types.SemanticDatetime},
		},
	}
	decisions := tableDecisions(rules.Default(), tc)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Derived())
	assert.Equal(t, rules.Epoch, decisions[0].Value)

	tc.Columns = append(tc.Columns, types.TemporalColumn{Column: "Created_At", Semantic: types.SemanticDatetime})
	decisions = tableDecisions(rules.Default(), tc)
	assert.Equal(t, "Created_At", decisions[0].Source)
}

func TestTriggerNamesAndSpecs(t *testing.T) {
	d, err := db.DialectFor(db.Postgres)
	require.NoError(t, err)
	s, err := NewTriggerSynchronizer(d, "public", rules.Default())
	require.NoError(t, err)

	assert.Equal(t, "users_insert_date_check", TriggerName(d, "users", types.EventInsert))
	assert.Equal(t, "users_update_date_check", TriggerName(d, "users", types.EventUpdate))
	assert.Equal(t, "users_date_check_fn", TriggerFunctionName(d, "users"))

	long := strings.Repeat("t", 80)
	assert.LessOrEqual(t, len(TriggerName(d, long, types.EventInsert)), 63)

	specs, err := s.Specs(types.TableColumns{
		Table:    "users",
		PKColumn: "id",
		Columns: []types.TemporalColumn{
			{Column: "created_at", Semantic: types.SemanticDatetime},
			{Column: "updated_at", Semantic: types.SemanticDatetime},
		},
	})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	body := specs[0].Body
	assert.Contains(t, body, "CREATE OR REPLACE FUNCTION")
	assert.Contains(t, body, `CASE WHEN (NEW."created_at" IS NULL`)
	// derived assignment precedes the fixed one
	assert.Less(t, strings.Index(body, `NEW."updated_at" :=`), strings.Index(body, `NEW."created_at" :=`))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{wrap(ErrConnection, "open", io.EOF), "ConnectionError"},
		{wrap(ErrSchemaDiscovery, "list", io.EOF), "SchemaDiscoveryError"},
		{wrap(ErrMissingPrimaryKey, "table %s", nil, "t"), "MissingPrimaryKeyError"},
		{wrap(ErrInvalidIdentifier, "x", nil), "InvalidIdentifierError"},
		{wrap(ErrPlanQuery, "x", io.EOF), "PlanQueryError"},
		{wrap(ErrBatchApply, "x", io.EOF), "BatchApplyError"},
		{wrap(ErrTriggerInstall, "x", io.EOF), "TriggerInstallError"},
		{errors.New("other"), "UnknownError"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ErrorKind(tc.err))
	}

	err := wrap(ErrBatchApply, "batch %s", io.ErrUnexpectedEOF, "b1")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "batch b1")
}

func TestWriteReportToFile(t *testing.T) {
	dir := t.TempDir()
	report := &types.RunReport{RunID: "run-1", Mode: ModeApply, Stage: types.StageDone}
	path, err := writeReportToFile(report, dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "remediation_report_"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded types.RunReport
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
}

func TestSummaryListsFailedUnits(t *testing.T) {
	r := &types.RunReport{
		RunID: "r",
		Mode:  ModeApply,
		Batches: []types.BatchOutcome{
			{BatchID: "b1", Table: "users", Column: "ends_at", Status: types.StatusFailed, ErrorKind: "BatchApplyError", Rows: 3},
			{BatchID: "b2", Table: "users", Column: "ends_at", Status: types.StatusApplied, Rows: 2, RowsAffected: 2},
		},
	}
	finaliseReport(r, map[string]*types.TableOutcome{})
	assert.Equal(t, 2, r.Totals.CorrectionsApplied)
	assert.Equal(t, 3, r.Totals.CorrectionsFailed)
	assert.True(t, r.HasFailures())

	out := Summary(r)
	assert.Contains(t, out, "batch b1 (users.ends_at): BatchApplyError")
	assert.Contains(t, out, "2 applied, 3 failed")
}

func insertUnbornUsers(t *testing.T, conn *sql.DB, ids ...int) {
	t.Helper()
	for _, id := range ids {
		mustExec(t, conn, `INSERT INTO users (id, birth_date, created_at, updated_at, ends_at)
			VALUES (?, NULL, '2020-05-01 10:00:00', '2021-01-01 00:00:00', '2030-01-01 00:00:00')`, id)
	}
}

func countOutcomes(entries []audit.Entry, outcome string) map[string]int {
	byPK := make(map[string]int)
	for _, e := range entries {
		if e.Outcome == outcome {
			byPK[e.PKValue]++
		}
	}
	return byPK
}

func TestFailedBatchRollsBackAlone(t *testing.T) {
	path, conn := openFixture(t)
	insertUnbornUsers(t, conn, 1, 2, 3, 4, 5)
	mustExec(t, conn, `CREATE TRIGGER reject_three BEFORE UPDATE OF birth_date ON users
		WHEN NEW.id = 3 BEGIN SELECT RAISE(ABORT, 'rejected'); END`)

	task, mem := newTestTask(t, path)
	report, err := task.Run(false)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, types.StageDone, report.Stage)
	assert.Empty(t, report.Error)
	for _, id := range []int{1, 2, 5} {
		v := textValue(t, conn, "users", "birth_date", fmt.Sprintf("id = %d", id))
		require.NotNil(t, v, "id %d", id)
		assert.Equal(t, "1971-01-01", *v)
	}
	// the failing batch also held id 4, which must not be half-applied
	assert.Nil(t, textValue(t, conn, "users", "birth_date", "id = 3"))
	assert.Nil(t, textValue(t, conn, "users", "birth_date", "id = 4"))

	assert.Equal(t, 2, report.Totals.BatchesApplied)
	assert.Equal(t, 1, report.Totals.BatchesFailed)
	assert.Equal(t, 3, report.Totals.CorrectionsApplied)
	assert.Equal(t, 2, report.Totals.CorrectionsFailed)
	assert.True(t, report.HasFailures())

	var failed []types.BatchOutcome
	for _, b := range report.Batches {
		if b.Status == types.StatusFailed {
			failed = append(failed, b)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "BatchApplyError", failed[0].ErrorKind)
	assert.Equal(t, 2, failed[0].Rows)
	assert.Contains(t, failed[0].Error, "rejected")

	entries := mem.Entries()
	assert.Equal(t, map[string]int{"3": 1, "4": 1}, countOutcomes(entries, audit.OutcomeFailed))
	assert.Equal(t, map[string]int{"1": 1, "2": 1, "5": 1}, countOutcomes(entries, audit.OutcomeApplied))
	for _, e := range entries {
		if e.Outcome == audit.OutcomeFailed {
			assert.NotEmpty(t, e.Error)
		}
	}

	users := tableOutcome(report, "users")
	require.NotNil(t, users)
	assert.Equal(t, types.StatusFailed, users.Status)
	assert.Equal(t, "BatchApplyError", users.ErrorKind)

	// a failed batch does not hold back trigger installation
	for _, tr := range report.Triggers {
		assert.Equal(t, types.StatusInstalled, tr.Status, tr.Table)
	}
}

func TestPlanAndTriggerFailuresStayWithTheirTable(t *testing.T) {
	path, conn := openFixture(t)
	insertUnbornUsers(t, conn, 1)
	mustExec(t, conn, `CREATE TABLE archive (id INTEGER PRIMARY KEY, closed_at DATETIME)`)
	mustExec(t, conn, `INSERT INTO archive (id, closed_at) VALUES (1, NULL)`)

	task, mem := newTestTask(t, path)
	require.NoError(t, task.Validate())
	pool, dialect, err := task.connect()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	runCtx := audit.NewRunContext(mem)
	t.Cleanup(func() { runCtx.Close() })
	task.report = task.initialiseReport(runCtx.RunID, time.Now())

	found, err := NewInspector(pool, dialect, task.Schema).Discover(task.Ctx, nil, nil)
	require.NoError(t, err)
	require.Contains(t, found.Outcomes, "archive")
	require.Contains(t, found.Outcomes, "users")

	// gone between discovery and planning
	mustExec(t, conn, `DROP TABLE archive`)

	corrections := task.plan(pool, dialect, runCtx, found, found.Outcomes)
	require.Len(t, corrections, 1)
	assert.Equal(t, "users", corrections[0].Table)

	archive := found.Outcomes["archive"]
	assert.Equal(t, types.StatusFailed, archive.Status)
	assert.Equal(t, "PlanQueryError", archive.ErrorKind)
	assert.Zero(t, archive.Planned)

	task.apply(pool, dialect, runCtx, corrections, found.Outcomes)
	assert.Equal(t, types.StatusApplied, found.Outcomes["users"].Status)
	assert.Equal(t, "1971-01-01", *textValue(t, conn, "users", "birth_date", "id = 1"))

	triggers := task.syncTriggers(pool, dialect, found.Tables, false)
	require.Len(t, triggers, len(found.Tables))
	byTable := make(map[string]types.TriggerOutcome)
	for _, tr := range triggers {
		byTable[tr.Table] = tr
	}
	assert.Equal(t, types.StatusFailed, byTable["archive"].Status)
	assert.Equal(t, "TriggerInstallError", byTable["archive"].ErrorKind)
	assert.Equal(t, types.StatusInstalled, byTable["users"].Status)
	assert.Equal(t, types.StatusInstalled, byTable["events"].Status)

	var installed int
	require.NoError(t, conn.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'users'`).Scan(&installed))
	assert.Equal(t, 2, installed)
}

func TestBatchShortfallIsUnconfirmed(t *testing.T) {
	path, conn := openFixture(t)
	insertUnbornUsers(t, conn, 1, 2)

	task, mem := newTestTask(t, path)
	require.NoError(t, task.Validate())
	pool, dialect, err := task.connect()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	runCtx := audit.NewRunContext(mem)
	t.Cleanup(func() { runCtx.Close() })

	ctx := context.Background()
	found, err := NewInspector(pool, dialect, task.Schema).Discover(ctx, []string{"users"}, nil)
	require.NoError(t, err)
	require.Len(t, found.Tables, 1)

	p := &planner{dialect: dialect, schema: task.Schema, engine: task.engine, run: runCtx}
	planConn, err := pool.Conn(ctx)
	require.NoError(t, err)
	corrections, err := p.planTable(ctx, planConn, found.Tables[0])
	planConn.Close()
	require.NoError(t, err)
	require.Len(t, corrections, 2)

	// fixed by someone else after planning
	mustExec(t, conn, `UPDATE users SET birth_date = '1980-02-02' WHERE id = 2`)

	groups := Partition(corrections, 10)
	require.Len(t, groups, 1)
	a := &applier{dialect: dialect, schema: task.Schema, run: runCtx}
	outcomes := a.applyGroup(ctx, pool, groups[0])
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.StatusApplied, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Rows)
	assert.EqualValues(t, 1, outcomes[0].RowsAffected)

	assert.Equal(t, "1971-01-01", *textValue(t, conn, "users", "birth_date", "id = 1"))
	assert.Equal(t, "1980-02-02", *textValue(t, conn, "users", "birth_date", "id = 2"))

	entries := mem.Entries()
	assert.Empty(t, countOutcomes(entries, audit.OutcomeApplied))
	assert.Equal(t, map[string]int{"1": 1, "2": 1}, countOutcomes(entries, audit.OutcomeUnconfirmed))

	report := &types.RunReport{Batches: outcomes}
	finaliseReport(report, map[string]*types.TableOutcome{})
	assert.Equal(t, 1, report.Totals.CorrectionsApplied)
}
