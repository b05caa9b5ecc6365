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

package types

import (
	"fmt"
	"time"
)

const (
	SemanticDate      = "date"
	SemanticDatetime  = "datetime"
	SemanticTimestamp = "timestamp"
)

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

type Stage string

const (
	StageDiscover            Stage = "DISCOVER"
	StagePlan                Stage = "PLAN"
	StageApply               Stage = "APPLY"
	StageSynchronizeTriggers Stage = "SYNCHRONIZE_TRIGGERS"
	StageDone                Stage = "DONE"
)

const (
	StatusPlanned   = "PLANNED"
	StatusApplied   = "APPLIED"
	StatusInstalled = "INSTALLED"
	StatusSkipped   = "SKIPPED"
	StatusFailed    = "FAILED"
	StatusClean     = "CLEAN"
)

type Task struct {
	TaskID      string
	TaskType    string
	TaskStatus  string
	TaskContext string
	StartedAt   time.Time
	FinishedAt  time.Time
	TimeTaken   float64
}

// TemporalColumn is a date, datetime or timestamp column found in the
// catalog. Position preserves catalog order within the table.
type TemporalColumn struct {
	Table    string `json:"table"`
	Column   string `json:"column"`
	DataType string `json:"data_type"`
	Semantic string `json:"semantic"`
	Position int    `json:"position"`
}

type TableColumns struct {
	Table    string           `json:"table"`
	PKColumn string           `json:"pk_column,omitempty"`
	Columns  []TemporalColumn `json:"columns"`
}

func (t TableColumns) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Column)
	}
	return names
}

type PendingCorrection struct {
	ID         string  `json:"id"`
	GroupID    string  `json:"group_id"`
	Table      string  `json:"table"`
	PKColumn   string  `json:"pk_column"`
	PKValue    any     `json:"pk_value"`
	Column     string  `json:"column"`
	ColumnType string  `json:"column_type"`
	OldValue   *string `json:"old_value"`
	NewValue   string  `json:"new_value"`
	Rule       string  `json:"rule"`
}

// PKKey renders the primary key value for grouping and logging.
func (c PendingCorrection) PKKey() string {
	return fmt.Sprint(c.PKValue)
}

type Batch struct {
	ID          string              `json:"id"`
	GroupID     string              `json:"group_id"`
	Table       string              `json:"table"`
	PKColumn    string              `json:"pk_column"`
	Column      string              `json:"column"`
	ColumnType  string              `json:"column_type"`
	Corrections []PendingCorrection `json:"corrections"`
}

func (b Batch) FirstID() string {
	if len(b.Corrections) == 0 {
		return ""
	}
	return b.Corrections[0].ID
}

func (b Batch) LastID() string {
	if len(b.Corrections) == 0 {
		return ""
	}
	return b.Corrections[len(b.Corrections)-1].ID
}

// BatchGroup covers a disjoint chunk of primary keys of one table.
type BatchGroup struct {
	ID      string  `json:"id"`
	Table   string  `json:"table"`
	Rows    int     `json:"rows"`
	Batches []Batch `json:"batches"`
}

type TriggerSpec struct {
	Table   string   `json:"table"`
	Event   string   `json:"event"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Body    string   `json:"body"`
}

type TableOutcome struct {
	Table     string   `json:"table"`
	PKColumn  string   `json:"pk_column,omitempty"`
	Columns   []string `json:"columns"`
	Planned   int      `json:"planned"`
	Status    string   `json:"status"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type BatchOutcome struct {
	BatchID           string  `json:"batch_id"`
	GroupID           string  `json:"group_id"`
	Table             string  `json:"table"`
	Column            string  `json:"column"`
	Rows              int     `json:"rows"`
	RowsAffected      int64   `json:"rows_affected"`
	FirstCorrectionID string  `json:"first_correction_id"`
	LastCorrectionID  string  `json:"last_correction_id"`
	Status            string  `json:"status"`
	ErrorKind         string  `json:"error_kind,omitempty"`
	Error             string  `json:"error,omitempty"`
	TimeTaken         float64 `json:"time_taken"`
}

type TriggerOutcome struct {
	Table     string   `json:"table"`
	Names     []string `json:"names"`
	Status    string   `json:"status"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type StageTiming struct {
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type RunTotals struct {
	TablesDiscovered   int `json:"tables_discovered"`
	TablesSkipped      int `json:"tables_skipped"`
	TablesFailed       int `json:"tables_failed"`
	CorrectionsPlanned int `json:"corrections_planned"`
	CorrectionsApplied int `json:"corrections_applied"`
	CorrectionsFailed  int `json:"corrections_failed"`
	BatchesApplied     int `json:"batches_applied"`
	BatchesFailed      int `json:"batches_failed"`
	TriggersInstalled  int `json:"triggers_installed"`
	TriggersFailed     int `json:"triggers_failed"`
}

type RunReport struct {
	RunID          string           `json:"run_id"`
	Mode           string           `json:"mode"`
	Driver         string           `json:"driver"`
	Database       string           `json:"database"`
	Schema         string           `json:"schema"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	RunTimeSeconds float64          `json:"run_time_seconds"`
	Stage          Stage            `json:"stage"`
	Stages         []StageTiming    `json:"stages"`
	Error          string           `json:"error,omitempty"`
	Tables         []TableOutcome   `json:"tables"`
	Batches        []BatchOutcome   `json:"batches"`
	Triggers       []TriggerOutcome `json:"triggers"`
	Totals         RunTotals        `json:"totals"`
}

// FailedUnits lists every table, batch and trigger unit that did not succeed.
func (r *RunReport) FailedUnits() []string {
	if r == nil {
		return nil
	}
	var failed []string
	for _, t := range r.Tables {
		if t.Status == StatusFailed || t.Status == StatusSkipped {
			failed = append(failed, fmt.Sprintf("table %s: %s", t.Table, t.ErrorKind))
		}
	}
	for _, b := range r.Batches {
		if b.Status == StatusFailed {
			failed = append(failed, fmt.Sprintf("batch %s (%s.%s): %s", b.BatchID, b.Table, b.Column, b.ErrorKind))
		}
	}
	for _, t := range r.Triggers {
		if t.Status == StatusFailed {
			failed = append(failed, fmt.Sprintf("triggers %s: %s", t.Table, t.ErrorKind))
		}
	}
	return failed
}

func (r *RunReport) HasFailures() bool {
	return r != nil && (r.Totals.TablesFailed > 0 || r.Totals.BatchesFailed > 0 || r.Totals.TriggersFailed > 0)
}
