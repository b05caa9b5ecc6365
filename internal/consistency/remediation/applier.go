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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgedge/datefix/internal/consistency/remediation/audit"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/types"
)

// Partition splits corrections into groups of at most batchSize rows. Rows
// keep the order in which they were planned, so every group of a table
// covers a disjoint set of primary keys. Each group holds one batch per
// column needing correction within its rows.
func Partition(corrections []types.PendingCorrection, batchSize int) []types.BatchGroup {
	if batchSize < 1 {
		batchSize = 1
	}

	type tableRows struct {
		keys   []string
		byKey  map[string][]types.PendingCorrection
		pkName string
	}
	tables := make(map[string]*tableRows)
	var tableOrder []string

	for _, c := range corrections {
		tr, ok := tables[c.Table]
		if !ok {
			tr = &tableRows{byKey: make(map[string][]types.PendingCorrection), pkName: c.PKColumn}
			tables[c.Table] = tr
			tableOrder = append(tableOrder, c.Table)
		}
		key := c.PKKey()
		if _, seen := tr.byKey[key]; !seen {
			tr.keys = append(tr.keys, key)
		}
		tr.byKey[key] = append(tr.byKey[key], c)
	}

	var groups []types.BatchGroup
	for _, table := range tableOrder {
		tr := tables[table]
		for start := 0; start < len(tr.keys); start += batchSize {
			end := min(start+batchSize, len(tr.keys))
			group := types.BatchGroup{ID: uuid.NewString(), Table: table, Rows: end - start}

			byColumn := make(map[string]int)
			for _, key := range tr.keys[start:end] {
				for _, c := range tr.byKey[key] {
					idx, ok := byColumn[c.Column]
					if !ok {
						idx = len(group.Batches)
						byColumn[c.Column] = idx
						group.Batches = append(group.Batches, types.Batch{
							ID:         uuid.NewString(),
							GroupID:    group.ID,
							Table:      table,
							PKColumn:   tr.pkName,
							Column:     c.Column,
							ColumnType: c.ColumnType,
						})
					}
					group.Batches[idx].Corrections = append(group.Batches[idx].Corrections, c)
				}
			}
			groups = append(groups, group)
		}
	}
	return groups
}

// buildBatchSQL renders one conditional bulk update for a single-column
// batch. The trailing invalid check leaves rows that were fixed since
// planning untouched.
func buildBatchSQL(d db.Dialect, schema string, b types.Batch) (string, []any) {
	var sb strings.Builder
	col := d.QuoteIdent(b.Column)
	pk := d.QuoteIdent(b.PKColumn)
	numbered := d.Placeholder(1) != d.Placeholder(2)

	args := make([]any, 0, len(b.Corrections)*3)
	keyParams := make([]string, 0, len(b.Corrections))

	sb.WriteString("UPDATE ")
	sb.WriteString(d.QualifiedTable(schema, b.Table))
	sb.WriteString(" SET ")
	sb.WriteString(col)
	sb.WriteString(" = CASE ")
	sb.WriteString(pk)
	for _, c := range b.Corrections {
		args = append(args, c.PKValue)
		keyParam := d.Placeholder(len(args))
		keyParams = append(keyParams, keyParam)
		args = append(args, c.NewValue)
		sb.WriteString(" WHEN ")
		sb.WriteString(keyParam)
		sb.WriteString(" THEN ")
		sb.WriteString(d.ValueParam(len(args), b.ColumnType))
	}
	sb.WriteString(" END WHERE ")
	sb.WriteString(pk)
	sb.WriteString(" IN (")
	for i, c := range b.Corrections {
		if i > 0 {
			sb.WriteString(", ")
		}
		if numbered {
			sb.WriteString(keyParams[i])
			continue
		}
		args = append(args, c.PKValue)
		sb.WriteString(d.Placeholder(len(args)))
	}
	sb.WriteString(") AND ")
	sb.WriteString(d.InvalidPredicate(col))
	return sb.String(), args
}

type applier struct {
	dialect          db.Dialect
	schema           string
	statementTimeout time.Duration
	run              *audit.RunContext
}

// applyGroup runs the batches of one group in order on a dedicated
// connection. Each batch is its own transaction; a failed batch does not
// stop the ones after it.
func (a *applier) applyGroup(ctx context.Context, pool *sql.DB, group types.BatchGroup) []types.BatchOutcome {
	outcomes := make([]types.BatchOutcome, 0, len(group.Batches))

	conn, err := pool.Conn(ctx)
	if err != nil {
		err = wrap(ErrConnection, "group %s of %s", err, group.ID, group.Table)
		for _, b := range group.Batches {
			outcomes = append(outcomes, a.failed(b, err, 0))
		}
		return outcomes
	}
	defer conn.Close()

	for _, b := range group.Batches {
		start := time.Now()
		affected, err := a.applyBatch(ctx, conn, b)
		if err != nil {
			outcomes = append(outcomes, a.failed(b, err, time.Since(start)))
			continue
		}
		outcome := audit.OutcomeApplied
		if affected < int64(len(b.Corrections)) {
			// the invalid guard skipped rows fixed after planning; which ones is unknown
			logger.Warn("batch %s on %s.%s: updated %d of %d planned rows (corrections %s .. %s)",
				b.ID, b.Table, b.Column, affected, len(b.Corrections), b.FirstID(), b.LastID())
			outcome = audit.OutcomeUnconfirmed
		}
		for _, c := range b.Corrections {
			a.run.Record(audit.FromCorrection(c, outcome))
		}
		outcomes = append(outcomes, types.BatchOutcome{
			BatchID:           b.ID,
			GroupID:           b.GroupID,
			Table:             b.Table,
			Column:            b.Column,
			Rows:              len(b.Corrections),
			RowsAffected:      affected,
			FirstCorrectionID: b.FirstID(),
			LastCorrectionID:  b.LastID(),
			Status:            types.StatusApplied,
			TimeTaken:         time.Since(start).Seconds(),
		})
		logger.Debug("batch %s: updated %d of %d rows in %s.%s", b.ID, affected, len(b.Corrections), b.Table, b.Column)
	}
	return outcomes
}

func (a *applier) applyBatch(ctx context.Context, conn *sql.Conn, b types.Batch) (int64, error) {
	query, args := buildBatchSQL(a.dialect, a.schema, b)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(ErrConnection, "begin batch %s", err, b.ID)
	}

	stmtCtx := ctx
	if a.statementTimeout > 0 {
		var cancel context.CancelFunc
		stmtCtx, cancel = context.WithTimeout(ctx, a.statementTimeout)
		defer cancel()
	}

	res, err := tx.ExecContext(stmtCtx, query, args...)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Debug("rollback of batch %s failed: %v", b.ID, rbErr)
		}
		return 0, wrap(ErrBatchApply, "batch %s on %s.%s", err, b.ID, b.Table, b.Column)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap(ErrBatchApply, "commit batch %s on %s.%s", err, b.ID, b.Table, b.Column)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = int64(len(b.Corrections))
	}
	return affected, nil
}

func (a *applier) failed(b types.Batch, err error, took time.Duration) types.BatchOutcome {
	logger.Error("batch %s on %s.%s failed (corrections %s .. %s): %v",
		b.ID, b.Table, b.Column, b.FirstID(), b.LastID(), err)
	for _, c := range b.Corrections {
		e := audit.FromCorrection(c, audit.OutcomeFailed)
		e.Error = err.Error()
		a.run.Record(e)
	}
	return types.BatchOutcome{
		BatchID:           b.ID,
		GroupID:           b.GroupID,
		Table:             b.Table,
		Column:            b.Column,
		Rows:              len(b.Corrections),
		FirstCorrectionID: b.FirstID(),
		LastCorrectionID:  b.LastID(),
		Status:            types.StatusFailed,
		ErrorKind:         ErrorKind(err),
		Error:             err.Error(),
		TimeTaken:         took.Seconds(),
	}
}
