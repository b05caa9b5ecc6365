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

	"github.com/google/uuid"
	"github.com/pgedge/datefix/db/queries"
	"github.com/pgedge/datefix/internal/consistency/remediation/audit"
	"github.com/pgedge/datefix/internal/consistency/remediation/rules"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/pkg/types"
)

// tableDecisions resolves one decision per column in catalog order. A
// sibling source the table does not have is dropped, so the correction and
// the trigger both fall back to the fixed value.
func tableDecisions(engine *rules.Engine, tc types.TableColumns) []rules.Decision {
	present := make(map[string]string, len(tc.Columns))
	for _, c := range tc.Columns {
		present[strings.ToLower(c.Column)] = c.Column
	}

	decisions := make([]rules.Decision, 0, len(tc.Columns))
	for _, c := range tc.Columns {
		d := engine.Resolve(c)
		if d.Source != "" {
			if actual, ok := present[strings.ToLower(d.Source)]; ok {
				d.Source = actual
			} else {
				d.Source = ""
			}
		}
		decisions = append(decisions, d)
	}
	return decisions
}

type planner struct {
	dialect db.Dialect
	schema  string
	engine  *rules.Engine
	run     *audit.RunContext
}

func buildPlanSQL(d db.Dialect, schema string, tc types.TableColumns) string {
	var sb strings.Builder
	pk := d.QuoteIdent(tc.PKColumn)

	sb.WriteString("SELECT ")
	sb.WriteString(pk)
	for _, c := range tc.Columns {
		sb.WriteString(", ")
		sb.WriteString(d.TextExpr(d.QuoteIdent(c.Column)))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(d.QualifiedTable(schema, tc.Table))
	sb.WriteString(" WHERE ")
	for i, c := range tc.Columns {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(d.InvalidPredicate(d.QuoteIdent(c.Column)))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(pk)
	return sb.String()
}

// planTable fetches every row with at least one invalid column and emits
// one correction per invalid (row, column) pair.
func (p *planner) planTable(ctx context.Context, conn queries.DBTX, tc types.TableColumns) ([]types.PendingCorrection, error) {
	query := buildPlanSQL(p.dialect, p.schema, tc)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, wrap(ErrPlanQuery, "table %s", err, tc.Table)
	}
	defer rows.Close()

	decisions := tableDecisions(p.engine, tc)

	var corrections []types.PendingCorrection
	for rows.Next() {
		var pkVal any
		vals := make([]sql.NullString, len(tc.Columns))
		dest := make([]any, 0, len(tc.Columns)+1)
		dest = append(dest, &pkVal)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, wrap(ErrPlanQuery, "scan row of %s", err, tc.Table)
		}
		if b, ok := pkVal.([]byte); ok {
			pkVal = string(b)
		}

		values := make(map[string]*string, len(tc.Columns))
		for i, c := range tc.Columns {
			if vals[i].Valid {
				v := vals[i].String
				values[c.Column] = &v
			} else {
				values[c.Column] = nil
			}
		}
		row := rules.Snapshot(values)

		groupID := uuid.NewString()
		for i, c := range tc.Columns {
			if !rules.IsInvalid(row[c.Column]) {
				continue
			}
			d := decisions[i]
			corr := types.PendingCorrection{
				ID:         uuid.NewString(),
				GroupID:    groupID,
				Table:      tc.Table,
				PKColumn:   tc.PKColumn,
				PKValue:    pkVal,
				Column:     c.Column,
				ColumnType: c.DataType,
				OldValue:   row[c.Column],
				NewValue:   d.Evaluate(row),
				Rule:       d.Rule,
			}
			corrections = append(corrections, corr)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrPlanQuery, "read rows of %s", err, tc.Table)
	}

	for _, c := range corrections {
		p.run.Record(audit.FromCorrection(c, audit.OutcomePlanned))
	}
	return corrections, nil
}
