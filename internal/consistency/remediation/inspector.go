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

	"github.com/pgedge/datefix/db/queries"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/pkg/common"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/types"
)

// Inspector reads temporal columns and primary keys from the catalog.
type Inspector struct {
	conn    queries.DBTX
	dialect db.Dialect
	schema  string
}

func NewInspector(conn queries.DBTX, dialect db.Dialect, schema string) *Inspector {
	return &Inspector{conn: conn, dialect: dialect, schema: schema}
}

// TemporalColumns lists every temporal column in the schema.
func (i *Inspector) TemporalColumns(ctx context.Context) ([]types.TemporalColumn, error) {
	cols, err := queries.GetTemporalColumns(ctx, i.conn, i.dialect.Name(), i.schema)
	if err != nil {
		return nil, wrap(ErrSchemaDiscovery, "schema %s", err, i.schema)
	}
	return cols, nil
}

// PrimaryKeyOf returns the table's primary key column. ok is false when the
// table has no primary key or a composite one.
func (i *Inspector) PrimaryKeyOf(ctx context.Context, table string) (string, bool, error) {
	keys, err := queries.GetPrimaryKey(ctx, i.conn, i.dialect.Name(), i.schema, table)
	if err != nil {
		return "", false, wrap(ErrSchemaDiscovery, "primary key of %s", err, table)
	}
	if len(keys) != 1 {
		return "", false, nil
	}
	return keys[0], true, nil
}

type Discovery struct {
	// Tables have valid identifiers; PKColumn is empty when the table has no
	// usable primary key.
	Tables   []types.TableColumns
	Outcomes map[string]*types.TableOutcome
}

// Discover groups temporal columns by table, applies the include and skip
// lists and resolves primary keys. Per-table problems are recorded in the
// outcomes; only a failed column listing is returned as an error.
func (i *Inspector) Discover(ctx context.Context, include, skip []string) (*Discovery, error) {
	cols, err := i.TemporalColumns(ctx)
	if err != nil {
		return nil, err
	}

	byTable := make(map[string][]types.TemporalColumn)
	var order []string
	for _, c := range cols {
		if _, ok := byTable[c.Table]; !ok {
			order = append(order, c.Table)
		}
		byTable[c.Table] = append(byTable[c.Table], c)
	}

	if len(include) > 0 {
		if missing, _ := common.DiffStringSlices(include, order); len(missing) > 0 {
			logger.Warn("requested tables have no temporal columns or do not exist: %v", missing)
		}
	}

	d := &Discovery{Outcomes: make(map[string]*types.TableOutcome)}
	for _, table := range common.FilterTables(order, include, skip) {
		tc := types.TableColumns{Table: table, Columns: byTable[table]}
		outcome := &types.TableOutcome{Table: table, Columns: tc.ColumnNames()}
		d.Outcomes[table] = outcome

		if err := validateIdentifiers(tc); err != nil {
			logger.Warn("skipping table %s: %v", table, err)
			markTable(outcome, types.StatusSkipped, err)
			continue
		}

		pk, ok, err := i.PrimaryKeyOf(ctx, table)
		switch {
		case err != nil:
			logger.Error("skipping table %s: %v", table, err)
			markTable(outcome, types.StatusFailed, err)
			continue
		case !ok:
			err = wrap(ErrMissingPrimaryKey, "table %s", nil, table)
			logger.Warn("skipping table %s: no single-column primary key", table)
			markTable(outcome, types.StatusSkipped, err)
		default:
			if err := queries.SanitiseIdentifier(pk); err != nil {
				err = wrap(ErrInvalidIdentifier, "primary key of %s: %v", nil, table, err)
				logger.Warn("skipping table %s: %v", table, err)
				markTable(outcome, types.StatusSkipped, err)
				continue
			}
			tc.PKColumn = pk
			outcome.PKColumn = pk
		}
		d.Tables = append(d.Tables, tc)
	}
	return d, nil
}

func validateIdentifiers(tc types.TableColumns) error {
	if err := queries.SanitiseIdentifier(tc.Table); err != nil {
		return wrap(ErrInvalidIdentifier, "table: %v", nil, err)
	}
	for _, c := range tc.Columns {
		if err := queries.SanitiseIdentifier(c.Column); err != nil {
			return wrap(ErrInvalidIdentifier, "column of %s: %v", nil, tc.Table, err)
		}
	}
	return nil
}

func markTable(o *types.TableOutcome, status string, err error) {
	o.Status = status
	if err != nil {
		o.Error = err.Error()
		o.ErrorKind = ErrorKind(err)
	}
}
