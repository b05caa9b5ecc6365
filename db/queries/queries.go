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

package queries

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/pgedge/datefix/pkg/types"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

func SanitiseIdentifier(ident string) error {
	if !validIdentifierRegex.MatchString(ident) {
		return fmt.Errorf("invalid identifier: %q", ident)
	}
	return nil
}

func RenderSQL(t *template.Template, data any) (string, error) {
	if t == nil {
		return "", errors.New("template not available for this dialect")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render SQL: %w", err)
	}
	return buf.String(), nil
}

// TemplatesFor returns the template set for a dialect name.
func TemplatesFor(dialect string) (*Templates, error) {
	switch dialect {
	case "mysql":
		return &MySQLTemplates, nil
	case "postgres":
		return &PostgresTemplates, nil
	case "sqlite":
		return &SQLiteTemplates, nil
	}
	return nil, fmt.Errorf("no SQL templates for dialect %q", dialect)
}

// SemanticOf maps a catalog data type to date, datetime or timestamp.
func SemanticOf(dataType string) string {
	dt := strings.ToLower(strings.TrimSpace(dataType))
	switch {
	case strings.HasPrefix(dt, "timestamp"):
		return types.SemanticTimestamp
	case strings.HasPrefix(dt, "datetime"):
		return types.SemanticDatetime
	case strings.HasPrefix(dt, "date"):
		return types.SemanticDate
	}
	return ""
}

// GetTemporalColumns lists the temporal columns of every base table in
// schema, ordered by table and catalog position.
func GetTemporalColumns(ctx context.Context, db DBTX, dialect, schema string) ([]types.TemporalColumn, error) {
	tmpls, err := TemplatesFor(dialect)
	if err != nil {
		return nil, err
	}
	query, err := RenderSQL(tmpls.GetTemporalColumns, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to render GetTemporalColumns SQL: %w", err)
	}

	var args []any
	if dialect != "sqlite" {
		args = append(args, schema)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query to get temporal columns failed for schema %s: %w", schema, err)
	}
	defer rows.Close()

	var columns []types.TemporalColumn
	for rows.Next() {
		var c types.TemporalColumn
		if err := rows.Scan(&c.Table, &c.Column, &c.DataType, &c.Position); err != nil {
			return nil, fmt.Errorf("failed to scan temporal column: %w", err)
		}
		c.Semantic = SemanticOf(c.DataType)
		if c.Semantic == "" {
			continue
		}
		columns = append(columns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over temporal columns: %w", err)
	}

	return columns, nil
}

func GetPrimaryKey(ctx context.Context, db DBTX, dialect, schema, table string) ([]string, error) {
	tmpls, err := TemplatesFor(dialect)
	if err != nil {
		return nil, err
	}
	query, err := RenderSQL(tmpls.GetPrimaryKey, nil)
	if err != nil {
		return nil, err
	}

	args := []any{schema, table}
	if dialect == "sqlite" {
		args = []any{table}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, nil
	}

	return keys, nil
}

type TriggerDefinition struct {
	Name   string
	Timing string
	Event  string
	Table  string
	Body   string
}

// GetTriggerDefinition reads an existing MySQL trigger so it can be
// restored if its replacement fails. found is false when no trigger exists.
func GetTriggerDefinition(ctx context.Context, db DBTX, schema, name string) (def TriggerDefinition, found bool, err error) {
	query, err := RenderSQL(MySQLTemplates.GetTriggerDefinition, nil)
	if err != nil {
		return def, false, err
	}
	def.Name = name
	err = db.QueryRowContext(ctx, query, schema, name).Scan(&def.Timing, &def.Event, &def.Table, &def.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return def, false, nil
	}
	if err != nil {
		return def, false, fmt.Errorf("read trigger %s: %w", name, err)
	}
	return def, true, nil
}
