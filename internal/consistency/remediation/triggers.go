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
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/pgedge/datefix/db/queries"
	"github.com/pgedge/datefix/internal/consistency/remediation/rules"
	"github.com/pgedge/datefix/internal/infra/db"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/types"
)

var triggerEvents = []string{types.EventInsert, types.EventUpdate}

type triggerAssignment struct {
	Column    string
	Predicate string
	Value     string
}

type triggerData struct {
	Name        string
	Function    string
	Event       string
	Table       string
	When        string
	RowMatch    string
	Assignments []triggerAssignment
}

// TriggerSynchronizer installs BEFORE INSERT/UPDATE triggers that apply the
// correction rules to every future write.
type TriggerSynchronizer struct {
	dialect db.Dialect
	schema  string
	engine  *rules.Engine
	tmpls   *queries.Templates
}

func NewTriggerSynchronizer(dialect db.Dialect, schema string, engine *rules.Engine) (*TriggerSynchronizer, error) {
	tmpls, err := queries.TemplatesFor(dialect.Name())
	if err != nil {
		return nil, err
	}
	return &TriggerSynchronizer{dialect: dialect, schema: schema, engine: engine, tmpls: tmpls}, nil
}

func TriggerName(d db.Dialect, table, event string) string {
	return db.ObjectName(d, fmt.Sprintf("%s_%s_date_check", table, lowerEvent(event)))
}

func TriggerFunctionName(d db.Dialect, table string) string {
	return db.ObjectName(d, table+"_date_check_fn")
}

func lowerEvent(event string) string {
	if event == types.EventUpdate {
		return "update"
	}
	return "insert"
}

func (s *TriggerSynchronizer) qualifiedName(name string) string {
	if s.dialect.Name() == db.MySQL {
		return s.dialect.QualifiedTable(s.schema, name)
	}
	return s.dialect.QuoteIdent(name)
}

func (s *TriggerSynchronizer) assignments(tc types.TableColumns) []triggerAssignment {
	d := s.dialect
	newRef := func(col string) string { return "NEW." + d.QuoteIdent(col) }

	var out []triggerAssignment
	for _, dec := range rules.Order(tableDecisions(s.engine, tc)) {
		value := d.QuoteLiteral(dec.Value)
		if dec.Derived() {
			src := newRef(dec.Source)
			value = "CASE WHEN " + d.InvalidPredicate(src) + " THEN " + value + " ELSE " + src + " END"
		}
		out = append(out, triggerAssignment{
			Column:    d.QuoteIdent(dec.Column),
			Predicate: d.InvalidPredicate(newRef(dec.Column)),
			Value:     value,
		})
	}
	return out
}

func (s *TriggerSynchronizer) data(tc types.TableColumns, event string) triggerData {
	d := s.dialect
	td := triggerData{
		Name:        s.qualifiedName(TriggerName(d, tc.Table, event)),
		Event:       event,
		Table:       d.QualifiedTable(s.schema, tc.Table),
		Assignments: s.assignments(tc),
	}
	switch d.Name() {
	case db.Postgres:
		td.Function = d.QualifiedTable(s.schema, TriggerFunctionName(d, tc.Table))
	case db.SQLite:
		var when []string
		for _, a := range td.Assignments {
			when = append(when, a.Predicate)
		}
		td.When = joinOr(when)
		if tc.PKColumn != "" {
			pk := d.QuoteIdent(tc.PKColumn)
			td.RowMatch = pk + " = NEW." + pk
		} else {
			td.RowMatch = "rowid = NEW.rowid"
		}
	}
	return td
}

func joinOr(parts []string) string {
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Specs renders the insert and update triggers for a table. On PostgreSQL
// the body is the shared trigger function followed by the trigger.
func (s *TriggerSynchronizer) Specs(tc types.TableColumns) ([]types.TriggerSpec, error) {
	specs := make([]types.TriggerSpec, 0, len(triggerEvents))
	for _, event := range triggerEvents {
		td := s.data(tc, event)
		body, err := queries.RenderSQL(s.tmpls.CreateTrigger, td)
		if err != nil {
			return nil, err
		}
		if s.dialect.Name() == db.Postgres {
			fn, err := queries.RenderSQL(s.tmpls.CreateTriggerFunction, td)
			if err != nil {
				return nil, err
			}
			body = fn + ";\n" + body
		}
		specs = append(specs, types.TriggerSpec{
			Table:   tc.Table,
			Event:   event,
			Name:    TriggerName(s.dialect, tc.Table, event),
			Columns: tc.ColumnNames(),
			Body:    body,
		})
	}
	return specs, nil
}

// Sync installs triggers table by table on one connection. A failure
// leaves that table's triggers as they were and moves on.
func (s *TriggerSynchronizer) Sync(ctx context.Context, pool *sql.DB, tables []types.TableColumns) []types.TriggerOutcome {
	return s.each(ctx, pool, tables, s.install, types.StatusInstalled)
}

// Teardown drops the triggers (and PostgreSQL functions) of the tables.
func (s *TriggerSynchronizer) Teardown(ctx context.Context, pool *sql.DB, tables []types.TableColumns) []types.TriggerOutcome {
	return s.each(ctx, pool, tables, s.drop, types.StatusClean)
}

func (s *TriggerSynchronizer) each(ctx context.Context, pool *sql.DB, tables []types.TableColumns,
	fn func(context.Context, *sql.Conn, types.TableColumns) error, okStatus string) []types.TriggerOutcome {
	outcomes := make([]types.TriggerOutcome, 0, len(tables))

	conn, err := pool.Conn(ctx)
	if err != nil {
		err = wrap(ErrConnection, "trigger connection", err)
	}
	if conn != nil {
		defer conn.Close()
	}

	for _, tc := range tables {
		o := types.TriggerOutcome{Table: tc.Table, Status: okStatus}
		for _, event := range triggerEvents {
			o.Names = append(o.Names, TriggerName(s.dialect, tc.Table, event))
		}

		opErr := err
		if opErr == nil {
			opErr = fn(ctx, conn, tc)
		}
		if opErr != nil {
			if !errors.Is(opErr, ErrConnection) {
				opErr = wrap(ErrTriggerInstall, "table %s: %v", nil, tc.Table, opErr)
			}
			logger.Error("triggers for %s: %v", tc.Table, opErr)
			o.Status = types.StatusFailed
			o.ErrorKind = ErrorKind(opErr)
			o.Error = opErr.Error()
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (s *TriggerSynchronizer) install(ctx context.Context, conn *sql.Conn, tc types.TableColumns) error {
	if s.dialect.TransactionalDDL() {
		return s.inTx(ctx, conn, func(tx *sql.Tx) error {
			return s.create(ctx, tx, tc)
		})
	}
	return s.installMySQL(ctx, conn, tc)
}

func (s *TriggerSynchronizer) create(ctx context.Context, tx queries.DBTX, tc types.TableColumns) error {
	for i, event := range triggerEvents {
		td := s.data(tc, event)
		if s.dialect.Name() == db.Postgres && i == 0 {
			if err := s.exec(ctx, tx, s.tmpls.CreateTriggerFunction, td); err != nil {
				return err
			}
		}
		if err := s.exec(ctx, tx, s.tmpls.DropTrigger, td); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, s.tmpls.CreateTrigger, td); err != nil {
			return err
		}
	}
	return nil
}

// installMySQL replaces both triggers. MySQL commits each DDL statement, so
// the previous definitions are read first and put back on failure.
func (s *TriggerSynchronizer) installMySQL(ctx context.Context, conn *sql.Conn, tc types.TableColumns) error {
	var prior []queries.TriggerDefinition
	for _, event := range triggerEvents {
		name := TriggerName(s.dialect, tc.Table, event)
		def, found, err := queries.GetTriggerDefinition(ctx, conn, s.schema, name)
		if err != nil {
			return err
		}
		if found {
			prior = append(prior, def)
		}
	}

	createErr := s.create(ctx, conn, tc)
	if createErr == nil {
		return nil
	}

	var restoreErrs []error
	for _, event := range triggerEvents {
		if err := s.exec(ctx, conn, s.tmpls.DropTrigger, s.data(tc, event)); err != nil {
			restoreErrs = append(restoreErrs, err)
		}
	}
	for _, def := range prior {
		td := map[string]string{
			"Name":   s.qualifiedName(def.Name),
			"Timing": def.Timing,
			"Event":  def.Event,
			"Table":  s.dialect.QualifiedTable(s.schema, def.Table),
			"Body":   def.Body,
		}
		if err := s.exec(ctx, conn, s.tmpls.RestoreTrigger, td); err != nil {
			restoreErrs = append(restoreErrs, err)
		}
	}
	if len(restoreErrs) > 0 {
		return fmt.Errorf("%w; restoring previous triggers: %w", createErr, errors.Join(restoreErrs...))
	}
	return createErr
}

func (s *TriggerSynchronizer) drop(ctx context.Context, conn *sql.Conn, tc types.TableColumns) error {
	run := func(q queries.DBTX) error {
		for _, event := range triggerEvents {
			if err := s.exec(ctx, q, s.tmpls.DropTrigger, s.data(tc, event)); err != nil {
				return err
			}
		}
		if s.dialect.Name() == db.Postgres {
			return s.exec(ctx, q, s.tmpls.DropTriggerFunction, s.data(tc, types.EventInsert))
		}
		return nil
	}
	if s.dialect.TransactionalDDL() {
		return s.inTx(ctx, conn, func(tx *sql.Tx) error { return run(tx) })
	}
	return run(conn)
}

func (s *TriggerSynchronizer) inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Debug("trigger rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *TriggerSynchronizer) exec(ctx context.Context, q queries.DBTX, tmpl *template.Template, data any) error {
	query, err := queries.RenderSQL(tmpl, data)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%s: %w", tmpl.Name(), driverError{err})
	}
	return nil
}
