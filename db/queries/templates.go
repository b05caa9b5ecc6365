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

import "text/template"

type Templates struct {
	GetTemporalColumns   *template.Template
	GetPrimaryKey        *template.Template
	GetTriggerDefinition *template.Template

	CreateTrigger         *template.Template
	RestoreTrigger        *template.Template
	DropTrigger           *template.Template
	CreateTriggerFunction *template.Template
	DropTriggerFunction   *template.Template
}

var MySQLTemplates = Templates{
	GetTemporalColumns: template.Must(template.New("getTemporalColumns").Parse(`
		SELECT
			c.TABLE_NAME,
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.ORDINAL_POSITION
		FROM
			information_schema.COLUMNS c
			JOIN information_schema.TABLES t ON t.TABLE_SCHEMA = c.TABLE_SCHEMA
			AND t.TABLE_NAME = c.TABLE_NAME
		WHERE
			c.TABLE_SCHEMA = ?
			AND t.TABLE_TYPE = 'BASE TABLE'
			AND c.DATA_TYPE IN ('date', 'datetime', 'timestamp')
		ORDER BY
			c.TABLE_NAME,
			c.ORDINAL_POSITION
	`)),
	GetPrimaryKey: template.Must(template.New("getPrimaryKey").Parse(`
		SELECT
			COLUMN_NAME
		FROM
			information_schema.KEY_COLUMN_USAGE
		WHERE
			TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
			AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY
			ORDINAL_POSITION
	`)),
	GetTriggerDefinition: template.Must(template.New("getTriggerDefinition").Parse(`
		SELECT
			ACTION_TIMING,
			EVENT_MANIPULATION,
			EVENT_OBJECT_TABLE,
			ACTION_STATEMENT
		FROM
			information_schema.TRIGGERS
		WHERE
			TRIGGER_SCHEMA = ?
			AND TRIGGER_NAME = ?
	`)),
	CreateTrigger: template.Must(template.New("createTrigger").Parse(
		`CREATE TRIGGER {{.Name}} BEFORE {{.Event}} ON {{.Table}}
FOR EACH ROW
BEGIN
{{- range .Assignments}}
    IF {{.Predicate}} THEN
        SET NEW.{{.Column}} = {{.Value}};
    END IF;
{{- end}}
END`)),
	RestoreTrigger: template.Must(template.New("restoreTrigger").Parse(
		`CREATE TRIGGER {{.Name}} {{.Timing}} {{.Event}} ON {{.Table}}
FOR EACH ROW
{{.Body}}`)),
	DropTrigger: template.Must(template.New("dropTrigger").Parse(
		`DROP TRIGGER IF EXISTS {{.Name}}`)),
}

var PostgresTemplates = Templates{
	GetTemporalColumns: template.Must(template.New("getTemporalColumns").Parse(`
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			c.ordinal_position
		FROM
			information_schema.columns c
			JOIN information_schema.tables t ON t.table_schema = c.table_schema
			AND t.table_name = c.table_name
		WHERE
			c.table_schema = $1
			AND t.table_type = 'BASE TABLE'
			AND c.data_type IN (
				'date',
				'timestamp without time zone',
				'timestamp with time zone'
			)
		ORDER BY
			c.table_name,
			c.ordinal_position
	`)),
	GetPrimaryKey: template.Must(template.New("getPrimaryKey").Parse(`
		SELECT
			kcu.column_name
		FROM
			information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE
			tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY
			kcu.ordinal_position
	`)),
	CreateTriggerFunction: template.Must(template.New("createTriggerFunction").Parse(
		`CREATE OR REPLACE FUNCTION {{.Function}}() RETURNS trigger
LANGUAGE plpgsql AS $datefix$
BEGIN
{{- range .Assignments}}
    IF {{.Predicate}} THEN
        NEW.{{.Column}} := {{.Value}};
    END IF;
{{- end}}
    RETURN NEW;
END;
$datefix$`)),
	CreateTrigger: template.Must(template.New("createTrigger").Parse(
		`CREATE TRIGGER {{.Name}} BEFORE {{.Event}} ON {{.Table}}
FOR EACH ROW EXECUTE FUNCTION {{.Function}}()`)),
	DropTrigger: template.Must(template.New("dropTrigger").Parse(
		`DROP TRIGGER IF EXISTS {{.Name}} ON {{.Table}}`)),
	DropTriggerFunction: template.Must(template.New("dropTriggerFunction").Parse(
		`DROP FUNCTION IF EXISTS {{.Function}}()`)),
}

// SQLite cannot assign to NEW, so its triggers fire AFTER the write and
// patch the stored row. The WHEN guard keeps the patch from re-firing the
// update trigger.
var SQLiteTemplates = Templates{
	GetTemporalColumns: template.Must(template.New("getTemporalColumns").Parse(`
		SELECT
			m.name,
			p.name,
			lower(p.type),
			p.cid + 1
		FROM
			sqlite_master m
			JOIN pragma_table_info(m.name) p
		WHERE
			m.type = 'table'
			AND m.name NOT LIKE 'sqlite_%'
			AND (
				lower(p.type) LIKE 'date%'
				OR lower(p.type) LIKE 'timestamp%'
			)
		ORDER BY
			m.name,
			p.cid
	`)),
	GetPrimaryKey: template.Must(template.New("getPrimaryKey").Parse(`
		SELECT
			name
		FROM
			pragma_table_info(?)
		WHERE
			pk > 0
		ORDER BY
			pk
	`)),
	CreateTrigger: template.Must(template.New("createTrigger").Parse(
		`CREATE TRIGGER {{.Name}} AFTER {{.Event}} ON {{.Table}}
FOR EACH ROW
WHEN {{.When}}
BEGIN
    UPDATE {{.Table}} SET
{{- range $i, $a := .Assignments}}{{if $i}},{{end}}
        {{$a.Column}} = CASE WHEN {{$a.Predicate}} THEN {{$a.Value}} ELSE NEW.{{$a.Column}} END
{{- end}}
    WHERE {{.RowMatch}};
END`)),
	DropTrigger: template.Must(template.New("dropTrigger").Parse(
		`DROP TRIGGER IF EXISTS {{.Name}}`)),
}
