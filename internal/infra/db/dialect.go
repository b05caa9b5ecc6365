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

package db

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// zeroDatePattern matches the textual form of every zero-date variant.
const zeroDatePattern = "'0000-00-00%'"

// Dialect renders the SQL fragments that differ between engines. Both the
// row planner and the trigger bodies use InvalidPredicate so the two paths
// select exactly the same values.
type Dialect interface {
	Name() string
	DriverName() string
	QuoteIdent(ident string) string
	QuoteLiteral(value string) string
	QualifiedTable(schema, table string) string
	Placeholder(n int) string
	// ValueParam renders placeholder n cast to the target column type.
	ValueParam(n int, dataType string) string
	TextExpr(expr string) string
	InvalidPredicate(expr string) string
	MaxIdentifierLength() int
	TransactionalDDL() bool
}

func DialectFor(name string) (Dialect, error) {
	switch NormaliseDriver(name) {
	case MySQL:
		return mysqlDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	case SQLite:
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", name)
}

func NormaliseDriver(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "mariadb":
		return MySQL
	case "postgres", "postgresql", "pgx":
		return Postgres
	case "sqlite", "sqlite3":
		return SQLite
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// ObjectName caps name at the dialect's identifier length, replacing the
// tail with a short hash so distinct long names stay distinct.
func ObjectName(d Dialect, name string) string {
	limit := d.MaxIdentifierLength()
	if limit <= 0 || len(name) <= limit {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return name[:limit-len(suffix)] + suffix
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return MySQL }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) QuoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) QuoteLiteral(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (d mysqlDialect) QualifiedTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) ValueParam(int, string) string { return "?" }

func (mysqlDialect) TextExpr(expr string) string {
	return "CAST(" + expr + " AS CHAR)"
}

func (d mysqlDialect) InvalidPredicate(expr string) string {
	return "(" + expr + " IS NULL OR " + d.TextExpr(expr) + " LIKE " + zeroDatePattern + ")"
}

func (mysqlDialect) MaxIdentifierLength() int { return 64 }
func (mysqlDialect) TransactionalDDL() bool   { return false }

type postgresDialect struct{}

func (postgresDialect) Name() string       { return Postgres }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) QuoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func (postgresDialect) QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (postgresDialect) QualifiedTable(schema, table string) string {
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) ValueParam(n int, dataType string) string {
	if dataType == "" {
		return fmt.Sprintf("$%d", n)
	}
	return fmt.Sprintf("$%d::%s", n, dataType)
}

func (postgresDialect) TextExpr(expr string) string {
	return expr + "::text"
}

func (d postgresDialect) InvalidPredicate(expr string) string {
	return "(" + expr + " IS NULL OR " + d.TextExpr(expr) + " LIKE " + zeroDatePattern + ")"
}

func (postgresDialect) MaxIdentifierLength() int { return 63 }
func (postgresDialect) TransactionalDDL() bool   { return true }

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return SQLite }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// QualifiedTable ignores the schema; triggers may not reference
// schema-qualified tables in SQLite.
func (d sqliteDialect) QualifiedTable(_, table string) string {
	return d.QuoteIdent(table)
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) ValueParam(int, string) string { return "?" }

func (sqliteDialect) TextExpr(expr string) string {
	return "CAST(" + expr + " AS TEXT)"
}

func (d sqliteDialect) InvalidPredicate(expr string) string {
	return "(" + expr + " IS NULL OR " + d.TextExpr(expr) + " LIKE " + zeroDatePattern + ")"
}

func (sqliteDialect) MaxIdentifierLength() int { return 0 }
func (sqliteDialect) TransactionalDDL() bool   { return true }
