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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

type Params struct {
	Driver         string
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	Schema         string
	DSN            string
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// DefaultSchema returns the schema to inspect when none is configured.
func (p Params) DefaultSchema() string {
	if p.Schema != "" {
		return p.Schema
	}
	switch NormaliseDriver(p.Driver) {
	case Postgres:
		return "public"
	case SQLite:
		return "main"
	}
	return p.DBName
}

// BuildDSN renders the driver-specific connection string. An explicit DSN
// always wins.
func BuildDSN(p Params) (string, error) {
	if strings.TrimSpace(p.DSN) != "" {
		return p.DSN, nil
	}

	switch NormaliseDriver(p.Driver) {
	case MySQL:
		cfg := mysql.NewConfig()
		cfg.User = p.User
		cfg.Passwd = p.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(hostOrDefault(p.Host), strconv.Itoa(portOrDefault(p.Port, 3306)))
		cfg.DBName = p.DBName
		cfg.Timeout = p.ConnectTimeout
		cfg.Params = map[string]string{"charset": "utf8mb4"}
		return cfg.FormatDSN(), nil
	case Postgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(hostOrDefault(p.Host), strconv.Itoa(portOrDefault(p.Port, 5432))),
			Path:   "/" + p.DBName,
		}
		if p.User != "" {
			if p.Password != "" {
				u.User = url.UserPassword(p.User, p.Password)
			} else {
				u.User = url.User(p.User)
			}
		}
		q := url.Values{}
		if p.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case SQLite:
		if p.DBName == "" {
			return "", errors.New("sqlite requires a database file name")
		}
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", p.DBName), nil
	}
	return "", fmt.Errorf("unsupported driver %q", p.Driver)
}

// Open connects and pings the database, returning the pool and its dialect.
func Open(ctx context.Context, p Params) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(p.Driver)
	if err != nil {
		return nil, nil, err
	}
	dsn, err := BuildDSN(p)
	if err != nil {
		return nil, nil, err
	}

	var pool *sql.DB
	if dialect.Name() == Postgres {
		connCfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pool = stdlib.OpenDB(*connCfg)
	} else {
		pool, err = sql.Open(dialect.DriverName(), dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
		}
	}

	switch {
	case dialect.Name() == SQLite:
		pool.SetMaxOpenConns(1)
	case p.MaxOpenConns > 0:
		pool.SetMaxOpenConns(p.MaxOpenConns)
	}

	pingCtx := ctx
	if p.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, p.ConnectTimeout)
		defer cancel()
	}
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping %s: %s", dialect.Name(), DescribeError(err))
	}
	return pool, dialect, nil
}

// DescribeError adds engine error codes to driver errors.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.SQLState != [5]byte{} {
			return fmt.Sprintf("mysql error %d (%s): %s", myErr.Number, string(myErr.SQLState[:]), myErr.Message)
		}
		return fmt.Sprintf("mysql error %d: %s", myErr.Number, myErr.Message)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return fmt.Sprintf("sqlite error %d: %s", int(liteErr.Code), liteErr.Error())
	}
	return err.Error()
}

func hostOrDefault(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

func portOrDefault(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
