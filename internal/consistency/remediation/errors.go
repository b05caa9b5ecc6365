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
	"errors"
	"fmt"

	"github.com/pgedge/datefix/internal/infra/db"
)

var (
	ErrConnection        = errors.New("connection failed")
	ErrSchemaDiscovery   = errors.New("schema discovery failed")
	ErrMissingPrimaryKey = errors.New("no single-column primary key")
	ErrInvalidIdentifier = errors.New("identifier rejected")
	ErrPlanQuery         = errors.New("plan query failed")
	ErrBatchApply        = errors.New("batch apply failed")
	ErrTriggerInstall    = errors.New("trigger install failed")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrConnection, "ConnectionError"},
	{ErrSchemaDiscovery, "SchemaDiscoveryError"},
	{ErrMissingPrimaryKey, "MissingPrimaryKeyError"},
	{ErrInvalidIdentifier, "InvalidIdentifierError"},
	{ErrPlanQuery, "PlanQueryError"},
	{ErrBatchApply, "BatchApplyError"},
	{ErrTriggerInstall, "TriggerInstallError"},
}

// ErrorKind names the failure class of err for reports and logs.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "UnknownError"
}

// wrap tags a driver error with a failure class, keeping engine error codes.
func wrap(kind error, format string, err error, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, driverError{err})
}

type driverError struct {
	err error
}

func (e driverError) Error() string { return db.DescribeError(e.err) }
func (e driverError) Unwrap() error { return e.err }
