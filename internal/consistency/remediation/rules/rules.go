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

// Package rules decides the replacement value for an invalid temporal
// column. The same Decision drives the one-off correction and the
// trigger bodies, so both paths agree on every column.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgedge/datefix/pkg/types"
)

const (
	ZeroDatePrefix   = "0000-00-00"
	ZeroDateTime     = "0000-00-00 00:00:00"
	FarFuture        = "2099-12-31 23:59:59"
	Epoch            = "1971-01-01 00:00:00"
	EpochDate        = "1971-01-01"
	CreatedAt        = "created_at"
	MySQLTSCeiling   = "2038-01-19 03:14:07"
	dateLayout       = "2006-01-02"
	dateTimeLayout   = "2006-01-02 15:04:05"
	RuleFarFuture    = "far_future"
	RuleBirthDate    = "birth_date"
	RuleCopyCreated  = "copy_created_at"
	RuleDefault      = "default"
	ruleNameFallback = "fallback"
)

// Row is an immutable snapshot of a row's temporal columns. A nil value is
// SQL NULL.
type Row map[string]*string

// Rule maps a set of column names to a fixed literal, or to a sibling
// column with the literal as fallback. A rule without columns matches
// every column and must be last.
type Rule struct {
	Name     string
	Columns  []string
	Value    string
	CopyFrom string
}

func (r Rule) matches(column string) bool {
	if len(r.Columns) == 0 {
		return true
	}
	for _, c := range r.Columns {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

// Decision is the resolved rule for one column.
type Decision struct {
	Rule   string
	Column string
	Source string
	Value  string
}

func (d Decision) Derived() bool {
	return d.Source != ""
}

// Evaluate returns the corrected value for the column given the row
// snapshot.
func (d Decision) Evaluate(row Row) string {
	if d.Source != "" {
		if v, ok := row[d.Source]; ok && !IsInvalid(v) {
			return *v
		}
	}
	return d.Value
}

type Engine struct {
	rules    []Rule
	ceiling  string
	dateOnly bool
}

type Option func(*Engine)

// WithTimestampCeiling clamps fixed literals for timestamp columns.
func WithTimestampCeiling(ceiling string) Option {
	return func(e *Engine) {
		e.ceiling = ceiling
	}
}

// DefaultRules returns the built-in rule set. farFuture overrides the
// far-future sentinel when non-empty.
func DefaultRules(farFuture string) []Rule {
	if farFuture == "" {
		farFuture = FarFuture
	}
	return []Rule{
		{Name: RuleFarFuture, Columns: []string{"ends_at", "finished_at"}, Value: farFuture},
		{Name: RuleBirthDate, Columns: []string{"birth_date"}, Value: EpochDate},
		{
			Name:     RuleCopyCreated,
			Columns:  []string{"updated_at", "activated_at", "services_unlocked_at", "welcomed_at", "profile_modified_at"},
			Value:    Epoch,
			CopyFrom: CreatedAt,
		},
		{Name: RuleDefault, Value: Epoch},
	}
}

func Default() *Engine {
	e, _ := New(DefaultRules(""))
	return e
}

func New(rules []Rule, opts ...Option) (*Engine, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one rule is required")
	}
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.ceiling != "" && !IsLiteral(e.ceiling) {
		return nil, fmt.Errorf("timestamp ceiling %q is not a date or datetime literal", e.ceiling)
	}

	targets := make(map[string]bool)
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i+1)
		}
		if !IsLiteral(r.Value) {
			return nil, fmt.Errorf("rule %s: value %q is not a date or datetime literal", r.Name, r.Value)
		}
		if len(r.Columns) == 0 && i != len(rules)-1 {
			return nil, fmt.Errorf("rule %s: a rule without columns must be last", r.Name)
		}
		if r.CopyFrom != "" {
			for _, c := range r.Columns {
				targets[strings.ToLower(c)] = true
			}
		}
		e.rules = append(e.rules, r)
	}
	if last := e.rules[len(e.rules)-1]; len(last.Columns) != 0 {
		e.rules = append(e.rules, Rule{Name: ruleNameFallback, Value: Epoch})
	}

	// A derived column may not read another derived column.
	for _, r := range e.rules {
		if r.CopyFrom != "" && targets[strings.ToLower(r.CopyFrom)] {
			return nil, fmt.Errorf("rule %s: copy_from %s is itself a derived column", r.Name, r.CopyFrom)
		}
	}
	return e, nil
}

// Resolve returns the decision for a column. The first matching rule wins.
func (e *Engine) Resolve(col types.TemporalColumn) Decision {
	for _, r := range e.rules {
		if !r.matches(col.Column) {
			continue
		}
		d := Decision{Rule: r.Name, Column: col.Column, Value: e.clamp(r.Value, col.Semantic)}
		if r.CopyFrom != "" && !strings.EqualFold(r.CopyFrom, col.Column) {
			d.Source = r.CopyFrom
		}
		return d
	}
	// unreachable: New always ends with a catch-all rule
	return Decision{Rule: ruleNameFallback, Column: col.Column, Value: e.clamp(Epoch, col.Semantic)}
}

// Correct is shorthand for Resolve followed by Evaluate.
func (e *Engine) Correct(col types.TemporalColumn, row Row) (string, string) {
	d := e.Resolve(col)
	return d.Evaluate(row), d.Rule
}

func (e *Engine) clamp(value, semantic string) string {
	if semantic == types.SemanticDate && len(value) > len(dateLayout) {
		value = value[:len(dateLayout)]
	}
	if semantic == types.SemanticTimestamp && e.ceiling != "" && normalise(value) > normalise(e.ceiling) {
		return e.ceiling
	}
	return value
}

// Order sorts decisions the way triggers evaluate them: derived columns
// first, then fixed defaults, each group keeping its input order.
func Order(decisions []Decision) []Decision {
	out := make([]Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Derived() {
			out = append(out, d)
		}
	}
	for _, d := range decisions {
		if !d.Derived() {
			out = append(out, d)
		}
	}
	return out
}

// IsInvalid reports whether a value is NULL or a zero-date.
func IsInvalid(v *string) bool {
	if v == nil {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(*v), ZeroDatePrefix)
}

// IsLiteral reports whether s parses as a date or datetime literal.
func IsLiteral(s string) bool {
	if _, err := time.Parse(dateTimeLayout, s); err == nil {
		return true
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

func normalise(s string) string {
	if len(s) == len(dateLayout) {
		return s + " 00:00:00"
	}
	return s
}

// Snapshot copies a row so later mutation of the source cannot leak into
// rule evaluation.
func Snapshot(values map[string]*string) Row {
	row := make(Row, len(values))
	for k, v := range values {
		if v == nil {
			row[k] = nil
			continue
		}
		s := *v
		row[k] = &s
	}
	return row
}
