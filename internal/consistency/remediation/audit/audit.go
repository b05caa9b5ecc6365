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

// Package audit records every planned and applied correction of a run.
package audit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pgedge/datefix/pkg/logger"
	"github.com/pgedge/datefix/pkg/types"
)

const (
	OutcomePlanned = "planned"
	OutcomeApplied = "applied"
	OutcomeFailed  = "failed"
	// OutcomeUnconfirmed marks entries of a committed batch that changed
	// fewer rows than it planned.
	OutcomeUnconfirmed = "unconfirmed"
)

type Entry struct {
	Time         time.Time
	RunID        string
	CorrectionID string
	GroupID      string
	Table        string
	PKColumn     string
	PKValue      string
	Column       string
	OldValue     *string
	NewValue     string
	Rule         string
	Outcome      string
	Error        string
}

func FromCorrection(c types.PendingCorrection, outcome string) Entry {
	return Entry{
		CorrectionID: c.ID,
		GroupID:      c.GroupID,
		Table:        c.Table,
		PKColumn:     c.PKColumn,
		PKValue:      c.PKKey(),
		Column:       c.Column,
		OldValue:     c.OldValue,
		NewValue:     c.NewValue,
		Rule:         c.Rule,
		Outcome:      outcome,
	}
}

func (e Entry) old() string {
	if e.OldValue == nil {
		return "NULL"
	}
	return *e.OldValue
}

type Sink interface {
	Write(Entry) error
	Close() error
}

// eventSink is implemented by sinks that also keep run-level events.
type eventSink interface {
	Event(msg string, keyvals ...any)
}

// RunContext is created when a run starts and closed when it ends. It
// stamps entries with the run id and fans them out to the sink.
type RunContext struct {
	RunID     string
	StartedAt time.Time

	mu     sync.Mutex
	sink   Sink
	closed bool
	errs   []error
}

func NewRunContext(sink Sink) *RunContext {
	if sink == nil {
		sink = Discard()
	}
	return &RunContext{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		sink:      sink,
	}
}

// Record writes an entry. Sink errors are kept and reported by Close
// rather than failing the correction they describe.
func (r *RunContext) Record(e Entry) {
	e.RunID = r.RunID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.sink.Write(e); err != nil {
		if len(r.errs) == 0 {
			logger.Warn("audit: failed to write entry for %s.%s: %v", e.Table, e.Column, err)
		}
		r.errs = append(r.errs, err)
	}
}

func (r *RunContext) Event(msg string, keyvals ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if es, ok := r.sink.(eventSink); ok {
		es.Event(msg, append([]any{"run_id", r.RunID}, keyvals...)...)
	}
}

func (r *RunContext) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	errs := r.errs
	if len(errs) > 1 {
		errs = []error{fmt.Errorf("%d audit writes failed, first: %w", len(r.errs), r.errs[0])}
	}
	errs = append(errs, r.sink.Close())
	return errors.Join(errs...)
}

// Files opens the configured file sinks under dir, named after the run
// start time.
func Files(dir string, startedAt time.Time, withCSV, withLog bool) (Sink, []string, error) {
	if !withCSV && !withLog {
		return Discard(), nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create audit directory %s: %w", dir, err)
	}

	stamp := startedAt.Format("20060102_150405")
	var (
		sinks []Sink
		paths []string
	)
	if withLog {
		p := filepath.Join(dir, fmt.Sprintf("datefix_%s.log", stamp))
		s, err := NewLogFile(p)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		paths = append(paths, p)
	}
	if withCSV {
		p := filepath.Join(dir, fmt.Sprintf("corrections_%s.csv", stamp))
		s, err := NewCSVFile(p)
		if err != nil {
			for _, open := range sinks {
				open.Close()
			}
			return nil, nil, err
		}
		sinks = append(sinks, s)
		paths = append(paths, p)
	}
	return Multi(sinks...), paths, nil
}

var csvHeader = []string{
	"time", "run_id", "correction_id", "group_id", "table", "pk_column",
	"pk_value", "column", "old_value", "new_value", "rule", "outcome", "error",
}

type CSVSink struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

func NewCSVFile(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audit csv %s: %w", path, err)
	}
	s, err := NewCSV(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.c = f
	return s, nil
}

func NewCSV(w io.Writer) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if err := s.w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write audit csv header: %w", err)
	}
	return s, nil
}

func (s *CSVSink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write([]string{
		e.Time.UTC().Format(time.RFC3339Nano),
		e.RunID,
		e.CorrectionID,
		e.GroupID,
		e.Table,
		e.PKColumn,
		e.PKValue,
		e.Column,
		e.old(),
		e.NewValue,
		e.Rule,
		e.Outcome,
		e.Error,
	})
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if s.c != nil {
		err = errors.Join(err, s.c.Close())
	}
	return err
}

// LogSink writes entries and run events as JSON lines.
type LogSink struct {
	mu  sync.Mutex
	log *log.Logger
	c   io.Closer
}

func NewLogFile(path string) (*LogSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create audit log %s: %w", path, err)
	}
	s := NewLog(f)
	s.c = f
	return s, nil
}

func NewLog(w io.Writer) *LogSink {
	return &LogSink{log: logger.NewJSON(w)}
}

func (s *LogSink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv := []any{
		"run_id", e.RunID,
		"correction_id", e.CorrectionID,
		"group_id", e.GroupID,
		"table", e.Table,
		"pk_column", e.PKColumn,
		"pk_value", e.PKValue,
		"column", e.Column,
		"old_value", e.old(),
		"new_value", e.NewValue,
		"rule", e.Rule,
		"outcome", e.Outcome,
	}
	if e.Error != "" {
		kv = append(kv, "error", e.Error)
		s.log.Error("correction", kv...)
		return nil
	}
	s.log.Info("correction", kv...)
	return nil
}

func (s *LogSink) Event(msg string, keyvals ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info(msg, keyvals...)
}

func (s *LogSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	events  []string
}

func NewMemory() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemorySink) Event(msg string, _ ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, msg)
}

func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *MemorySink) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *MemorySink) Close() error { return nil }

type multiSink []Sink

func Multi(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Discard()
	case 1:
		return sinks[0]
	}
	return multiSink(sinks)
}

func (m multiSink) Write(e Entry) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Write(e))
	}
	return errors.Join(errs...)
}

func (m multiSink) Event(msg string, keyvals ...any) {
	for _, s := range m {
		if es, ok := s.(eventSink); ok {
			es.Event(msg, keyvals...)
		}
	}
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

type discard struct{}

func Discard() Sink { return discard{} }

func (discard) Write(Entry) error { return nil }
func (discard) Close() error      { return nil }
