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

package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgedge/datefix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCorrection() types.PendingCorrection {
	return types.PendingCorrection{
		ID:         "c-1",
		GroupID:    "g-1",
		Table:      "users",
		PKColumn:   "id",
		PKValue:    int64(42),
		Column:     "birth_date",
		ColumnType: "date",
		NewValue:   "1971-01-01",
		Rule:       "birth_date",
	}
}

func TestRunContextStampsEntries(t *testing.T) {
	mem := NewMemory()
	rc := NewRunContext(mem)
	require.NotEmpty(t, rc.RunID)

	rc.Record(FromCorrection(sampleCorrection(), OutcomePlanned))
	rc.Event("stage", "stage", "PLAN")
	require.NoError(t, rc.Close())

	entries := mem.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, rc.RunID, e.RunID)
	assert.Equal(t, "42", e.PKValue)
	assert.Equal(t, "birth_date", e.Column)
	assert.Nil(t, e.OldValue)
	assert.Equal(t, "1971-01-01", e.NewValue)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, []string{"stage"}, mem.Events())

	rc.Record(FromCorrection(sampleCorrection(), OutcomeApplied))
	assert.Len(t, mem.Entries(), 1, "records after close are dropped")
	assert.NoError(t, rc.Close())
}

func TestRunContextConcurrentRecords(t *testing.T) {
	mem := NewMemory()
	rc := NewRunContext(mem)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rc.Record(FromCorrection(sampleCorrection(), OutcomeApplied))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rc.Close())
	assert.Len(t, mem.Entries(), 400)
}

type failingSink struct{ closed bool }

func (f *failingSink) Write(Entry) error { return errors.New("disk full") }
func (f *failingSink) Close() error      { f.closed = true; return nil }

func TestRunContextReportsSinkErrorsOnClose(t *testing.T) {
	fs := &failingSink{}
	rc := NewRunContext(fs)
	rc.Record(Entry{Table: "t"})
	rc.Record(Entry{Table: "t"})

	err := rc.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, fs.closed)
}

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewCSV(&buf)
	require.NoError(t, err)

	old := "0000-00-00 00:00:00"
	c := sampleCorrection()
	c.OldValue = &old
	e := FromCorrection(c, OutcomeApplied)
	e.RunID = "run-1"
	e.Time = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Write(e))
	require.NoError(t, s.Write(FromCorrection(sampleCorrection(), OutcomeFailed)))
	require.NoError(t, s.Close())

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{
		"2026-01-02T03:04:05Z", "run-1", "c-1", "g-1", "users", "id", "42",
		"birth_date", old, "1971-01-01", "birth_date", "applied", "",
	}, records[1])
	assert.Equal(t, "NULL", records[2][8])
}

func TestLogSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewLog(&buf)

	e := FromCorrection(sampleCorrection(), OutcomeFailed)
	e.Error = "deadlock"
	require.NoError(t, s.Write(e))
	s.Event("run finished", "run_id", "r1")
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "correction", first["msg"])
	assert.Equal(t, "users", first["table"])
	assert.Equal(t, "deadlock", first["error"])
	assert.Equal(t, "NULL", first["old_value"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "run finished", second["msg"])
}

func TestFilesCreatesSinks(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	sink, paths, err := Files(dir, started, true, true)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "datefix_20260506_070809.log")
	assert.Contains(t, paths[1], "corrections_20260506_070809.csv")

	rc := NewRunContext(sink)
	rc.Record(FromCorrection(sampleCorrection(), OutcomePlanned))
	rc.Event("done")
	require.NoError(t, rc.Close())

	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), "birth_date")
	}

	sink, paths, err = Files(dir, started, false, false)
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.NoError(t, sink.Close())
}
