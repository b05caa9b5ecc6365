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

package common

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pgedge/datefix/pkg/logger"
)

// ParseList splits a comma separated flag value, dropping blanks and
// duplicates. "all" and "" both mean no restriction.
func ParseList(value any) ([]string, error) {
	var list []string

	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.EqualFold(strings.TrimSpace(v), "all") {
			return nil, nil
		}
		for _, s := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(s)
			if trimmed != "" {
				list = append(list, trimmed)
			}
		}
	case []string:
		for _, s := range v {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				list = append(list, trimmed)
			}
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list entries must be strings, got %T", item)
			}
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				list = append(list, trimmed)
			}
		}
	default:
		return nil, fmt.Errorf("list must be a string or string slice")
	}

	if len(list) > 0 {
		seen := make(map[string]bool)
		unique := []string{}

		for _, item := range list {
			if _, ok := seen[item]; !ok {
				seen[item] = true
				unique = append(unique, item)
			}
		}

		if len(unique) < len(list) {
			logger.Info("Ignoring duplicate table names")
			list = unique
		}
	}

	return list, nil
}

// ReadListFile reads one entry per line, ignoring blank lines and # comments.
func ReadListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list file %s: %w", path, err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list file %s: %w", path, err)
	}
	return entries, nil
}

// FilterTables keeps tables named in include (all when empty) that are not
// named in skip. Order of tables is preserved.
func FilterTables(tables, include, skip []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if len(include) > 0 && !Contains(include, t) {
			continue
		}
		if Contains(skip, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func Contains(slice []string, value string) bool {
	return slices.Contains(slice, value)
}

func SafeCut(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func DiffStringSlices(a, b []string) (missing, extra []string) {
	aMap := make(map[string]struct{}, len(a))
	for _, s := range a {
		aMap[s] = struct{}{}
	}

	bMap := make(map[string]struct{}, len(b))
	for _, s := range b {
		bMap[s] = struct{}{}
	}

	for _, s := range a {
		if _, found := bMap[s]; !found {
			missing = append(missing, s)
		}
	}

	for _, s := range b {
		if _, found := aMap[s]; !found {
			extra = append(extra, s)
		}
	}

	return missing, extra
}
