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

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pgedge/datefix/internal/cli"
	"github.com/pgedge/datefix/pkg/config"
	"github.com/pgedge/datefix/pkg/logger"
)

const configEnvVar = "DATEFIX_CONFIG"

func main() {
	if !shouldSkipConfig(os.Args[1:]) {
		cfgPath := findConfig()
		if cfgPath == "" {
			logger.Fatal("config file 'datefix.yaml' not found (run 'datefix config init' or set %s)", configEnvVar)
		}

		if err := config.Init(cfgPath); err != nil {
			logger.Fatal("loading config (%s): %v", cfgPath, err)
		}
	}

	app := cli.SetupCLI()
	if err := app.Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

// findConfig returns the first existing config file in order of
// precedence: $DATEFIX_CONFIG, ./datefix.yaml,
// ~/.config/datefix/datefix.yaml, /etc/datefix/datefix.yaml.
func findConfig() string {
	var potentialPaths []string
	if envPath := os.Getenv(configEnvVar); envPath != "" {
		potentialPaths = append(potentialPaths, envPath)
	}

	potentialPaths = append(potentialPaths, "datefix.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		potentialPaths = append(potentialPaths, filepath.Join(home, ".config", "datefix", "datefix.yaml"))
	}
	potentialPaths = append(potentialPaths, "/etc/datefix/datefix.yaml")

	for _, p := range potentialPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func shouldSkipConfig(args []string) bool {
	if len(args) == 0 {
		return true
	}

	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" || arg == "--version" {
			return true
		}
	}

	var commandPath []string
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		commandPath = append(commandPath, arg)
		if len(commandPath) >= 2 {
			break
		}
	}

	if len(commandPath) == 0 {
		return true
	}

	if commandPath[0] == "config" {
		return len(commandPath) == 1 || commandPath[1] == "init"
	}
	return false
}
