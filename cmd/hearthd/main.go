// Command hearthd runs the hearthd automation runtime: it loads the
// configuration, wires the supervisor and blocks until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearthd/hearthd"
	"github.com/hearthd/hearthd/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("c", "", "configuration directory")
	configFile := flag.String("C", "", "configuration file (overrides -c)")
	useTOML := flag.Bool("toml", false, "resolve hearthd.toml instead of hearthd.yaml in the configuration directory")
	timewarp := flag.Float64("t", 0, "advance the scheduler clock at this multiple of real time")
	startTime := flag.String("s", "", "virtual start time (YYYY-MM-DD HH:MM:SS)")
	endTime := flag.String("e", "", "virtual end time (YYYY-MM-DD HH:MM:SS)")
	logLevel := flag.String("D", "", "log level (DEBUG, INFO, WARNING, ERROR)")
	flag.Parse()

	path := *configFile
	if path == "" {
		dir := *configDir
		if dir == "" {
			dir = "."
		}
		name := "hearthd.yaml"
		if *useTOML {
			name = "hearthd.toml"
		}
		path = filepath.Join(dir, name)
	}

	cfg, httpCfg, err := hearthd.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hearthd:", err)
		return 1
	}

	// Command-line flags win over the file and environment.
	if *timewarp > 0 {
		cfg.Timewarp = *timewarp
	}
	if *startTime != "" {
		cfg.StartTime = *startTime
	}
	if *endTime != "" {
		cfg.EndTime = *endTime
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "hearthd:", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel)
	sup := hearthd.NewSupervisor(logger)
	sup.InitSignals()

	if err := sup.Run(context.Background(), cfg, httpCfg); err != nil {
		logger.Error("Runtime failed", "error", err)
		return 1
	}
	return 0
}
