// Command conductord runs the capture pipeline daemon without the CLI
// wrapper, for init systems that manage the process directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"conductor/internal/config"
	"conductor/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level := *logLevel
	if level == "" {
		level = cfg.Logging.Level
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: level}); err != nil {
		fmt.Fprintf(os.Stderr, "conductord: %v\n", err)
		os.Exit(1)
	}
}
