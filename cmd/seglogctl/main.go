package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/seglog-io/seglog/internal/config"
	"github.com/seglog-io/seglog/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("seglogctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "inspect":
		runInspect(os.Args[2:])
	case "config-check":
		runConfigCheck(os.Args[2:])
	case "version":
		fmt.Printf("seglogctl version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: seglogctl <command> [options]

Commands:
  inspect       Decode segment headers and tails from a raw device image
  config-check  Validate a configuration file and print effective values
  version       Print version information

Run 'seglogctl <command> --help' for more information on a command.`)
}

func runConfigCheck(args []string) {
	fs := flag.NewFlagSet("config-check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")

	fs.Usage = func() {
		fmt.Println(`Usage: seglogctl config-check [options]

Load and validate a seglog configuration file.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config-check: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	nodeID := uuid.NewString()
	logging.Global().Named("seglogctl").Infof("configuration valid", map[string]any{
		"nodeId": nodeID,
	})

	fmt.Printf("cleaner:\n")
	fmt.Printf("  targetJournalDirtyBytes:     %d\n", cfg.Cleaner.TargetJournalDirtyBytes)
	fmt.Printf("  targetJournalAllocBytes:     %d\n", cfg.Cleaner.TargetJournalAllocBytes)
	fmt.Printf("  journalTailLimitBytes:       %d\n", cfg.Cleaner.JournalTailLimitBytes)
	fmt.Printf("  rewriteDirtyBytesPerCycle:   %d\n", cfg.Cleaner.RewriteDirtyBytesPerCycle)
	fmt.Printf("  rewriteBackrefBytesPerCycle: %d\n", cfg.Cleaner.RewriteBackrefBytesPerCycle)
	fmt.Printf("  reclaimBytesPerCycle:        %d\n", cfg.Cleaner.ReclaimBytesPerCycle)
	fmt.Printf("  availableRatioGcStart:       %v\n", cfg.Cleaner.AvailableRatioGCStart)
	fmt.Printf("  availableRatioHardLimit:     %v\n", cfg.Cleaner.AvailableRatioHardLimit)
	fmt.Printf("  detailedSpaceTracking:       %v\n", cfg.Cleaner.DetailedSpaceTracking)
	fmt.Printf("observability:\n")
	fmt.Printf("  metricsAddr: %s\n", cfg.Observability.MetricsAddr)
	fmt.Printf("  logLevel:    %s\n", cfg.Observability.LogLevel)
	fmt.Printf("  logFormat:   %s\n", cfg.Observability.LogFormat)
}
