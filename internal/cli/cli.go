// Package cli dispatches segupload's subcommands, modeled on the teacher's
// flag.NewFlagSet-per-subcommand structure (§2.3).
package cli

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"segupload/internal/config"
	"segupload/internal/dbcluster"
	"segupload/internal/logger"
	"segupload/internal/uploader"
)

const version = "segupload 0.1.0-dev"

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[segupload] ")

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "upload":
		return runUpload(args[1:], false)
	case "reprocess":
		return runUpload(args[1:], true)
	case "check-config":
		return runCheckConfig(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println(version)
		return 0
	default:
		log.Printf("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

// sharedFlags is the §2.3 flag set common to upload and reprocess.
type sharedFlags struct {
	clusterConfig      string
	configFile         string
	clusters           string
	providers          string
	workers            int
	reprocessInvalid   bool
	noReprocessInvalid bool
	force              bool
	noForce            bool
	segmentsCollection string
	reprocessFile      string
	statusFile         string
	logDir             string
	logLevel           string
}

func addSharedFlags(fs *flag.FlagSet, f *sharedFlags) {
	fs.StringVar(&f.clusterConfig, "cluster_config", "", "Path to the cluster topology YAML file")
	fs.StringVar(&f.configFile, "config_file", "", "Path to the upload schema YAML file")
	fs.StringVar(&f.clusters, "clusters", "", "Comma-separated cluster names to target (default: all declared clusters)")
	fs.StringVar(&f.providers, "providers", "", "Comma-separated provider names to process (default: all configured providers)")
	fs.IntVar(&f.workers, "workers", 0, "Worker pool size (default: number of clusters)")
	fs.BoolVar(&f.reprocessInvalid, "reprocess_invalid", false, "Reprocess files previously marked invalid")
	fs.BoolVar(&f.noReprocessInvalid, "no-reprocess_invalid", false, "Force reprocess_invalid off, overriding config")
	fs.BoolVar(&f.force, "force", false, "Force reprocessing regardless of persisted completion state")
	fs.BoolVar(&f.noForce, "no-force", false, "Force force off, overriding config")
	fs.StringVar(&f.segmentsCollection, "segments_collection", "", "Collection name for segment file metadata (default: segment_files)")
	fs.StringVar(&f.reprocessFile, "reprocess_file", "", "Comma-separated explicit file paths to reprocess, bypassing discovery")
	fs.StringVar(&f.statusFile, "status_file", "", "Path to a JSON run-status snapshot (optional)")
	fs.StringVar(&f.logDir, "log_dir", "./logs", "Directory for the log file")
	fs.StringVar(&f.logLevel, "log_level", "info", "Log level: debug/info/warn/error")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runUpload(args []string, reprocess bool) int {
	name := "upload"
	if reprocess {
		name = "reprocess"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	f := &sharedFlags{}
	addSharedFlags(fs, f)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Printf("Failed to parse arguments: %v", err)
		return 1
	}
	if f.clusterConfig == "" || f.configFile == "" {
		log.Println("--cluster_config and --config_file are required")
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(f.clusterConfig, f.configFile)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 2
	}

	cfg.ProvidersFilter = splitList(f.providers)
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.segmentsCollection != "" {
		cfg.SegmentsCollection = f.segmentsCollection
	}
	if f.reprocessInvalid {
		cfg.ReprocessInvalid = true
	}
	if f.noReprocessInvalid {
		cfg.ReprocessInvalid = false
	}
	if f.force {
		cfg.Force = true
	}
	if f.noForce {
		cfg.Force = false
	}
	if reprocess {
		cfg.ReprocessFile = splitList(f.reprocessFile)
		if len(cfg.ProvidersFilter) != 1 {
			log.Println("reprocess requires exactly one --providers entry")
			return 2
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("Config validation failed: %v", err)
		return 2
	}

	if err := logger.Init(cfg.ResolvePath(f.logDir), parseLogLevel(f.logLevel), fmt.Sprintf("segupload-%s", name)); err != nil {
		log.Printf("Failed to initialize logging: %v", err)
		return 1
	}
	defer logger.Close()
	log.SetOutput(logger.Writer())

	clusters := splitList(f.clusters)
	statusFile := f.statusFile
	if statusFile != "" {
		statusFile = cfg.ResolvePath(statusFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Console("🚀 segupload %s starting: %d provider(s), %d cluster(s)", name, len(cfg.ActiveProviders()), len(cfg.Clusters))
	return uploader.Run(ctx, cfg, uploader.Options{Clusters: clusters, StatusFile: statusFile, ReprocessRun: reprocess})
}

func runCheckConfig(args []string) int {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var clusterConfig string
	fs.StringVar(&clusterConfig, "cluster_config", "", "Path to the cluster topology YAML file")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Printf("Failed to parse arguments: %v", err)
		return 1
	}
	if clusterConfig == "" {
		fs.Usage()
		return 2
	}

	// check-config only needs cluster topology; give it an empty upload
	// schema stand-in isn't possible since config.Load requires both
	// documents, so this command loads the cluster file directly.
	cfg, err := config.LoadClusters(clusterConfig)
	if err != nil {
		log.Printf("Failed to load cluster_config: %v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	for name, clusterCfg := range cfg {
		c, err := dbcluster.Get(ctx, name, clusterCfg, logger.StdLogger{})
		if err != nil {
			log.Printf("cluster %q: connect failed: %v", name, err)
			exitCode++
			continue
		}
		diffs, err := c.CheckConfig(ctx)
		if err != nil {
			log.Printf("cluster %q: check failed: %v", name, err)
			exitCode++
			continue
		}
		if len(diffs) == 0 {
			log.Printf("cluster %q: OK", name)
			continue
		}
		exitCode++
		for _, d := range diffs {
			log.Printf("cluster %q: %s", name, d)
		}
	}
	return exitCode
}

func parseLogLevel(s string) logger.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func printUsage() {
	binary := filepath.Base(os.Args[0])
	fmt.Printf(`segupload - multi-cluster segment file bulk upload engine

Usage:
  %[1]s <command> [options]

Available commands:
  upload        Discover and upload segment files continuously
  reprocess     Upload explicit file paths, bypassing discovery
  check-config  Diff declared cluster topology against the live clusters
  help          Show this help
  version       Show version info

Examples:
  %[1]s upload --cluster_config clusters.yaml --config_file upload.yaml
  %[1]s reprocess --cluster_config clusters.yaml --config_file upload.yaml --providers liveramp --reprocess_file /data/seg1.tsv.gz
  %[1]s check-config --cluster_config clusters.yaml
`, binary)
}
