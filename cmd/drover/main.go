// ABOUTME: CLI entrypoint for the drover run orchestrator with serve mode and signal handling.
// ABOUTME: Wires together the store, engine, LLM capability, and HTTP API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389-research/drover/config"
	"github.com/2389-research/drover/engine"
	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
	"github.com/2389-research/drover/web"
)

var version = "dev"

// cliFlags holds the command-line options layered on top of the config file.
type cliFlags struct {
	configPath  string
	dbPath      string
	httpAddr    string
	poolSize    int
	showVersion bool
}

func main() {
	loadDotEnv(".env")

	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("drover %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(flags))
}

// parseFlags parses command-line flags and returns the populated struct.
func parseFlags() cliFlags {
	var flags cliFlags

	fs := flag.NewFlagSet("drover", flag.ContinueOnError)
	fs.StringVar(&flags.configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.StringVar(&flags.httpAddr, "addr", "", "HTTP listen address (overrides config)")
	fs.IntVar(&flags.poolSize, "pool", 0, "Worker pool size (overrides config)")
	fs.BoolVar(&flags.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return flags
}

// run wires up and serves until interrupted. Returns the process exit code.
func run(flags cliFlags) int {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.httpAddr != "" {
		cfg.HTTPAddr = flags.httpAddr
	}
	if flags.poolSize > 0 {
		cfg.Engine.PoolSize = flags.poolSize
	}

	client, err := llm.NewClient(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	engineCfg := engine.DefaultConfig()
	engineCfg.PoolSize = cfg.Engine.PoolSize
	engineCfg.StepTimeout = cfg.Engine.StepTimeout
	engineCfg.MaxAttempts = cfg.Engine.MaxAttempts
	engineCfg.RetryBackoff = cfg.Engine.RetryBackoff
	engineCfg.ClaimInterval = cfg.Engine.ClaimInterval
	engineCfg.RecoveryInterval = cfg.Engine.RecoveryInterval
	engineCfg.RecoveryThreshold = cfg.Engine.RecoveryThreshold
	engineCfg.StaleInterval = cfg.Engine.StaleInterval
	engineCfg.StaleThreshold = cfg.Engine.StaleThreshold

	eng, err := engine.New(engineCfg, st, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	server := web.NewServer(cfg.HTTPAddr, st, eng, client)
	if err := server.ListenAndServe(ctx); err != nil {
		log.Printf("http server error error=%v", err)
		return 1
	}
	return 0
}
