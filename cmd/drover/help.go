// ABOUTME: Help display for the drover CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for usage output including API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, examples, and environment status.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "drover %s - multi-instance AI run orchestrator\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  drover [-config drover.yaml]        Start the orchestrator and HTTP API")
	fmt.Fprintln(w, "  drover -version                     Print version and exit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <file>   Path to YAML config file")
	fmt.Fprintln(w, "  -db <path>       SQLite database path (overrides config)")
	fmt.Fprintln(w, "  -addr <addr>     HTTP listen address (overrides config)")
	fmt.Fprintln(w, "  -pool <n>        Worker pool size (overrides config)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  OPENAI_API_KEY          "+envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w, "  DROVER_LLM_PROVIDER     LLM provider: openai (default) or scripted")
	fmt.Fprintln(w, "  DROVER_*                Any config key, e.g. DROVER_POOL_SIZE, DROVER_STEP_TIMEOUT")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  drover -db runs.db -addr :8340")
	fmt.Fprintln(w, "  DROVER_POOL_SIZE=8 drover -config prod.yaml")
}

// envStatus reports whether an environment variable is set, without leaking its value.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "set"
	}
	return "not set"
}
