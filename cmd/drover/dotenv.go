// ABOUTME: Minimal .env loader so OPENAI_API_KEY and DROVER_* settings travel with a checkout.
// ABOUTME: Real environment variables always win; the file only fills in what is unset.
package main

import (
	"os"
	"strings"
)

// loadDotEnv applies KEY=VALUE lines from path to the environment, skipping
// keys that are already set. A missing file is fine. Accepted line forms:
// comments (#), blank lines, an optional "export " prefix, and single- or
// double-quoted values.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

// unquote strips one layer of matching single or double quotes.
func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
