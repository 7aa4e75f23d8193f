package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kiwiql/kiwi/internal/cli/kiwictl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("KIWI_CLI_TIMEOUT")), 10*time.Second)
	options := kiwictl.Options{
		BaseURL: envOr("KIWI_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("KIWI_API_KEY")),
		UserID:  strings.TrimSpace(os.Getenv("KIWI_USER_ID")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := kiwictl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid KIWI_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
