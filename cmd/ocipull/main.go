// Command ocipull pulls container images from a Distribution v2 registry
// into a docker save-compatible local tar archive.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ocipull/ocipull/internal/cli"
	"github.com/ocipull/ocipull/internal/telemetry"
)

func main() {
	shutdown, err := telemetry.Setup(context.Background(), "ocipull")
	if err != nil {
		slog.Warn("tracing setup failed, continuing without it", "error", err)
	}

	code := cli.Execute()
	shutdown(context.Background())

	os.Exit(code)
}
