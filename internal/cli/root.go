// Package cli implements the cobra command tree for ocipull.
//
// It follows the ExitError{Code, Err} pattern from hupe1980-chart2kro's
// internal/cli package, with configuration and logging set up in the one
// command's RunE: flag parsing failures exit 2, runtime failures exit 1,
// success exits 0.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/term"
	"github.com/spf13/cobra"

	"github.com/ocipull/ocipull/internal/config"
	"github.com/ocipull/ocipull/internal/logging"
	"github.com/ocipull/ocipull/internal/orchestrator"
	"github.com/ocipull/ocipull/internal/registry"
)

// ExitError wraps an error with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute builds the command tree, runs it, and returns the process exit
// code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}

// NewRootCommand builds the "ocipull <refs...>" command with every flag
// from spec.md §6.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocipull <reference>...",
		Short: "Pull container images into a docker save-compatible archive",
		Long: `ocipull pulls one or more container images directly from a
Distribution v2 registry (Docker Hub, GHCR, quay.io, or any OCI-compliant
registry) and assembles each into a single local tar archive whose byte
layout matches the output of "docker save" — loadable into any local
container runtime without further network access.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPull,
	}

	flags := cmd.Flags()
	flags.StringP("output", "o", "output", "parent directory for scratch directories and archives")
	flags.Bool("save-cache", false, "keep each image's scratch directory after a successful pull")
	flags.StringP("registry", "r", "", "registry host the --user/--password credentials apply to")
	flags.StringP("user", "u", "", "basic auth username")
	flags.StringP("password", "p", "", "basic auth password")
	flags.BoolP("stdin-password", "P", false, "read the basic auth password from a TTY prompt or a single line of stdin")
	flags.String("platform", "", "platform to select from a multi-arch image, as os/arch (default linux/<host-arch>)")
	flags.BoolP("silent", "s", false, "suppress info and debug logging and the progress indicator")
	flags.BoolP("verbose", "v", false, "enable debug logging; also disables the progress indicator")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Err: err}
	})

	return cmd
}

func runPull(cmd *cobra.Command, args []string) error {
	opts, err := config.FromCommand(cmd, args)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	if opts.StdinPassword {
		password, err := readPassword()
		if err != nil {
			return &ExitError{Code: 2, Err: fmt.Errorf("reading password: %w", err)}
		}
		opts.Password = password
	}

	logger := logging.Setup(cmd.ErrOrStderr(), opts.LogLevel())

	var progress registry.Progress = registry.NoopProgress{}
	if opts.ShowProgress() {
		progress = registry.NewLogProgress(logger, 0)
	}

	puller := orchestrator.New(orchestrator.Options{
		OutputDir: opts.OutputDir,
		SaveCache: opts.SaveCache,
		Platform:  opts.Platform,
		TLS:       true,
		Credential: orchestrator.Credentials{
			Host:     opts.RegistryHost,
			Username: opts.Username,
			Password: opts.Password,
		},
	}, logger, progress)

	ctx := cmd.Context()
	var failed int
	for _, ref := range opts.References {
		paths, err := puller.Pull(ctx, ref)
		if err != nil {
			logger.Error("pull failed", "reference", ref, "error", err)
			failed++
			continue
		}
		for _, path := range paths {
			logger.Info("wrote archive", "reference", ref, "path", path)
		}
	}

	if failed > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d references failed", failed, len(opts.References))}
	}
	return nil
}

// readPassword reads a password from an interactive TTY (no job-control
// echo suppression attempted here — moby/term is used only to detect the
// TTY so the right prompt is shown) or, when stdin is piped, a single
// trimmed line.
func readPassword() (string, error) {
	if term.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, "Password: ")
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
