// Package config resolves ocipull's runtime configuration from parsed
// cobra flags. There are no environment variables (spec.md §6): flags are
// the only input, read once by FromCommand and validated before the pull
// orchestrator ever runs.
package config

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// Options controls one ocipull invocation.
type Options struct {
	References []string

	OutputDir string
	SaveCache bool

	RegistryHost  string
	Username      string
	Password      string
	StdinPassword bool

	Platform string // "os/arch"; empty selects every platform in an index

	Silent  bool
	Verbose bool
}

// LogLevel derives the slog level Silent/Verbose imply: Verbose wins if
// both were somehow set (Validate rejects that combination first).
func (o Options) LogLevel() slog.Level {
	switch {
	case o.Verbose:
		return slog.LevelDebug
	case o.Silent:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// ShowProgress reports whether a progress indicator should render; both
// --silent and --verbose disable it (spec.md §6).
func (o Options) ShowProgress() bool {
	return !o.Silent && !o.Verbose
}

// Validate checks the mutual-exclusion rules spec.md §6 lists for the flag
// set: --silent/--verbose, and --password/--stdin-password.
func (o Options) Validate() error {
	if o.Silent && o.Verbose {
		return fmt.Errorf("--silent and --verbose are mutually exclusive")
	}
	if o.Password != "" && o.StdinPassword {
		return fmt.Errorf("--password and --stdin-password are mutually exclusive")
	}
	if len(o.References) == 0 {
		return fmt.Errorf("at least one image reference is required")
	}
	return nil
}

// FromCommand builds Options from cmd's bound flags and its positional
// args (the image references).
func FromCommand(cmd *cobra.Command, args []string) (Options, error) {
	flags := cmd.Flags()

	output, err := flags.GetString("output")
	if err != nil {
		return Options{}, err
	}
	saveCache, err := flags.GetBool("save-cache")
	if err != nil {
		return Options{}, err
	}
	registryHost, err := flags.GetString("registry")
	if err != nil {
		return Options{}, err
	}
	user, err := flags.GetString("user")
	if err != nil {
		return Options{}, err
	}
	password, err := flags.GetString("password")
	if err != nil {
		return Options{}, err
	}
	stdinPassword, err := flags.GetBool("stdin-password")
	if err != nil {
		return Options{}, err
	}
	platform, err := flags.GetString("platform")
	if err != nil {
		return Options{}, err
	}
	silent, err := flags.GetBool("silent")
	if err != nil {
		return Options{}, err
	}
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return Options{}, err
	}

	if platform == "" {
		platform = "linux/" + runtime.GOARCH
	}
	registryHost = strings.TrimPrefix(strings.TrimPrefix(registryHost, "https://"), "http://")

	opts := Options{
		References:    args,
		OutputDir:     output,
		SaveCache:     saveCache,
		RegistryHost:  registryHost,
		Username:      user,
		Password:      password,
		StdinPassword: stdinPassword,
		Platform:      platform,
		Silent:        silent,
		Verbose:       verbose,
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
