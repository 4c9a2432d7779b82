// Package cli builds the scenegrid command tree. Commands are thin: they
// turn flags into an app.Config, construct an app.App, and print what it
// returns. Logs go to the error writer so the output writer carries only
// results.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/specialistvlad/scenegrid/internal/app"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/registry"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitCancelled = 130
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch errs.Classify(err) {
	case errs.KindValidation:
		return ExitUsage
	case errs.KindCancellation:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// options carries the global flags and the injection points used by tests.
type options struct {
	outW, errW io.Writer
	modules    []registry.Module

	configPath      string
	logLevel        string
	logFormat       string
	workers         int
	cacheDir        string
	cacheURL        string
	cacheMaxBytes   int64
	serviceURL      string
	healthcheckPort int
	eventsURL       string
}

// Execute runs the command tree with args. Modules replace the default
// satellite steps when given.
func Execute(ctx context.Context, args []string, outW, errW io.Writer, modules ...registry.Module) error {
	root := NewRootCommand(outW, errW, modules...)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand returns the scenegrid command tree.
func NewRootCommand(outW, errW io.Writer, modules ...registry.Module) *cobra.Command {
	opts := &options{outW: outW, errW: errW, modules: modules}

	root := &cobra.Command{
		Use:   "scenegrid",
		Short: "Cached pipeline engine for satellite imagery",
		Long: `scenegrid runs satellite-imagery pipelines (fetch scene, extract bands,
compute spectral indices, render maps) as a DAG. Every step result is stored
in a content-addressed cache, so repeated and overlapping runs only compute
what changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file.")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&opts.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.IntVar(&opts.workers, "workers", 0, "Number of concurrent workers. Defaults to the number of CPUs.")
	pf.StringVar(&opts.cacheDir, "cache-dir", "", "Cache directory.")
	pf.StringVar(&opts.cacheURL, "cache-url", "", "HTTP object store used as cache instead of a directory.")
	pf.Int64Var(&opts.cacheMaxBytes, "cache-max-bytes", 0, "Cache size bound in bytes. 0 is unbounded.")
	pf.StringVar(&opts.serviceURL, "service-url", "", "Processing service backing the satellite steps.")
	pf.IntVar(&opts.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	pf.StringVar(&opts.eventsURL, "events-url", "", "Socket.IO server receiving run events.")

	registerRunCommand(root, opts)
	registerValidateCommand(root, opts)
	registerStepsCommand(root, opts)
	registerCacheCommand(root, opts)
	return root
}

// config builds the app configuration: file first, then explicitly set
// flags.
func (o *options) config(cmd *cobra.Command) (*app.Config, error) {
	cfg := app.DefaultConfig()
	if o.configPath != "" {
		loaded, err := app.LoadConfig(o.configPath)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") || o.configPath == "" {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") || o.configPath == "" {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir = o.cacheDir
	}
	if flags.Changed("cache-url") {
		cfg.Cache.URL = o.cacheURL
	}
	if flags.Changed("cache-max-bytes") {
		cfg.Cache.MaxBytes = o.cacheMaxBytes
	}
	if flags.Changed("service-url") {
		cfg.ServiceURL = o.serviceURL
	}
	if flags.Changed("healthcheck-port") {
		cfg.HealthcheckPort = o.healthcheckPort
	}
	if flags.Changed("events-url") {
		cfg.Events.URL = o.eventsURL
	}

	validated, err := app.NewConfig(cfg)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return validated, nil
}

// newApp builds the App for one command invocation. The caller closes it.
func (o *options) newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(cmd.Context(), o.errW, cfg, o.modules...)
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return a, nil
}
