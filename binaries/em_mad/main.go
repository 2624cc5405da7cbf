// em_mad is the execution manager driver process. It reads scheduler
// requests on stdin and writes responses and job state callbacks on stdout.
// Logs go to stderr or to --log_file, never to stdout.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/metagrid/gwmad/common"
	"github.com/metagrid/gwmad/common/endpoints"
	gwerrors "github.com/metagrid/gwmad/common/errors"
	"github.com/metagrid/gwmad/common/log/hooks"
	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	_ "github.com/metagrid/gwmad/drm/cloud"
	_ "github.com/metagrid/gwmad/drm/cream"
	_ "github.com/metagrid/gwmad/drm/fork"
	_ "github.com/metagrid/gwmad/drm/pbs"
	_ "github.com/metagrid/gwmad/drm/slurm"
	"github.com/metagrid/gwmad/mad"
	"github.com/metagrid/gwmad/registry"
)

type options struct {
	config           string
	logLevel         string
	logFile          string
	httpAddr         string
	minWorkers       int
	maxWorkers       int
	callbackInterval time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("em_mad exiting")
	}
	os.Exit(int(exitCode(err)))
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "em_mad",
		Short:         "em_mad submits and tracks jobs on the configured resources",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := setupLogging(opts.logLevel, opts.logFile)
			if err != nil {
				return gwerrors.NewError(err, gwerrors.StartupFailureExitCode)
			}
			if closer != nil {
				defer closer.Close()
			}
			return run(cmd.Context(), opts, stdin, stdout)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.config, "config", "", "Resource configuration file (default $GWMAD_DIR/etc/resources.json)")
	f.StringVar(&opts.logLevel, "log_level", "info", "Log everything at this level and above (error|warn|info|debug)")
	f.StringVar(&opts.logFile, "log_file", "", "Append logs to this file instead of stderr")
	f.StringVar(&opts.httpAddr, "http_addr", "", "Serve /health and /admin/metrics.json on this address, ex. localhost:9091")
	f.IntVar(&opts.minWorkers, "min_workers", common.DefaultMinWorkers, "Workers kept alive for POLL and CANCEL")
	f.IntVar(&opts.maxWorkers, "max_workers", common.DefaultMaxWorkers, "Upper bound on workers for POLL and CANCEL")
	f.DurationVar(&opts.callbackInterval, "callback_interval", common.DefaultCallbackInterval, "Time between job state reconciliation passes")
	return cmd
}

// setupLogging configures the global logger. The returned closer, if any,
// is the log file.
func setupLogging(level, file string) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	log.AddHook(hooks.NewContextHook())
	if file == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return f, nil
}

func run(ctx context.Context, opts *options, stdin io.Reader, stdout io.Writer) error {
	path := opts.config
	if path == "" {
		var err error
		if path, err = common.DefaultResourcesFile(); err != nil {
			return gwerrors.NewError(err, gwerrors.StartupFailureExitCode)
		}
	}

	stat := endpoints.MakeStatsReceiver("em_mad").Precision(time.Millisecond)
	if opts.httpAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := endpoints.NewTwitterServer(opts.httpAddr, stat).Serve(srvCtx); err != nil {
				log.WithFields(log.Fields{
					"addr": opts.httpAddr,
					"err":  err,
				}).Error("Admin HTTP server failed")
			}
		}()
	}

	log.WithFields(log.Fields{
		"config":            path,
		"lrms":              drm.Kinds(),
		"min_workers":       opts.minWorkers,
		"max_workers":       opts.maxWorkers,
		"callback_interval": opts.callbackInterval,
	}).Info("Starting em_mad")

	provider := resconfig.NewFileProvider(path, drm.Kinds())
	resources := registry.NewResources(provider, nil, stat.Scope("registry"))
	engine := mad.NewEngine(mad.Config{
		MinWorkers:       opts.minWorkers,
		MaxWorkers:       opts.maxWorkers,
		CallbackInterval: opts.callbackInterval,
	}, resources, stdout, stat.Scope("engine"))
	return engine.Serve(ctx, stdin)
}

// exitCode maps err to the process exit status. Errors that carry no code
// happened before serving started.
func exitCode(err error) gwerrors.ExitCode {
	if err == nil {
		return gwerrors.SuccessExitCode
	}
	var e *gwerrors.ExitCodeError
	if errors.As(err, &e) {
		return e.GetExitCode()
	}
	return gwerrors.StartupFailureExitCode
}
