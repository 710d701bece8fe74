package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vk/cubegrid/internal/app"
	"github.com/vk/cubegrid/internal/config"
	"github.com/vk/cubegrid/internal/cubeerr"
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

// Options configure the command tree.
type Options struct {
	// Out receives command output and help text.
	Out io.Writer
	// Log receives the structured logs; nil means stderr.
	Log io.Writer
	// AppOptions are passed to every App the commands create.
	AppOptions []app.Option
}

// root carries the state shared by all commands of one invocation.
type root struct {
	opts       Options
	v          *viper.Viper
	configFile string
	app        *app.App
}

// flagKeys binds persistent flags to setting keys.
var flagKeys = map[string]string{
	"threads":         config.KeyThreads,
	"swarm":           config.KeySwarm,
	"swarm-timeout":   config.KeySwarmTimeout,
	"connect-timeout": config.KeyConnectTimeout,
	"debug":           config.KeyDebug,
	"log-level":       config.KeyLogLevel,
	"log-format":      config.KeyLogFormat,
	"format-dir":      config.KeyFormatDirs,
	"chunk-size":      config.KeyChunkSize,
	"memo-size":       config.KeyMemoSize,
	"backend":         config.KeyBackend,
	"fail-fast":       config.KeyFailFast,
}

// NewRootCommand builds the cubegrid command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Log == nil {
		opts.Log = os.Stderr
	}
	r := &root{opts: opts, v: config.New()}

	command := &cobra.Command{
		Use:   "cubegrid",
		Short: "On-demand data cubes from collections of satellite images",
		Long: `cubegrid indexes collections of satellite images and evaluates lazy
data cube pipelines over them chunk by chunk, locally or on a swarm of
remote workers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(r.v, r.configFile)
			if err != nil {
				return err
			}
			r.app = app.New(r.opts.Log, settings, r.opts.AppOptions...)
			return nil
		},
	}
	command.SetOut(opts.Out)
	command.SetErr(opts.Out)
	command.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Message: err.Error()}
	})

	pf := command.PersistentFlags()
	pf.StringVar(&r.configFile, "config", "", "Path to a config file (yaml, json or toml).")
	pf.Int("threads", runtime.NumCPU(), "Number of concurrent chunk workers.")
	pf.StringSlice("swarm", nil, "Addresses of remote workers, e.g. http://host:8080. Empty evaluates locally.")
	pf.Duration("swarm-timeout", 10*time.Minute, "Time limit of a single remote chunk task.")
	pf.Duration("connect-timeout", 10*time.Second, "Time limit of the connection to each remote worker.")
	pf.Bool("debug", false, "Enable verbose diagnostics (log level debug).")
	pf.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringSlice("format-dir", nil, "Directories searched for collection format files.")
	pf.IntSlice("chunk-size", nil, "Default chunk size as t,y,x for cubes that declare none.")
	pf.Int("memo-size", 256, "Number of chunks memoized per evaluation; 0 disables the memo.")
	pf.String("backend", config.BackendGDAL, "Raster backend. Options: 'gdal' or 'mem'.")
	pf.Bool("fail-fast", false, "Stop scheduling chunks after the first failure.")
	for name, key := range flagKeys {
		if err := r.v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	command.AddCommand(
		newFormatsCommand(r),
		newIndexCommand(r),
		newAddCommand(r),
		newInfoCommand(r),
		newViewCommand(r),
		newRunCommand(r),
		newWorkerCommand(r),
		newVersionCommand(r),
	)
	return command
}

// usage turns argument validation failures into usage errors.
func usage(args cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := args(cmd, a); err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		return nil
	}
}

// Execute runs the command line and maps failures to exit codes: 2 for
// usage and configuration errors, 1 for everything else.
func Execute(ctx context.Context, args []string, opts Options) error {
	command := NewRootCommand(opts)
	command.SetArgs(args)
	err := command.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if errors.Is(err, cubeerr.ErrConfiguration) {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	return &ExitError{Code: 1, Message: err.Error()}
}
