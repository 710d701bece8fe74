// Package config loads the runtime settings of cubegrid: worker threads,
// swarm peers, logging, format search path and engine defaults. Settings
// come from an optional config file, CUBEGRID_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CUBEGRID"

// Keys of the settings, shared with the flags bound to them.
const (
	KeyThreads        = "threads"
	KeySwarm          = "swarm"
	KeySwarmTimeout   = "swarm_timeout"
	KeyDebug          = "debug"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyFormatDirs     = "format_dirs"
	KeyChunkSize      = "chunk_size"
	KeyMemoSize       = "memo_size"
	KeyBackend        = "backend"
	KeyFailFast       = "fail_fast"
	KeyConnectTimeout = "connect_timeout"
)

// Backends selectable with KeyBackend.
const (
	BackendGDAL = "gdal"
	BackendMem  = "mem"
)

// Settings holds the runtime configuration.
type Settings struct {
	Threads        int           `mapstructure:"threads"`
	Swarm          []string      `mapstructure:"swarm"`
	SwarmTimeout   time.Duration `mapstructure:"swarm_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	FormatDirs     []string      `mapstructure:"format_dirs"`
	ChunkSize      []int         `mapstructure:"chunk_size"`
	MemoSize       int           `mapstructure:"memo_size"`
	Backend        string        `mapstructure:"backend"`
	FailFast       bool          `mapstructure:"fail_fast"`
}

// New returns a viper instance with the defaults and environment binding
// of cubegrid.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyThreads, runtime.NumCPU())
	v.SetDefault(KeySwarm, []string{})
	v.SetDefault(KeySwarmTimeout, 10*time.Minute)
	v.SetDefault(KeyConnectTimeout, 10*time.Second)
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyFormatDirs, []string{})
	v.SetDefault(KeyChunkSize, []int{})
	v.SetDefault(KeyMemoSize, 256)
	v.SetDefault(KeyBackend, BackendGDAL)
	v.SetDefault(KeyFailFast, false)
	return v
}

// Load reads the optional config file into v and decodes the settings.
func Load(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, cubeerr.Configf("failed to load configuration file %s: %v", file, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, cubeerr.Configf("failed to decode settings: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings and normalizes their case.
func (s *Settings) Validate() error {
	var errs []error
	if s.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", s.Threads))
	}
	s.LogLevel = strings.ToLower(s.LogLevel)
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", s.LogLevel))
	}
	s.LogFormat = strings.ToLower(s.LogFormat)
	if s.LogFormat != "text" && s.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", s.LogFormat))
	}
	if len(s.ChunkSize) != 0 && len(s.ChunkSize) != 3 {
		errs = append(errs, fmt.Errorf("chunk size needs [t, y, x], got %d values", len(s.ChunkSize)))
	}
	for _, n := range s.ChunkSize {
		if n < 1 {
			errs = append(errs, fmt.Errorf("chunk size values must be positive, got %v", s.ChunkSize))
			break
		}
	}
	if s.MemoSize < 0 {
		errs = append(errs, fmt.Errorf("memo size must not be negative, got %d", s.MemoSize))
	}
	s.Backend = strings.ToLower(s.Backend)
	if s.Backend != BackendGDAL && s.Backend != BackendMem {
		errs = append(errs, fmt.Errorf("invalid backend %q: must be %q or %q", s.Backend, BackendGDAL, BackendMem))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", cubeerr.ErrConfiguration, err)
	}
	return nil
}

// Level is the effective log level: debug when the debug toggle is on.
func (s *Settings) Level() string {
	if s.Debug {
		return "debug"
	}
	return s.LogLevel
}

// DefaultChunkSize returns the configured chunk size, or the zero size
// when none is configured.
func (s *Settings) DefaultChunkSize() chunk.Size {
	if len(s.ChunkSize) != 3 {
		return chunk.Size{}
	}
	return chunk.Size{T: s.ChunkSize[0], Y: s.ChunkSize[1], X: s.ChunkSize[2]}
}
