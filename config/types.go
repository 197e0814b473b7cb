package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/daas/pkg/paths"
	"github.com/mitchellh/mapstructure"
)

// Config is the daas.yml configuration shared by every instance of a cluster.
// Instance-specific values (instance id, compute mode) are normally supplied
// through the environment instead of the shared file.
type Config struct {
	Version  string         `yaml:"version" json:"version,omitempty" mapstructure:"version" jsonschema:"description=Configuration version (e.g. '1.0')"`
	Instance InstanceConfig `yaml:"instance" json:"instance,omitempty" mapstructure:"instance"`
	Storage  StorageConfig  `yaml:"storage" json:"storage,omitempty" mapstructure:"storage"`
	Limits   LimitsConfig   `yaml:"limits" json:"limits,omitempty" mapstructure:"limits"`
	Lock     LockConfig     `yaml:"lock" json:"lock,omitempty" mapstructure:"lock"`
	Runner   RunnerConfig   `yaml:"runner" json:"runner,omitempty" mapstructure:"runner"`
	Tools    []ToolConfig   `yaml:"tools" json:"tools,omitempty" mapstructure:"tools" jsonschema:"description=Diagnostic tools available to sessions"`

	// Extensions holds every top-level section this package does not know
	// about (e.g. `logging`). Decode them with UnmarshalExtension.
	Extensions map[string]interface{} `yaml:"-" json:"-" mapstructure:",remain"`
}

// InstanceConfig identifies the local compute instance.
type InstanceConfig struct {
	// ID is this instance's identifier as it appears in a session's target list.
	// Falls back to COMPUTERNAME and then the hostname.
	ID string `yaml:"id" json:"id,omitempty" mapstructure:"id" env:"DAAS_INSTANCE_ID"`
	// ComputeMode, when set, must be "Dedicated" for submissions to be accepted.
	ComputeMode string `yaml:"compute_mode" json:"compute_mode,omitempty" mapstructure:"compute_mode" env:"DAAS_COMPUTE_MODE"`
}

// StorageConfig locates the shared store and artifact backends.
type StorageConfig struct {
	// Root is the shared directory holding active/ and completed/.
	Root string `yaml:"root" json:"root,omitempty" mapstructure:"root" env:"DAAS_STORAGE_ROOT" jsonschema:"description=Shared directory holding the active and completed session records"`
	// LogsDir holds collected artifacts, <logs>/<session>/<instance>/.
	LogsDir string `yaml:"logs_dir" json:"logs_dir,omitempty" mapstructure:"logs_dir" env:"DAAS_LOGS_DIR"`
	// ReportsDir holds analyzer output, <reports>/<session>/<log start>/.
	ReportsDir string `yaml:"reports_dir" json:"reports_dir,omitempty" mapstructure:"reports_dir" env:"DAAS_REPORTS_DIR"`
	// BlobSasURI is the container SAS URI used by storage-backed tools.
	BlobSasURI string `yaml:"blob_sas_uri" json:"blob_sas_uri,omitempty" mapstructure:"blob_sas_uri" env:"DAAS_STORAGE_SASURI"`
	// ScmHostName is stamped into sessions and used to build artifact URLs
	// for tools that keep artifacts on the shared file system.
	ScmHostName string `yaml:"scm_host_name" json:"scm_host_name,omitempty" mapstructure:"scm_host_name" env:"DAAS_SCM_HOST_NAME"`
	// IncludeSASURI makes every session read carry artifact URLs, with the
	// SAS for storage-backed tools.
	IncludeSASURI bool `yaml:"include_sas_uri,omitempty" json:"include_sas_uri,omitempty" mapstructure:"include_sas_uri" env:"DAAS_INCLUDE_SAS_URI"`
}

// LimitsConfig rate-limits automation-triggered submissions.
type LimitsConfig struct {
	MaxSessionsPerDay   int           `yaml:"max_sessions_per_day" json:"max_sessions_per_day,omitempty" mapstructure:"max_sessions_per_day" env:"DAAS_MAX_SESSIONS_PER_DAY" jsonschema:"minimum=0"`
	MaxSessionsInPeriod int           `yaml:"max_sessions_in_period" json:"max_sessions_in_period,omitempty" mapstructure:"max_sessions_in_period" env:"DAAS_MAX_SESSIONS_IN_PERIOD" jsonschema:"minimum=0"`
	Period              time.Duration `yaml:"period" json:"period,omitempty" mapstructure:"period" env:"DAAS_SESSION_PERIOD"`
}

// LockConfig tunes session lock acquisition.
type LockConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval,omitempty" mapstructure:"retry_interval" env:"DAAS_LOCK_RETRY_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts,omitempty" mapstructure:"max_attempts" env:"DAAS_LOCK_MAX_ATTEMPTS" jsonschema:"minimum=0"`
}

// RunnerConfig controls the per-instance polling runner.
type RunnerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval,omitempty" mapstructure:"poll_interval" env:"DAAS_POLL_INTERVAL"`
	// OrphanTimeout is how long after a session starts targets that never
	// checked in are marked complete with an error.
	OrphanTimeout time.Duration `yaml:"orphan_timeout" json:"orphan_timeout,omitempty" mapstructure:"orphan_timeout" env:"DAAS_ORPHAN_TIMEOUT"`
	// MaxSessionDuration forces a TimedOut completion of a session still active after this long.
	MaxSessionDuration time.Duration `yaml:"max_session_duration" json:"max_session_duration,omitempty" mapstructure:"max_session_duration" env:"DAAS_MAX_SESSION_DURATION"`
	// Watch enables filesystem notifications on the active directory in
	// addition to polling.
	Watch *bool `yaml:"watch,omitempty" json:"watch,omitempty" mapstructure:"watch"`
}

// ToolConfig declares a diagnostic tool backed by external commands.
type ToolConfig struct {
	Name            string         `yaml:"name" json:"name" mapstructure:"name" jsonschema:"required,minLength=1"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	RequiresStorage bool           `yaml:"requires_storage,omitempty" json:"requires_storage,omitempty" mapstructure:"requires_storage"`
	Collector       *CommandConfig `yaml:"collector" json:"collector,omitempty" mapstructure:"collector"`
	Analyzer        *CommandConfig `yaml:"analyzer,omitempty" json:"analyzer,omitempty" mapstructure:"analyzer"`
}

// CommandConfig is an external program run by a collector or analyzer.
type CommandConfig struct {
	Command string        `yaml:"command" json:"command" mapstructure:"command" jsonschema:"required,minLength=1"`
	Args    []string      `yaml:"args,omitempty" json:"args,omitempty" mapstructure:"args"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`
	// Include/Exclude are .dockerignore-style patterns selecting which files
	// in the output directory are reported.
	Include []string `yaml:"include,omitempty" json:"include,omitempty" mapstructure:"include"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty" mapstructure:"exclude"`
}

// Default values, matching what long-running clusters have settled on.
const (
	DefaultMaxSessionsPerDay   = 10
	DefaultMaxSessionsInPeriod = 3
	DefaultPeriod              = 30 * time.Minute
	DefaultLockRetryInterval   = time.Second
	DefaultLockMaxAttempts     = 60
	DefaultPollInterval        = 30 * time.Second
	DefaultOrphanTimeout       = 15 * time.Minute
	DefaultMaxSessionDuration  = 60 * time.Minute
	DefaultCommandTimeout      = 15 * time.Minute
)

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Storage.Root == "" {
		if dataDir := paths.DataDir(); dataDir != "" {
			c.Storage.Root = filepath.Join(dataDir, "sessions")
		}
	}
	if c.Storage.LogsDir == "" && c.Storage.Root != "" {
		c.Storage.LogsDir = filepath.Join(c.Storage.Root, "logs")
	}
	if c.Storage.ReportsDir == "" && c.Storage.Root != "" {
		c.Storage.ReportsDir = filepath.Join(c.Storage.Root, "reports")
	}
	if c.Limits.MaxSessionsPerDay == 0 {
		c.Limits.MaxSessionsPerDay = DefaultMaxSessionsPerDay
	}
	if c.Limits.MaxSessionsInPeriod == 0 {
		c.Limits.MaxSessionsInPeriod = DefaultMaxSessionsInPeriod
	}
	if c.Limits.Period == 0 {
		c.Limits.Period = DefaultPeriod
	}
	if c.Lock.RetryInterval == 0 {
		c.Lock.RetryInterval = DefaultLockRetryInterval
	}
	if c.Lock.MaxAttempts == 0 {
		c.Lock.MaxAttempts = DefaultLockMaxAttempts
	}
	if c.Runner.PollInterval == 0 {
		c.Runner.PollInterval = DefaultPollInterval
	}
	if c.Runner.OrphanTimeout == 0 {
		c.Runner.OrphanTimeout = DefaultOrphanTimeout
	}
	if c.Runner.MaxSessionDuration == 0 {
		c.Runner.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if c.Runner.Watch == nil {
		watch := true
		c.Runner.Watch = &watch
	}
	for i := range c.Tools {
		for _, cmd := range []*CommandConfig{c.Tools[i].Collector, c.Tools[i].Analyzer} {
			if cmd != nil && cmd.Timeout == 0 {
				cmd.Timeout = DefaultCommandTimeout
			}
		}
	}
}

// InstanceID resolves this process's instance identifier.
func (c *Config) InstanceID() string {
	if c.Instance.ID != "" {
		return c.Instance.ID
	}
	if name := os.Getenv("COMPUTERNAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "localhost"
}

// FindTool returns the tool configuration with the given name.
func (c *Config) FindTool(name string) (*ToolConfig, bool) {
	for i := range c.Tools {
		if strings.EqualFold(c.Tools[i].Name, name) {
			return &c.Tools[i], true
		}
	}
	return nil, false
}

// UnmarshalExtension decodes a top-level section this package does not own
// into target, which must be a pointer. Missing sections leave target
// zero-valued.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     target,
		TagName:    "yaml",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}

	return nil
}
