package logging

// Config defines the structure for the `logging` section of daas.yml.
type Config struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the DAAS_LOG_LEVEL environment variable.
	Level string `yaml:"level" toml:"level" json:"level,omitempty"`

	// ReportCaller, if true, includes the file, line, and function name in the log output.
	// Can be enabled with the DAAS_LOG_CALLER=true environment variable.
	ReportCaller bool `yaml:"report_caller" toml:"report_caller" json:"report_caller,omitempty"`

	// File configures logging to a file.
	File FileSinkConfig `yaml:"file" toml:"file" json:"file,omitempty"`

	// Format configures the appearance of the log output.
	Format FormatConfig `yaml:"format" toml:"format" json:"format,omitempty"`
}

// FileSinkConfig configures the file logging sink.
type FileSinkConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled,omitempty"`
	// Path is the full path to the log file.
	Path string `yaml:"path" toml:"path" json:"path,omitempty"`
}

// FormatConfig controls the log output format.
type FormatConfig struct {
	// Preset can be "default" (rich text), "simple" (minimal text), or "json".
	Preset string `yaml:"preset" toml:"preset" json:"preset,omitempty"`
	// DisableTimestamp disables the timestamp from the "default" and "simple" formats.
	DisableTimestamp bool `yaml:"disable_timestamp" toml:"disable_timestamp" json:"disable_timestamp,omitempty"`
	// DisableComponent disables the component name from the "default" and "simple" formats.
	DisableComponent bool `yaml:"disable_component" toml:"disable_component" json:"disable_component,omitempty"`
	// StructuredToStderr controls when structured logs are sent to stderr.
	// Can be "auto" (default), "always", or "never".
	StructuredToStderr string `yaml:"structured_to_stderr" toml:"structured_to_stderr" json:"structured_to_stderr,omitempty"`
}
