package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/pkg/paths"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Format is the on-disk encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var configNames = []string{
	"daas.yml",
	"daas.yaml",
	"daas.toml",
	".daas.yml",
	".daas.yaml",
}

// Load reads and parses a daas configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	cfg, err := LoadFromBytes(data, formatFor(path))
	if err != nil {
		if de, ok := err.(*errors.DaasError); ok {
			return nil, de.WithDetail("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadDefault finds and loads the configuration starting from the current
// directory. When no file exists anywhere a default configuration built only
// from the environment is returned, so instances can run from env alone.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}

	return LoadFrom(cwd)
}

// LoadFrom loads configuration starting the file search at startDir.
func LoadFrom(startDir string) (*Config, error) {
	return LoadFromWithLogger(startDir, logrus.New())
}

// LoadFromWithLogger loads configuration starting the file search at
// startDir, logging each step at debug level.
func LoadFromWithLogger(startDir string, logger *logrus.Logger) (*Config, error) {
	path, err := FindConfigFile(startDir)
	if err != nil {
		if !errors.Is(err, errors.ErrCodeConfigNotFound) {
			return nil, err
		}
		logger.WithField("searchPath", startDir).Debug("No configuration file found, using environment only")
		return LoadFromBytes(nil, FormatYAML)
	}

	logger.WithField("path", path).Debug("Loading configuration")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		if data, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Loaded configuration:\n%s", string(data))
		}
	}
	return cfg, nil
}

// LoadFromBytes parses configuration in the given format, applies
// environment overrides and defaults, then validates the result.
func LoadFromBytes(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	raw := make(map[string]interface{})
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
		}
	}

	var cfg Config
	if err := decode(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode configuration")
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to apply environment overrides")
	}

	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create validator")
	}
	if err := validator.Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "schema validation failed")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FindConfigFile searches for daas configuration files with the following precedence:
// 1. startDir up to filesystem root
// 2. The daas config directory (see paths.ConfigDir)
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if configDir := paths.ConfigDir(); configDir != "" {
		for _, name := range configNames {
			path := filepath.Join(configDir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

func decode(raw map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// applyEnv overlays DAAS_* environment variables. Sections are parsed one at
// a time so the tools list is never touched.
func applyEnv(cfg *Config) error {
	for _, section := range []interface{}{&cfg.Instance, &cfg.Storage, &cfg.Limits, &cfg.Lock, &cfg.Runner} {
		if err := env.Parse(section); err != nil {
			return err
		}
	}
	return nil
}

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		// Handle default values: ${VAR:-default}
		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
