package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/daas/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: "1.0"
storage:
  root: /home/data/daas
  scm_host_name: ${TEST_SCM_HOST:-site.scm.example.net}
limits:
  max_sessions_per_day: 5
  period: 10m
runner:
  poll_interval: 5s
tools:
  - name: MemoryDump
    requires_storage: true
    collector:
      command: procdump
      args: ["-ma"]
      include: ["*.dmp"]
    analyzer:
      command: dumpanalyzer
      timeout: 2m
  - name: Profiler
    collector:
      command: profiler
logging:
  level: debug
  format:
    preset: simple
`

func TestLoadFromBytesYAML(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "/home/data/daas", cfg.Storage.Root)
	assert.Equal(t, "site.scm.example.net", cfg.Storage.ScmHostName)
	assert.Equal(t, 5, cfg.Limits.MaxSessionsPerDay)
	assert.Equal(t, DefaultMaxSessionsInPeriod, cfg.Limits.MaxSessionsInPeriod)
	assert.Equal(t, 10*time.Minute, cfg.Limits.Period)
	assert.Equal(t, 5*time.Second, cfg.Runner.PollInterval)
	assert.Equal(t, DefaultOrphanTimeout, cfg.Runner.OrphanTimeout)
	require.NotNil(t, cfg.Runner.Watch)
	assert.True(t, *cfg.Runner.Watch)

	require.Len(t, cfg.Tools, 2)
	tool, ok := cfg.FindTool("memorydump")
	require.True(t, ok)
	assert.True(t, tool.RequiresStorage)
	assert.Equal(t, []string{"-ma"}, tool.Collector.Args)
	assert.Equal(t, DefaultCommandTimeout, tool.Collector.Timeout)
	assert.Equal(t, 2*time.Minute, tool.Analyzer.Timeout)

	_, ok = cfg.FindTool("nope")
	assert.False(t, ok)
}

func TestLoadFromBytesTOML(t *testing.T) {
	data := `
version = "1.0"

[storage]
root = "/shared"

[lock]
max_attempts = 5
retry_interval = "10ms"

[[tools]]
name = "Profiler"

[tools.collector]
command = "profiler"
`
	cfg, err := LoadFromBytes([]byte(data), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "/shared", cfg.Storage.Root)
	assert.Equal(t, 5, cfg.Lock.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Lock.RetryInterval)
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, "profiler", cfg.Tools[0].Collector.Command)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DAAS_INSTANCE_ID", "RD0003FF")
	t.Setenv("DAAS_STORAGE_ROOT", "/from/env")
	t.Setenv("DAAS_MAX_SESSIONS_PER_DAY", "2")
	t.Setenv("DAAS_POLL_INTERVAL", "1m")

	cfg, err := LoadFromBytes([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "RD0003FF", cfg.InstanceID())
	assert.Equal(t, "/from/env", cfg.Storage.Root)
	assert.Equal(t, 2, cfg.Limits.MaxSessionsPerDay)
	assert.Equal(t, time.Minute, cfg.Runner.PollInterval)
	// the tools list is untouched by env parsing
	assert.Len(t, cfg.Tools, 2)
}

func TestExtensions(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	var logCfg struct {
		Level  string `yaml:"level"`
		Format struct {
			Preset string `yaml:"preset"`
		} `yaml:"format"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
	assert.Equal(t, "simple", logCfg.Format.Preset)

	var missing struct{ X string }
	require.NoError(t, cfg.UnmarshalExtension("absent", &missing))
	assert.Empty(t, missing.X)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate tool",
			yaml: `
tools:
  - name: A
    collector: {command: a}
  - name: a
    collector: {command: b}
`,
		},
		{
			name: "missing collector",
			yaml: `
tools:
  - name: A
`,
		},
		{
			name: "negative limit",
			yaml: `
limits:
  max_sessions_per_day: -1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml), FormatYAML)
			require.Error(t, err)
		})
	}
}

func TestSchemaRejectsUnknownKeysInSections(t *testing.T) {
	_, err := LoadFromBytes([]byte("storage:\n  bogus: 1\n"), FormatYAML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestFindConfigFile(t *testing.T) {
	t.Setenv("DAAS_HOME", t.TempDir())
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "daas.yml"), []byte("version: \"1.0\"\n"), 0644))

	path, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "daas.yml"), path)

	_, err = FindConfigFile(t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestLoadFromWithoutFile(t *testing.T) {
	t.Setenv("DAAS_HOME", t.TempDir())
	t.Setenv("DAAS_STORAGE_ROOT", "/env/only")

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/env/only", cfg.Storage.Root)
	assert.Equal(t, DefaultLockMaxAttempts, cfg.Lock.MaxAttempts)
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"max_sessions_per_day"`)
	assert.Contains(t, string(data), `"tools"`)
	assert.NotContains(t, string(data), "Extensions")
}
