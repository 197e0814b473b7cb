package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/daas/command"
	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/internal/session"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

// StatusFileSuffix marks progress files written by collectors and analyzers.
// They are surfaced as status messages, never reported as artifacts.
const StatusFileSuffix = "diagstatus.diaglog"

// Environment is the instance-local context command tools run in.
type Environment struct {
	InstanceID  string
	LogsDir     string
	ReportsDir  string
	BlobSasURI  string
	ScmHostName string
}

// EnvironmentFromConfig builds the command environment for this instance.
func EnvironmentFromConfig(cfg *config.Config) Environment {
	return Environment{
		InstanceID:  cfg.InstanceID(),
		LogsDir:     cfg.Storage.LogsDir,
		ReportsDir:  cfg.Storage.ReportsDir,
		BlobSasURI:  cfg.Storage.BlobSasURI,
		ScmHostName: cfg.Storage.ScmHostName,
	}
}

// InstanceLogsDir is where a collector writes for one session and instance.
func (e Environment) InstanceLogsDir(sessionID, instance string) string {
	return filepath.Join(e.LogsDir, sessionID, instance)
}

// LogReportsDir is where reports for one log are written.
func (e Environment) LogReportsDir(sessionID string, log *session.LogFile) string {
	return filepath.Join(e.ReportsDir, sessionID, session.LogDirName(log.StartTime))
}

// fileFilter selects artifact files with .dockerignore-style patterns.
type fileFilter struct {
	include *patternmatcher.PatternMatcher
	exclude *patternmatcher.PatternMatcher
}

func newFileFilter(include, exclude []string) (*fileFilter, error) {
	f := &fileFilter{}
	var err error
	if len(include) > 0 {
		if f.include, err = patternmatcher.New(include); err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
	}
	if len(exclude) > 0 {
		if f.exclude, err = patternmatcher.New(exclude); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
	}
	return f, nil
}

func (f *fileFilter) matches(rel string) bool {
	if strings.HasSuffix(rel, StatusFileSuffix) {
		return false
	}
	if f.include != nil {
		if ok, err := f.include.MatchesOrParentMatches(rel); err != nil || !ok {
			return false
		}
	}
	if f.exclude != nil {
		if ok, err := f.exclude.MatchesOrParentMatches(rel); err != nil || ok {
			return false
		}
	}
	return true
}

type foundFile struct {
	rel  string
	size int64
}

// walk lists regular files under root accepted by the filter, as slash
// separated paths relative to root.
func (f *fileFilter) walk(root string) ([]foundFile, error) {
	var found []foundFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !f.matches(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, foundFile{rel: rel, size: info.Size()})
		return nil
	})
	return found, err
}

// toolCommand is the shared part of command collectors and analyzers.
type toolCommand struct {
	tool    string
	spec    config.CommandConfig
	env     Environment
	builder *command.SafeBuilder
	filter  *fileFilter
	logger  *logrus.Entry
}

func newToolCommand(tool string, spec config.CommandConfig, env Environment, builder *command.SafeBuilder, logger *logrus.Entry) (toolCommand, error) {
	filter, err := newFileFilter(spec.Include, spec.Exclude)
	if err != nil {
		return toolCommand{}, err
	}
	return toolCommand{tool: tool, spec: spec, env: env, builder: builder, filter: filter, logger: logger}, nil
}

// run expands placeholders in the configured arguments and runs the program.
// A non-zero exit becomes an error message rather than an error.
func (tc toolCommand) run(ctx context.Context, vars map[string]string, extraEnv []string) (string, error) {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)
	args := make([]string, len(tc.spec.Args))
	for i, a := range tc.spec.Args {
		args[i] = replacer.Replace(a)
	}

	cmd, err := tc.builder.Build(tc.spec.Command, args...)
	if err != nil {
		return "", err
	}
	res, err := cmd.WithTimeout(tc.spec.Timeout).WithEnv(extraEnv...).Run(ctx)
	if err != nil {
		return "", err
	}
	tc.logger.WithField("exit_code", res.ExitCode).WithField("duration", res.Duration).Debug("Tool command finished")
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("%s exited with code %d", tc.spec.Command, res.ExitCode)
		if last := lastLine(res.Stderr); last != "" {
			msg += ": " + last
		}
		return msg, nil
	}
	return "", nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// CommandCollector runs an external program that writes artifacts into the
// instance's log directory for the session.
type CommandCollector struct {
	toolCommand
	requiresStorage bool
}

// NewCommandCollector creates a collector for a configured command.
func NewCommandCollector(tool string, spec config.CommandConfig, requiresStorage bool, env Environment, builder *command.SafeBuilder, logger *logrus.Entry) (*CommandCollector, error) {
	tc, err := newToolCommand(tool, spec, env, builder, logger)
	if err != nil {
		return nil, err
	}
	return &CommandCollector{toolCommand: tc, requiresStorage: requiresStorage}, nil
}

func (c *CommandCollector) CollectLogs(ctx context.Context, s *session.Session) (*Response, error) {
	if err := c.builder.Validate("sessionId", s.SessionID); err != nil {
		return nil, err
	}
	if err := c.builder.Validate("instance", c.env.InstanceID); err != nil {
		return nil, err
	}

	outDir := c.env.InstanceLogsDir(s.SessionID, c.env.InstanceID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	vars := map[string]string{
		"session_id":  s.SessionID,
		"instance":    c.env.InstanceID,
		"output_dir":  outDir,
		"tool_params": s.ToolParams,
	}
	env := []string{
		"DAAS_SESSION_ID=" + s.SessionID,
		"DAAS_INSTANCE_ID=" + c.env.InstanceID,
		"DAAS_OUTPUT_DIR=" + outDir,
		"DAAS_TOOL_PARAMS=" + s.ToolParams,
		"DAAS_STATUS_FILE=" + filepath.Join(outDir, StatusFileSuffix),
	}
	if c.requiresStorage {
		env = append(env, "DAAS_STORAGE_SASURI="+c.env.BlobSasURI)
	}

	started := time.Now().UTC()
	c.logger.WithField("session_id", s.SessionID).WithField("tool", c.tool).Info("Running collector")
	failure, err := c.run(ctx, vars, env)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	if failure != "" {
		resp.Errors = append(resp.Errors, failure)
	}

	files, err := c.filter.walk(outDir)
	if err != nil {
		resp.Errors = append(resp.Errors, fmt.Sprintf("Failed to list collected files - %v", err))
	}
	for _, f := range files {
		resp.Logs = append(resp.Logs, session.LogFile{
			Name:        f.rel,
			Size:        f.size,
			StartTime:   started,
			PartialPath: c.partialPath(s.SessionID, f.rel),
			Reports:     []session.Report{},
		})
	}
	return resp, nil
}

// partialPath is container-relative for storage-backed tools and relative
// to the parent of the logs dir otherwise.
func (c *CommandCollector) partialPath(sessionID, rel string) string {
	if c.requiresStorage {
		return path.Join(sessionID, c.env.InstanceID, rel)
	}
	return path.Join(filepath.ToSlash(filepath.Base(c.env.LogsDir)), sessionID, c.env.InstanceID, rel)
}

// CommandAnalyzer runs an external program once per collected log.
type CommandAnalyzer struct {
	toolCommand
}

// NewCommandAnalyzer creates an analyzer for a configured command.
func NewCommandAnalyzer(tool string, spec config.CommandConfig, env Environment, builder *command.SafeBuilder, logger *logrus.Entry) (*CommandAnalyzer, error) {
	tc, err := newToolCommand(tool, spec, env, builder, logger)
	if err != nil {
		return nil, err
	}
	return &CommandAnalyzer{toolCommand: tc}, nil
}

func (a *CommandAnalyzer) AnalyzeLogs(ctx context.Context, logs []*session.LogFile, s *session.Session) ([]string, error) {
	if err := a.builder.Validate("sessionId", s.SessionID); err != nil {
		return nil, err
	}

	var errs []string
	for _, log := range logs {
		if err := ctx.Err(); err != nil {
			return errs, err
		}
		if err := a.builder.Validate("fileName", log.Name); err != nil {
			errs = append(errs, fmt.Sprintf("Skipping %s - %v", log.Name, err))
			continue
		}

		logPath := filepath.Join(a.env.InstanceLogsDir(s.SessionID, a.env.InstanceID), filepath.FromSlash(log.Name))
		baseDir := a.env.LogReportsDir(s.SessionID, log)
		dirName := reportDirName(log.Name)
		reportDir := filepath.Join(baseDir, dirName)
		if err := os.MkdirAll(reportDir, 0755); err != nil {
			errs = append(errs, fmt.Sprintf("Failed to create report directory for %s - %v", log.Name, err))
			continue
		}

		vars := map[string]string{
			"session_id": s.SessionID,
			"instance":   a.env.InstanceID,
			"log_path":   logPath,
			"report_dir": reportDir,
		}
		env := []string{
			"DAAS_SESSION_ID=" + s.SessionID,
			"DAAS_INSTANCE_ID=" + a.env.InstanceID,
			"DAAS_LOG_PATH=" + logPath,
			"DAAS_REPORT_DIR=" + reportDir,
			"DAAS_STATUS_FILE=" + filepath.Join(baseDir, StatusFileSuffix),
		}

		a.logger.WithField("session_id", s.SessionID).WithField("log", log.Name).Info("Running analyzer")
		failure, err := a.run(ctx, vars, env)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Analyzing %s failed with error - %v", log.Name, err))
			continue
		}
		if failure != "" {
			errs = append(errs, failure)
		}

		files, err := a.filter.walk(reportDir)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to list reports for %s - %v", log.Name, err))
			continue
		}
		prefix := path.Join(filepath.ToSlash(filepath.Base(a.env.ReportsDir)), s.SessionID, session.LogDirName(log.StartTime), dirName)
		for _, f := range files {
			log.Reports = append(log.Reports, session.Report{
				Name:        path.Base(f.rel),
				PartialPath: path.Join(prefix, f.rel),
			})
		}
	}
	return errs, nil
}

// reportDirName names the directory a log's reports go to. Logs of one
// collection share the reports directory, so nested log names are flattened
// and suffixed with a digest of the full name.
func reportDirName(logName string) string {
	name := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(logName)), "/")
	base := strings.TrimSuffix(name, path.Ext(name))
	if base == "" {
		return name
	}
	if !strings.Contains(base, "/") {
		return base
	}
	sum := sha256.Sum256([]byte(name))
	return strings.ReplaceAll(base, "/", "_") + "-" + hex.EncodeToString(sum[:4])
}

// FromConfig builds a registry of command-backed tools.
func FromConfig(cfg *config.Config, builder *command.SafeBuilder, logger *logrus.Entry) (*Registry, error) {
	env := EnvironmentFromConfig(cfg)
	reg := NewRegistry()
	for _, tc := range cfg.Tools {
		tool := &Tool{
			Name:            tc.Name,
			Description:     tc.Description,
			RequiresStorage: tc.RequiresStorage,
		}
		toolLogger := logger.WithField("tool", tc.Name)
		if tc.Collector != nil {
			collector, err := NewCommandCollector(tc.Name, *tc.Collector, tc.RequiresStorage, env, builder, toolLogger)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", tc.Name, err)
			}
			tool.Collector = collector
		}
		if tc.Analyzer != nil {
			analyzer, err := NewCommandAnalyzer(tc.Name, *tc.Analyzer, env, builder, toolLogger)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", tc.Name, err)
			}
			tool.Analyzer = analyzer
		}
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
