// Package command builds and runs the external programs behind diagnostic
// tools, validating every value that is substituted into their arguments.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default command execution timeout
	DefaultTimeout = 15 * time.Minute

	// MaxTimeout is the maximum allowed timeout
	MaxTimeout = 2 * time.Hour
)

var (
	sessionIDPattern = regexp.MustCompile(`^[0-9]{6}_[0-9]{10}(-[0-9]+)?$`)
	instancePattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	toolNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _.-]*$`)
)

// SafeBuilder provides secure command execution with validation
type SafeBuilder struct {
	defaultTimeout time.Duration
	validators     map[string]func(string) error
	executor       Executor
}

// NewSafeBuilder creates a new SafeBuilder instance with a RealExecutor
func NewSafeBuilder() *SafeBuilder {
	return NewSafeBuilderWithExecutor(&RealExecutor{})
}

// NewSafeBuilderWithExecutor creates a new SafeBuilder with a custom Executor
func NewSafeBuilderWithExecutor(exec Executor) *SafeBuilder {
	return &SafeBuilder{
		defaultTimeout: DefaultTimeout,
		validators:     makeDefaultValidators(),
		executor:       exec,
	}
}

func makeDefaultValidators() map[string]func(string) error {
	return map[string]func(string) error{
		"sessionId": validateSessionID,
		"instance":  validateInstance,
		"toolName":  validateToolName,
		"fileName":  validateFileName,
	}
}

func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id: %q", id)
	}
	return nil
}

func validateInstance(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if !instancePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name: %s", name)
	}
	if len(name) > 128 {
		return fmt.Errorf("instance name too long: %s (max 128 characters)", name)
	}
	return nil
}

func validateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name: %s", name)
	}
	return nil
}

// validateFileName ensures file paths are safe
func validateFileName(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Prevent directory traversal
	if strings.Contains(path, "..") {
		return fmt.Errorf("file path cannot contain '..'")
	}

	// Prevent command injection via shell metacharacters
	if strings.ContainsAny(path, ";|&$`") {
		return fmt.Errorf("file path contains invalid characters")
	}

	return nil
}

// Command represents a safe command configuration
type Command struct {
	name     string
	args     []string
	env      []string
	dir      string
	timeout  time.Duration
	executor Executor
}

// Build creates a new command with validation
func (sb *SafeBuilder) Build(name string, args ...string) (*Command, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("command name cannot be empty")
	}

	return &Command{
		name:     name,
		args:     args,
		timeout:  sb.defaultTimeout,
		executor: sb.executor,
	}, nil
}

// Validate validates specific arguments
func (sb *SafeBuilder) Validate(argType string, value string) error {
	validator, exists := sb.validators[argType]
	if !exists {
		return fmt.Errorf("no validator for argument type: %s", argType)
	}

	return validator(value)
}

// WithTimeout sets a custom timeout for the command
func (c *Command) WithTimeout(timeout time.Duration) *Command {
	if timeout <= 0 {
		return c
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	c.timeout = timeout
	return c
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func (c *Command) WithEnv(env ...string) *Command {
	c.env = append(c.env, env...)
	return c
}

// WithDir sets the working directory.
func (c *Command) WithDir(dir string) *Command {
	c.dir = dir
	return c
}

// Timeout returns the effective timeout.
func (c *Command) Timeout() time.Duration {
	return c.timeout
}

// Exec creates an exec.Cmd bound to ctx. The caller owns the timeout.
func (c *Command) Exec(ctx context.Context) *exec.Cmd {
	cmd := c.executor.CommandContext(ctx, c.name, c.args...) //nolint:gosec // SafeBuilder provides validation
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	return cmd
}

// Result is the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ErrTimeout is returned by Run when the command outlives its timeout.
var ErrTimeout = errors.New("command timed out")

// Run executes the command to completion. A non-zero exit is reported in
// Result.ExitCode, not as an error; errors mean the program could not be
// run or did not finish.
func (c *Command) Run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := c.Exec(runCtx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, fmt.Errorf("%s after %s: %w", c.name, c.timeout, ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", c.name, err)
	}
	return res, nil
}
