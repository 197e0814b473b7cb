package config

import (
	"fmt"
	"strings"

	"github.com/grovetools/daas/errors"
)

// ComputeModeDedicated is the only compute mode that accepts sessions.
const ComputeModeDedicated = "Dedicated"

// Validate checks the configuration for semantic errors the schema cannot
// express.
func (c *Config) Validate() error {
	if c.Limits.MaxSessionsPerDay < 0 || c.Limits.MaxSessionsInPeriod < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "session limits must not be negative").
			WithDetail("field", "limits")
	}
	if c.Limits.Period < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "limits.period must not be negative").
			WithDetail("field", "limits.period")
	}
	if c.Lock.RetryInterval < 0 || c.Lock.MaxAttempts < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "lock settings must not be negative").
			WithDetail("field", "lock")
	}
	if c.Runner.PollInterval < 0 || c.Runner.OrphanTimeout < 0 || c.Runner.MaxSessionDuration < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "runner intervals must not be negative").
			WithDetail("field", "runner")
	}

	seen := make(map[string]bool)
	for i, tool := range c.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return errors.New(errors.ErrCodeConfigValidation, "tool name is required").
				WithDetail("field", field)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return errors.New(errors.ErrCodeConfigValidation, "duplicate tool name").
				WithDetail("field", field).
				WithDetail("tool", name)
		}
		seen[key] = true

		if tool.Collector == nil || strings.TrimSpace(tool.Collector.Command) == "" {
			return errors.New(errors.ErrCodeConfigValidation, "tool collector command is required").
				WithDetail("field", field+".collector").
				WithDetail("tool", name)
		}
		if tool.Analyzer != nil && strings.TrimSpace(tool.Analyzer.Command) == "" {
			return errors.New(errors.ErrCodeConfigValidation, "tool analyzer command is empty").
				WithDetail("field", field+".analyzer").
				WithDetail("tool", name)
		}
	}

	return nil
}
