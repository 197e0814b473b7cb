// Package tools resolves diagnostic tool names to the collector and analyzer
// that implement them.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/session"
)

// Response is what a collector produced on this instance.
type Response struct {
	Logs   []session.LogFile
	Errors []string
}

// Collector gathers raw diagnostic artifacts on the local instance.
type Collector interface {
	CollectLogs(ctx context.Context, s *session.Session) (*Response, error)
}

// Analyzer turns collected logs into reports. It appends to each log's
// Reports and returns any analysis errors.
type Analyzer interface {
	AnalyzeLogs(ctx context.Context, logs []*session.LogFile, s *session.Session) ([]string, error)
}

// Tool is a registered diagnostic tool.
type Tool struct {
	Name            string
	Description     string
	RequiresStorage bool
	Collector       Collector
	Analyzer        Analyzer
}

// Validate checks that the tool can serve sessions.
func (t *Tool) Validate() error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return errors.New(errors.ErrCodeToolInvalid, "tool name is required")
	}
	if t.Collector == nil {
		return errors.New(errors.ErrCodeToolInvalid, "tool has no collector").
			WithDetail("tool", t.Name)
	}
	return nil
}

// CanAnalyze reports whether sessions in CollectAndAnalyze mode are supported.
func (t *Tool) CanAnalyze() bool {
	return t.Analyzer != nil
}

// Info describes a tool for listings.
type Info struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	RequiresStorage bool   `json:"requires_storage"`
	CanAnalyze      bool   `json:"can_analyze"`
}

// Registry maps tool names, case-insensitively, to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register validates and adds a tool. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	key := strings.ToLower(t.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[key]; exists {
		return errors.New(errors.ErrCodeToolInvalid, fmt.Sprintf("tool %q is already registered", t.Name)).
			WithDetail("tool", t.Name)
	}
	r.tools[key] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:            t.Name,
			Description:     t.Description,
			RequiresStorage: t.RequiresStorage,
			CanAnalyze:      t.CanAnalyze(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
