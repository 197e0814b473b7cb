// Package session defines the shared session record and the pure merge
// helpers every participating instance applies to it.
package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a session or of one instance's progress.
type Status string

const (
	StatusActive    Status = "Active"
	StatusStarted   Status = "Started"
	StatusAnalyzing Status = "Analyzing"
	StatusComplete  Status = "Complete"
	StatusTimedOut  Status = "TimedOut"
)

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusTimedOut
}

// Mode selects whether collected logs are also analyzed.
type Mode string

const (
	ModeCollect           Mode = "Collect"
	ModeCollectAndAnalyze Mode = "CollectAndAnalyze"
)

// ParseMode accepts the canonical names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "collect":
		return ModeCollect, nil
	case "collectandanalyze", "collect-and-analyze", "analyze":
		return ModeCollectAndAnalyze, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Report is one analyzer output attached to a log.
type Report struct {
	Name         string `json:"Name"`
	PartialPath  string `json:"PartialPath"`
	RelativePath string `json:"RelativePath,omitempty"`
}

// LogFile is one artifact produced by a collector.
type LogFile struct {
	Name        string    `json:"Name"`
	Size        int64     `json:"Size"`
	StartTime   time.Time `json:"StartTime"`
	PartialPath string    `json:"PartialPath"`
	// RelativePath is computed when sessions are read with artifact URLs;
	// it is never authoritative.
	RelativePath string   `json:"RelativePath,omitempty"`
	Reports      []Report `json:"Reports"`
}

// ActiveInstance is one target instance's progress within a session.
type ActiveInstance struct {
	Name            string    `json:"Name"`
	Status          Status    `json:"Status"`
	Logs            []LogFile `json:"Logs"`
	CollectorErrors []string  `json:"CollectorErrors"`
	AnalyzerErrors  []string  `json:"AnalyzerErrors"`

	// Populated from status files on detailed reads.
	CollectorStatusMessages []string `json:"CollectorStatusMessages,omitempty"`
	AnalyzerStatusMessages  []string `json:"AnalyzerStatusMessages,omitempty"`
}

// Session is the shared record coordinating one diagnostic run.
type Session struct {
	SessionID       string           `json:"SessionId"`
	Tool            string           `json:"Tool"`
	ToolParams      string           `json:"ToolParams,omitempty"`
	Mode            Mode             `json:"Mode"`
	Description     string           `json:"Description,omitempty"`
	Instances       []string         `json:"Instances"`
	ActiveInstances []ActiveInstance `json:"ActiveInstances"`
	Status          Status           `json:"Status"`
	StartTime       time.Time        `json:"StartTime"`
	EndTime         *time.Time       `json:"EndTime,omitempty"`

	DefaultScmHostName  string `json:"DefaultScmHostName,omitempty"`
	BlobStorageHostName string `json:"BlobStorageHostName,omitempty"`
}

// idLayout is yyMMdd_HHmmss; four digits of sub-second precision follow.
const idLayout = "060102_150405"

// NewID derives a session id from its start time.
func NewID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d", t.Format(idLayout), t.Nanosecond()/100000)
}

// LogDirName is the per-log directory name used under the reports dir.
func LogDirName(t time.Time) string {
	return NewID(t)
}

// FindInstance returns the progress entry for name, matched case-insensitively.
func (s *Session) FindInstance(name string) *ActiveInstance {
	for i := range s.ActiveInstances {
		if strings.EqualFold(s.ActiveInstances[i].Name, name) {
			return &s.ActiveInstances[i]
		}
	}
	return nil
}

// EnsureInstance returns the entry for name, appending one when absent.
func (s *Session) EnsureInstance(name string) *ActiveInstance {
	if ai := s.FindInstance(name); ai != nil {
		return ai
	}
	s.ActiveInstances = append(s.ActiveInstances, NewActiveInstance(name))
	return &s.ActiveInstances[len(s.ActiveInstances)-1]
}

// IsTarget reports whether name is one of the session's target instances.
func (s *Session) IsTarget(name string) bool {
	for _, inst := range s.Instances {
		if strings.EqualFold(inst, name) {
			return true
		}
	}
	return false
}

// TargetName returns the spelling of name used in Instances, or name itself
// when it is not a target.
func (s *Session) TargetName(name string) string {
	for _, inst := range s.Instances {
		if strings.EqualFold(inst, name) {
			return inst
		}
	}
	return name
}

// AllInstancesFinished reports whether every target has a terminal entry.
// Names compare case-insensitively and order is irrelevant. Entries for
// instances that are not targets are ignored.
func (s *Session) AllInstancesFinished() bool {
	if len(s.ActiveInstances) == 0 || len(s.Instances) == 0 {
		return false
	}
	finished := make(map[string]bool, len(s.ActiveInstances))
	for _, ai := range s.ActiveInstances {
		if ai.Status.IsTerminal() {
			finished[strings.ToLower(ai.Name)] = true
		}
	}
	for _, inst := range s.Instances {
		if !finished[strings.ToLower(inst)] {
			return false
		}
	}
	return true
}

// OrphanedInstances lists targets that have no progress entry yet.
func (s *Session) OrphanedInstances() []string {
	var orphans []string
	for _, inst := range s.Instances {
		if s.FindInstance(inst) == nil {
			orphans = append(orphans, inst)
		}
	}
	return orphans
}

// Duration is EndTime-StartTime for finished sessions and the elapsed time
// otherwise.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// NewActiveInstance returns an entry with empty, non-nil collections so the
// serialized record always carries every field.
func NewActiveInstance(name string) ActiveInstance {
	return ActiveInstance{
		Name:            name,
		Status:          StatusStarted,
		Logs:            []LogFile{},
		CollectorErrors: []string{},
		AnalyzerErrors:  []string{},
	}
}
