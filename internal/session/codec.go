package session

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a session as indented JSON.
func Encode(s *Session) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.SessionID, err)
	}
	return data, nil
}

// Decode parses a serialized session. Missing collections decode as empty
// slices so merges never have to nil-check.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("failed to decode session: missing SessionId")
	}
	s.Normalize()
	return &s, nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Instances = append([]string(nil), s.Instances...)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.ActiveInstances = make([]ActiveInstance, len(s.ActiveInstances))
	for i, ai := range s.ActiveInstances {
		c.ActiveInstances[i] = ai.clone()
	}
	return &c
}

func (ai ActiveInstance) clone() ActiveInstance {
	c := ai
	c.CollectorErrors = append([]string{}, ai.CollectorErrors...)
	c.AnalyzerErrors = append([]string{}, ai.AnalyzerErrors...)
	if ai.CollectorStatusMessages != nil {
		c.CollectorStatusMessages = append([]string{}, ai.CollectorStatusMessages...)
	}
	if ai.AnalyzerStatusMessages != nil {
		c.AnalyzerStatusMessages = append([]string{}, ai.AnalyzerStatusMessages...)
	}
	c.Logs = make([]LogFile, len(ai.Logs))
	for i, log := range ai.Logs {
		log.Reports = append([]Report{}, log.Reports...)
		c.Logs[i] = log
	}
	return c
}

// Normalize fills nil collections with empty ones. Records built in code
// are normalized before being written so they round-trip unchanged.
func (s *Session) Normalize() {
	if s.Instances == nil {
		s.Instances = []string{}
	}
	if s.ActiveInstances == nil {
		s.ActiveInstances = []ActiveInstance{}
	}
	for i := range s.ActiveInstances {
		ai := &s.ActiveInstances[i]
		if ai.Logs == nil {
			ai.Logs = []LogFile{}
		}
		if ai.CollectorErrors == nil {
			ai.CollectorErrors = []string{}
		}
		if ai.AnalyzerErrors == nil {
			ai.AnalyzerErrors = []string{}
		}
		for j := range ai.Logs {
			if ai.Logs[j].Reports == nil {
				ai.Logs[j].Reports = []Report{}
			}
		}
	}
}
