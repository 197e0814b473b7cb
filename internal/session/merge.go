package session

import "strings"

// MergeLogs appends logs not already present, identified by name and size.
// It returns how many were added.
func (ai *ActiveInstance) MergeLogs(logs []LogFile) int {
	added := 0
	for _, log := range logs {
		if ai.hasLog(log.Name, log.Size) {
			continue
		}
		if log.Reports == nil {
			log.Reports = []Report{}
		}
		ai.Logs = append(ai.Logs, log)
		added++
	}
	return added
}

func (ai *ActiveInstance) hasLog(name string, size int64) bool {
	for _, existing := range ai.Logs {
		if existing.Name == name && existing.Size == size {
			return true
		}
	}
	return false
}

// MergeCollectorErrors unions errs into CollectorErrors.
func (ai *ActiveInstance) MergeCollectorErrors(errs []string) {
	ai.CollectorErrors = Union(ai.CollectorErrors, errs)
}

// MergeAnalyzerErrors unions errs into AnalyzerErrors.
func (ai *ActiveInstance) MergeAnalyzerErrors(errs []string) {
	ai.AnalyzerErrors = Union(ai.AnalyzerErrors, errs)
}

// AttachReports copies the reports of analyzed logs onto the matching logs
// of this entry. Logs are matched by name case-insensitively, reports by
// partial path, so re-attaching is a no-op. Analyzed logs with no match are
// returned.
func (ai *ActiveInstance) AttachReports(analyzed []LogFile) []string {
	var unmatched []string
	for _, log := range analyzed {
		existing := ai.findLog(log.Name)
		if existing == nil {
			unmatched = append(unmatched, log.Name)
			continue
		}
		for _, report := range log.Reports {
			if !hasReport(existing.Reports, report) {
				existing.Reports = append(existing.Reports, report)
			}
		}
	}
	return unmatched
}

func (ai *ActiveInstance) findLog(name string) *LogFile {
	for i := range ai.Logs {
		if strings.EqualFold(ai.Logs[i].Name, name) {
			return &ai.Logs[i]
		}
	}
	return nil
}

func hasReport(reports []Report, r Report) bool {
	for _, existing := range reports {
		if existing.Name == r.Name && existing.PartialPath == r.PartialPath {
			return true
		}
	}
	return false
}

// Union returns base followed by the values of add not already present,
// with duplicates removed. The result is never nil.
func Union(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// SanitizeReports keeps only the reports at the shallowest path depth;
// analyzers leave supporting files in nested directories.
func SanitizeReports(reports []Report) []Report {
	minDepth := -1
	var out []Report
	for _, r := range reports {
		depth := len(strings.Split(strings.ReplaceAll(r.PartialPath, "\\", "/"), "/"))
		switch {
		case minDepth == -1 || depth < minDepth:
			minDepth = depth
			out = []Report{r}
		case depth == minDepth:
			out = append(out, r)
		}
	}
	if out == nil {
		out = []Report{}
	}
	return out
}
