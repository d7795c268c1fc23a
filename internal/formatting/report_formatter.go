// Package formatting assembles the final report text from generated prose
// and the collected citation list.
package formatting

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

type citationEntry struct {
	id   int
	line string
}

// FormatReportWithCitations appends a Sources section built from the
// citation list, replacing any sources section the generated prose already
// wrote. Each entry is labeled by whether the report references it inline
// with an [n] marker. An empty citation list leaves the report untouched.
func FormatReportWithCitations(report, citationList string) string {
	if strings.TrimSpace(citationList) == "" {
		return report
	}
	entries := parseCitationLines(citationList)
	if len(entries) == 0 {
		return report
	}

	body := stripSourcesSection(report)
	used := make(map[int]bool)
	for _, id := range InlineCitationIDs(body) {
		used[id] = true
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n## Sources\n\n")
	for _, entry := range entries {
		b.WriteString(entry.line)
		if used[entry.id] {
			b.WriteString(" - cited")
		} else {
			b.WriteString(" - additional reading")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// InlineCitationIDs returns the distinct citation numbers referenced in the
// text as [n] markers, in ascending order.
func InlineCitationIDs(text string) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, match := range citationMarker.FindAllStringSubmatch(text, -1) {
		id, err := strconv.Atoi(match[1])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// stripSourcesSection cuts everything from the last "## Sources" heading so
// a model-written source list never duplicates the canonical one.
func stripSourcesSection(report string) string {
	lower := strings.ToLower(report)
	if i := strings.LastIndex(lower, "## sources"); i != -1 {
		return strings.TrimRight(report[:i], "\n")
	}
	return report
}

// parseCitationLines reads "[n] ..." lines into entries ordered by number,
// keeping the first line for a repeated number.
func parseCitationLines(citationList string) []citationEntry {
	seen := make(map[int]bool)
	var entries []citationEntry
	for _, line := range strings.Split(citationList, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end <= 1 {
			continue
		}
		id, err := strconv.Atoi(line[1:end])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		entries = append(entries, citationEntry{id: id, line: line})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries
}
