// Package issues scans worker and tool output for known trouble patterns.
// The detector is deliberately dumb: a fixed regex catalog and a dedup set,
// so the same panic spammed across a thousand log lines surfaces exactly
// once.
package issues

import (
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
)

// Kind classifies a detected issue.
type Kind string

const (
	KindError         Kind = "error"
	KindPanic         Kind = "panic"
	KindTestFailure   Kind = "test_failure"
	KindMergeConflict Kind = "merge_conflict"
)

// Severity is how hard the issue should stop the story. Fatal issues block
// the story; warnings ride along in metadata.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Issue is one deduplicated pattern hit.
type Issue struct {
	Kind     Kind
	Severity Severity
	// Line is the full input line that matched.
	Line string
	// Match is the matched fragment.
	Match string
}

type pattern struct {
	kind     Kind
	severity Severity
	re       *regexp.Regexp
}

// catalog order is report order when one line trips several patterns.
var catalog = []pattern{
	{KindPanic, SeverityFatal, regexp.MustCompile(`^panic: |^fatal error: |runtime error:`)},
	{KindMergeConflict, SeverityFatal, regexp.MustCompile(`^CONFLICT \(|Automatic merge failed|^<<<<<<< |^>>>>>>> `)},
	{KindTestFailure, SeverityWarning, regexp.MustCompile(`^--- FAIL:|^FAIL(\s|$)|\b\d+ (failed|failing)\b`)},
	{KindError, SeverityWarning, regexp.MustCompile(`(?i)\berror\b\s*[:=]|^fatal:`)},
}

// Detector is safe for concurrent use by every worker feeding it.
type Detector struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

// NewDetector returns a Detector with an empty dedup set.
func NewDetector() *Detector {
	return &Detector{seen: make(map[uint64]struct{})}
}

// Scan classifies one line against the catalog, first match wins: a panic
// line that also contains "error:" is a panic, not two issues. Dedup is
// keyed by (kind, line), so a repeated line is silent but the same kind on
// a new line still reports.
func (d *Detector) Scan(line string) []Issue {
	for _, p := range catalog {
		m := p.re.FindString(line)
		if m == "" {
			continue
		}
		key := dedupKey(p.kind, line)
		d.mu.Lock()
		_, dup := d.seen[key]
		if !dup {
			d.seen[key] = struct{}{}
		}
		d.mu.Unlock()
		if dup {
			return nil
		}
		return []Issue{{Kind: p.kind, Severity: p.severity, Line: line, Match: m}}
	}
	return nil
}

// ScanOutput splits a capture into lines and scans each.
func (d *Detector) ScanOutput(text string) []Issue {
	var out []Issue
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, d.Scan(line)...)
	}
	return out
}

// Len reports how many distinct issues the detector has seen.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset clears the dedup set, typically between sessions.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[uint64]struct{})
}

// AnyFatal reports whether any issue in the batch is fatal.
func AnyFatal(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

func dedupKey(kind Kind, line string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(line))
	return h.Sum64()
}
