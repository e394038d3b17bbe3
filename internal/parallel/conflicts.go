package parallel

import (
	"regexp"
	"sort"
)

// Conflict kinds. File overlaps are advisory; schema and API overlaps block
// the merge.
const (
	ConflictFile   = "file"
	ConflictSchema = "schema"
	ConflictAPI    = "api"
)

// ConflictSeverity grades a detected conflict.
type ConflictSeverity string

const (
	SeverityWarning  ConflictSeverity = "warning"
	SeverityBlocking ConflictSeverity = "blocking"
)

// Conflict is an overlap between the outputs of two or more domains.
type Conflict struct {
	Type     string
	Severity ConflictSeverity
	// File is empty for schema conflicts, which are about simultaneous
	// migrations rather than one path.
	File    string
	Domains []string
}

var (
	migrationPattern = regexp.MustCompile(`(?i)(^|/)migrations?(/|_)|_migration\.`)
	apiPattern       = regexp.MustCompile(`(?i)(^|/)(api|routes?|handlers?|endpoints?)(/|\.)|openapi|swagger`)
)

// DetectConflicts inspects the per-domain modified-file sets after all
// layers ran. A file touched by more than one domain is a warning, unless
// its name is API-shaped, which blocks. Migrations landing from two or more
// domains in the same story block as a schema conflict. Output order is
// deterministic: files alphabetically, the schema conflict last.
func DetectConflicts(results []DomainResult) []Conflict {
	byFile := make(map[string][]string)
	migrators := make(map[string]struct{})
	for _, res := range results {
		seen := make(map[string]struct{}, len(res.FilesModified))
		for _, f := range res.FilesModified {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			byFile[f] = append(byFile[f], res.Domain)
			if migrationPattern.MatchString(f) {
				migrators[res.Domain] = struct{}{}
			}
		}
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	var conflicts []Conflict
	for _, f := range files {
		domains := byFile[f]
		if len(domains) < 2 {
			continue
		}
		sort.Strings(domains)
		c := Conflict{Type: ConflictFile, Severity: SeverityWarning, File: f, Domains: domains}
		if apiPattern.MatchString(f) {
			c.Type = ConflictAPI
			c.Severity = SeverityBlocking
		}
		conflicts = append(conflicts, c)
	}

	if len(migrators) >= 2 {
		domains := make([]string, 0, len(migrators))
		for d := range migrators {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		conflicts = append(conflicts, Conflict{
			Type:     ConflictSchema,
			Severity: SeverityBlocking,
			Domains:  domains,
		})
	}
	return conflicts
}

// Blocking reports whether any conflict in the set blocks the merge.
func Blocking(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}
