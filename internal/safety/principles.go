// Package safety scores worker-produced content against the six
// constitutional principles. Scoring is pattern-first: a severity-1 pattern
// violation blocks outright and cannot be softened by the advisory model; the
// advisory hook is consulted only when the pattern pass finds nothing.
package safety

import "regexp"

// Category groups principles by the class of harm they guard against.
type Category string

const (
	CategoryDestructive Category = "destructive"
	CategorySecurity    Category = "security"
	CategoryScope       Category = "scope"
	CategoryResource    Category = "resource"
	CategoryUncertainty Category = "uncertainty"
)

// Escalation summarizes the current safety posture. Ordered:
// none < warning < critical < e-stop.
type Escalation string

const (
	EscalationNone     Escalation = "none"
	EscalationWarning  Escalation = "warning"
	EscalationCritical Escalation = "critical"
	EscalationEStop    Escalation = "e-stop"
)

// Rank orders escalations for comparison.
func (e Escalation) Rank() int {
	switch e {
	case EscalationWarning:
		return 1
	case EscalationCritical:
		return 2
	case EscalationEStop:
		return 3
	default:
		return 0
	}
}

// Max returns the higher of two escalations.
func Max(a, b Escalation) Escalation {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type (
	// Signature is one named pattern of a principle. Names are stable so
	// per-worker allowances can reference them.
	Signature struct {
		Name    string
		Pattern *regexp.Regexp
	}

	// Principle is one constitutional rule with its detection signatures.
	// P005 and P006 carry no signatures: budgets are enforced by the budget
	// tracker and uncertainty by the DetectUncertainty heuristics.
	Principle struct {
		ID         string
		Name       string
		Category   Category
		Severity   float64
		Signatures []Signature
	}

	// Violation is one matched principle with the text that triggered it.
	Violation struct {
		PrincipleID string
		Category    Category
		Severity    float64
		Signature   string
		Match       string
	}
)

func sig(name, pattern string) Signature {
	return Signature{Name: name, Pattern: regexp.MustCompile(pattern)}
}

// Principles returns the constitutional principle set in ID order.
func Principles() []Principle {
	return []Principle{
		{
			ID:       "P001",
			Name:     "No destructive commands",
			Category: CategoryDestructive,
			Severity: 1.0,
			Signatures: []Signature{
				sig("rm-rf", `rm\s+-(?:[a-zA-Z]*r[a-zA-Z]*f|[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\b`),
				sig("force-push", `git\s+push\s+(?:\S+\s+)*--force\b`),
				sig("drop-table", `(?i)\bDROP\s+(?:TABLE|DATABASE)\b`),
				sig("truncate", `(?i)\bTRUNCATE\b`),
				sig("reset-hard", `git\s+reset\s+--hard\b`),
				sig("truncate-redirect", `:\s*>\s*\S`),
			},
		},
		{
			ID:       "P002",
			Name:     "No secret exposure",
			Category: CategorySecurity,
			Severity: 1.0,
			Signatures: []Signature{
				// Substring matches on purpose: DB_PASSWORD and STRIPE_SECRET
				// are as much of a leak as the bare identifiers.
				sig("api-key", `(?i)API_?KEY`),
				sig("secret", `(?i)SECRET`),
				sig("password", `(?i)PASSWORD`),
				sig("private-key", `(?i)PRIVATE_?KEY`),
				sig("env-file", `\.env\b`),
				sig("token-assign", `(?i)\btoken\s*=`),
			},
		},
		{
			ID:       "P003",
			Name:     "Stay in scope",
			Category: CategoryScope,
			Severity: 0.9,
			Signatures: []Signature{
				sig("parent-traversal", `\.\./\.\./`),
				sig("system-path", `(?:^|[\s"'=(])/(?:etc|usr|bin|sbin|boot|root|sys|proc)/`),
				sig("ssh-credentials", `\.ssh/`),
				sig("aws-credentials", `\.aws/credentials`),
			},
		},
		{
			ID:       "P004",
			Name:     "Validate inputs",
			Category: CategorySecurity,
			Severity: 0.7,
			Signatures: []Signature{
				sig("eval", `\beval\s*\(`),
				sig("exec", `\bexec\s*\(`),
				sig("os-system", `\bos\.system\s*\(`),
				sig("shell-true", `(?i)shell\s*=\s*true`),
			},
		},
		{
			ID:       "P005",
			Name:     "Respect budgets",
			Category: CategoryResource,
			Severity: 0.8,
		},
		{
			ID:       "P006",
			Name:     "Escalate uncertainty",
			Category: CategoryUncertainty,
			Severity: 0.6,
		},
	}
}

// principleByID indexes the principle set for violation construction.
func principleByID(id string) (Principle, bool) {
	for _, p := range Principles() {
		if p.ID == id {
			return p, true
		}
	}
	return Principle{}, false
}
