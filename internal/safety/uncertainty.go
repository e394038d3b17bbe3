package safety

import "strings"

// uncertainty thresholds and vocabularies. The keyword lists are closed:
// matching is exact word membership, not similarity.
const minConfidence = 0.6

var ambiguousKeywords = []string{
	"maybe", "perhaps", "possibly", "might", "tbd", "todo",
	"unclear", "unsure", "probably", "undecided",
}

var uncertainDecisions = map[string]struct{}{
	"unsure": {}, "uncertain": {}, "unclear": {}, "unknown": {}, "undecided": {},
}

// UncertaintySignal carries the inputs to the P006 heuristics. Confidence is
// a pointer so an unset value is distinct from an explicit zero.
type UncertaintySignal struct {
	Confidence   *float64
	Requirements string
	Options      []string
	Selected     string
	Decision     string
}

// DetectUncertainty applies the P006 triggers: low advisor confidence,
// ambiguous wording in the requirements, multiple viable options with none
// selected, or an explicitly uncertain decision label. The first trigger that
// fires produces the violation.
func DetectUncertainty(sig UncertaintySignal) (*Violation, bool) {
	p, _ := principleByID("P006")

	if sig.Confidence != nil && *sig.Confidence < minConfidence {
		return &Violation{
			PrincipleID: p.ID,
			Category:    p.Category,
			Severity:    p.Severity,
			Signature:   "low-confidence",
		}, true
	}
	if kw := ambiguousKeyword(sig.Requirements); kw != "" {
		return &Violation{
			PrincipleID: p.ID,
			Category:    p.Category,
			Severity:    p.Severity,
			Signature:   "ambiguous-requirements",
			Match:       kw,
		}, true
	}
	if len(sig.Options) > 1 && strings.TrimSpace(sig.Selected) == "" {
		return &Violation{
			PrincipleID: p.ID,
			Category:    p.Category,
			Severity:    p.Severity,
			Signature:   "unresolved-options",
		}, true
	}
	if _, ok := uncertainDecisions[strings.ToLower(strings.TrimSpace(sig.Decision))]; ok {
		return &Violation{
			PrincipleID: p.ID,
			Category:    p.Category,
			Severity:    p.Severity,
			Signature:   "uncertain-decision",
			Match:       sig.Decision,
		}, true
	}
	return nil, false
}

// ambiguousKeyword returns the first closed-list keyword present in text as a
// whole word, or empty.
func ambiguousKeyword(text string) string {
	if text == "" {
		return ""
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	index := make(map[string]struct{}, len(words))
	for _, w := range words {
		index[w] = struct{}{}
	}
	for _, kw := range ambiguousKeywords {
		if _, ok := index[kw]; ok {
			return kw
		}
	}
	return ""
}
