package filter

import "strings"

// Outcome is the closed set of results a filter response can parse to.
// Anything the parser cannot classify is Unparsable, which callers must
// treat as "do not engage".
type Outcome int

const (
	Unparsable Outcome = iota
	Affirmative
	Negative
)

func (o Outcome) String() string {
	switch o {
	case Affirmative:
		return "affirmative"
	case Negative:
		return "negative"
	default:
		return "unparsable"
	}
}

// Verdict is the result of one engagement decision. Ephemeral — produced
// fresh per message, never persisted.
type Verdict struct {
	Engage bool
	Reason string
	Raw    string
}

// Response tags the filter model is instructed to lead with. The
// inappropriate tag exists so the model can flag content it should never
// engage with; it parses as Negative.
const (
	tagRespond       = "respond"
	tagIgnore        = "ignore"
	tagInappropriate = "inappropriate"
	tagSummary       = "[summary]"
)

var affirmativeTokens = map[string]bool{
	"yes":         true,
	"y":           true,
	tagRespond:    true,
	"engage":      true,
	"affirmative": true,
}

var negativeTokens = map[string]bool{
	"no":             true,
	"n":              true,
	tagIgnore:        true,
	tagInappropriate: true,
	"skip":           true,
	"negative":       true,
}

// parseOutcome classifies a raw filter response. The first token of the
// first non-empty line is matched case-insensitively, with surrounding
// brackets and punctuation stripped. The second return value is the
// justification text, taken from after the [SUMMARY] tag when present,
// otherwise from whatever follows the leading token.
func parseOutcome(raw string) (Outcome, string) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")

	var first string
	var rest []string
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		first = line
		rest = lines[i+1:]
		break
	}
	if first == "" {
		return Unparsable, ""
	}

	fields := strings.Fields(first)
	token := strings.ToLower(strings.Trim(fields[0], "[]().,:;!*\""))

	reason := extractSummary(rest)
	if reason == "" {
		reason = strings.TrimSpace(strings.TrimPrefix(first, fields[0]))
	}

	switch {
	case affirmativeTokens[token]:
		return Affirmative, reason
	case negativeTokens[token]:
		return Negative, reason
	default:
		return Unparsable, ""
	}
}

// extractSummary returns the text following a [SUMMARY] line, if any.
func extractSummary(lines []string) string {
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), tagSummary) {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return ""
}
