package filter

import "testing"

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Outcome
	}{
		{"respond tag", "RESPOND\n[SUMMARY]\nDirect question for the character.", Affirmative},
		{"ignore tag", "IGNORE\n[SUMMARY]\nHumans talking among themselves.", Negative},
		{"inappropriate tag", "INAPPROPRIATE\n[SUMMARY]\nExplicit content.", Negative},
		{"yes with justification", "YES - direct mention", Affirmative},
		{"lowercase yes", "yes, they asked the character directly", Affirmative},
		{"bracketed respond", "[RESPOND]\n[SUMMARY]\nasked for help", Affirmative},
		{"plain no", "No.", Negative},
		{"hedge word", "maybe", Unparsable},
		{"empty", "", Unparsable},
		{"whitespace only", "  \n\t\n", Unparsable},
		{"prose without tag", "The conversation does not concern the character.", Unparsable},
		{"leading blank lines", "\n\nRESPOND\n[SUMMARY]\nok", Affirmative},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := parseOutcome(tc.raw)
			if got != tc.want {
				t.Errorf("parseOutcome(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseOutcomeSummary(t *testing.T) {
	_, reason := parseOutcome("IGNORE\n[SUMMARY]\nThe message is addressed to Josh, not the character.")
	if reason != "The message is addressed to Josh, not the character." {
		t.Errorf("unexpected summary: %q", reason)
	}

	// Without a summary tag, the remainder of the first line is the reason.
	_, reason = parseOutcome("YES - direct mention")
	if reason != "- direct mention" {
		t.Errorf("unexpected inline reason: %q", reason)
	}
}
