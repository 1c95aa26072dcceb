package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageKeepsRunesIntact(t *testing.T) {
	// 3-byte runes never divide a 10-byte chunk evenly.
	s := strings.Repeat("→", 20)
	chunks := splitMessage(s, 10)
	var rejoined string
	for _, c := range chunks {
		if len(c) > 10 {
			t.Fatalf("chunk is %d bytes, max is 10", len(c))
		}
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %q is not valid UTF-8", c)
		}
		rejoined += c
	}
	if rejoined != s {
		t.Fatal("chunks do not reassemble the original message")
	}
}

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", 4000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestLocalpart(t *testing.T) {
	if got := localpart("@alice:example.org"); got != "alice" {
		t.Fatalf("localpart = %q", got)
	}
	if got := localpart("alice"); got != "alice" {
		t.Fatalf("localpart = %q", got)
	}
}
