package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline preferred", in: "aaaa\nbbbbbb", limit: 8, want: []string{"aaaa", "bbbbbb"}},
		{name: "tiny prefix ignored", in: "a\nbbbbbbbbb", limit: 6, want: []string{"a\nbbbb", "bbbbb"}},
		{name: "html tag kept whole", in: "xxxxx<b>yy</b>", limit: 7, parseMode: "HTML", want: []string{"xxxxx", "<b>yy", "</b>"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit, tc.parseMode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitText = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitTextRuneSafe(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("⏰", 9000)
	parts := splitText(in, textLimit, "")
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	for i, p := range parts {
		if !utf8.ValidString(p) || utf8.RuneCountInString(p) > textLimit {
			t.Fatalf("part %d invalid or too long", i)
		}
	}
}
