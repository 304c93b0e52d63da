package logx

import (
	"strings"
	"testing"
)

func TestFormatChatRecord(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"2026-01-02T03:04:05Z","message":"cron run failed","job":"j1","err":"boom"}`)
	got := formatChatRecord(line)
	want := "[WARN] cron run failed\n- err=boom\n- job=j1"
	if got != want {
		t.Fatalf("formatChatRecord() = %q, want %q", got, want)
	}
}

func TestFormatChatRecordNonJSON(t *testing.T) {
	t.Parallel()

	got := formatChatRecord([]byte("  plain text \n"))
	if got != "plain text" {
		t.Fatalf("formatChatRecord() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50)
	if got := truncate(long, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate() = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate() = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" WARNING ", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
