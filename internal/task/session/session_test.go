package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestFilterMatch(t *testing.T) {
	t.Parallel()

	s := Session{Type: TypeAnalysis, Status: StatusCompleted, Tags: []string{"analysis-1h", "btc"}}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"type match", Filter{Type: TypeAnalysis}, true},
		{"type mismatch", Filter{Type: TypeStrategy}, false},
		{"status and type", Filter{Type: TypeAnalysis, Status: StatusRunning}, false},
		{"any tag", Filter{Tags: []string{"eth", "btc"}}, true},
		{"no tag", Filter{Tags: []string{"eth"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.f.Match(s); got != tt.want {
				t.Fatalf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Priority{"": PriorityNormal, "LOW": PriorityLow, " high ": PriorityHigh} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	if got, err := ParseType(""); err != nil || got != TypeGeneric {
		t.Fatalf("ParseType(\"\") = %v, %v", got, err)
	}
	if _, err := ParseType("scalper"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	if got := KindOf(fmt.Errorf("wrap: %w", ErrTimeout)); got != KindTimeout {
		t.Fatalf("KindOf(timeout) = %q", got)
	}
	if got := KindOf(errors.New("boom")); got != KindExecution {
		t.Fatalf("KindOf(other) = %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := Session{Tags: []string{"a"}, Result: &Result{Metrics: map[string]float64{"profit": 1}}}
	cp := s.Clone()
	cp.Tags[0] = "b"
	cp.Result.Metrics["profit"] = 2
	if s.Tags[0] != "a" || s.Result.Metrics["profit"] != 1 {
		t.Fatal("Clone shares memory with the original")
	}
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()

	got := NormalizeTags([]string{" a ", "", "b", "a"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("NormalizeTags() = %v", got)
	}
}
