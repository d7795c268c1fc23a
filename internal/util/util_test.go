package util

import (
	"testing"
	"unicode/utf8"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare object",
			input: `{"a":1}`,
			want:  `{"a":1}`,
		},
		{
			name:  "object wrapped in prose",
			input: "Here is the plan:\n{\"research_goal\": \"x\"}\nLet me know.",
			want:  `{"research_goal": "x"}`,
		},
		{
			name:  "nested braces keep outer span",
			input: `prefix {"a": {"b": 2}} suffix`,
			want:  `{"a": {"b": 2}}`,
		},
		{
			name:    "no object",
			input:   "I cannot produce a plan.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "no fence", input: "<html></html>", want: "<html></html>"},
		{name: "plain fence", input: "```\n<html></html>\n```", want: "<html></html>"},
		{name: "language fence", input: "```html\n<html></html>\n```", want: "<html></html>"},
		{name: "json fence", input: "```json\n{\"a\":1}\n```", want: "{\"a\":1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFence(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		wantMaxRunes  int
	}{
		{name: "short passthrough", input: "short", maxLen: 10, wantMaxRunes: 5},
		{name: "hard cut", input: "查询中文数据库中的用户信息", maxLen: 10, wantMaxRunes: 10},
		{name: "word boundary", input: "This is a very long subtask description", maxLen: 20, preserveWords: true, wantMaxRunes: 20},
		{name: "tiny budget", input: "anything", maxLen: 2, wantMaxRunes: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			if n := utf8.RuneCountInString(got); n > tt.wantMaxRunes {
				t.Errorf("rune count %d exceeds %d (%q)", n, tt.wantMaxRunes, got)
			}
			if utf8.RuneCountInString(tt.input) <= tt.maxLen && got != tt.input {
				t.Errorf("short input mutated: %q", got)
			}
		})
	}
}

func TestTruncateStringWordBoundary(t *testing.T) {
	got := TruncateString("alpha beta gamma delta", 15, true)
	if got != "alpha beta..." {
		t.Errorf("got %q, want %q", got, "alpha beta...")
	}
}
