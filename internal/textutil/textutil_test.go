package textutil

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"aspirin inhibits COX-1", []string{"aspirin", "inhibits", "COX", "-", "1"}},
		{"2-(acetyloxy)benzoic acid", []string{"2", "-", "(", "acetyloxy", ")", "benzoic", "acid"}},
		{"", nil},
		{"  spaces  ", []string{"spaces"}},
		{"α-tocopherol", []string{"α", "-", "tocopherol"}},
		{"Na+.", []string{"Na", "+", "."}},
	}
	for _, tt := range tests {
		got := Tokenize(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTokenSpans(t *testing.T) {
	text := "NaCl, H2O"
	spans := TokenSpans(text)
	want := []string{"NaCl", ",", "H2O"}
	if len(spans) != len(want) {
		t.Fatalf("TokenSpans(%q) = %v", text, spans)
	}
	for i, sp := range spans {
		if got := text[sp[0]:sp[1]]; got != want[i] {
			t.Errorf("span %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestNgrams(t *testing.T) {
	tests := []struct {
		s    string
		min  int
		max  int
		want []string
	}{
		{"abc", 2, 3, []string{"ab", "bc", "abc"}},
		{"ab", 3, 5, nil},
		{"hello", 5, 5, []string{"hello"}},
		{"ab", 1, 2, []string{"a", "b", "ab"}},
		{"", 1, 3, nil},
	}
	for _, tt := range tests {
		got := Ngrams(tt.s, tt.min, tt.max)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Ngrams(%q, %d, %d) = %v, want %v", tt.s, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestCharWbNgrams(t *testing.T) {
	got := CharWbNgrams("OH", 2, 2)
	want := []string{" O", "OH", "H "}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CharWbNgrams = %q, want %q", got, want)
	}
}

func TestShape(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"NaCl", "XxXx"},
		{"H2O", "XdX"},
		{"1,3-diol", "d,d-x"},
		{"benzene", "x"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Shape(tt.input); got != tt.want {
			t.Errorf("Shape(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAffixes(t *testing.T) {
	if got := Prefix("ethanol", 3); got != "eth" {
		t.Errorf("Prefix = %q, want eth", got)
	}
	if got := Suffix("ethanol", 3); got != "nol" {
		t.Errorf("Suffix = %q, want nol", got)
	}
	if got := Suffix("OH", 3); got != "OH" {
		t.Errorf("Suffix short = %q, want OH", got)
	}
	if got := Prefix("αβγδ", 2); got != "αβ" {
		t.Errorf("Prefix runes = %q, want αβ", got)
	}
}

func TestNormalizeWhitespaces(t *testing.T) {
	got := NormalizeWhitespaces("line\nbreak   here")
	if got != "line break here" {
		t.Errorf("NormalizeWhitespaces = %q", got)
	}
}

func TestNumberPattern(t *testing.T) {
	tests := []struct {
		input string
		ratio float64
		want  string
	}{
		{"50-78-2", 0.3, "XX-XX-X"},
		{"abc1", 0.5, ""},
		{"a1b2", 0.5, "CXCX"},
		{"", 0.3, ""},
	}
	for _, tt := range tests {
		if got := NumberPattern(tt.input, tt.ratio); got != tt.want {
			t.Errorf("NumberPattern(%q, %v) = %q, want %q", tt.input, tt.ratio, got, tt.want)
		}
	}
}
