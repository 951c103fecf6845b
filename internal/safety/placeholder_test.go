package safety

import (
	"strings"
	"testing"
)

func TestPlaceholderDetector_FindsStubs(t *testing.T) {
	d := NewPlaceholderDetector()
	tests := []struct {
		name    string
		content string
	}{
		{"todo implement", "func Parse() {\n\t// TODO: implement parsing\n}"},
		{"not implemented", `return errors.New("not implemented")`},
		{"python stub", "def run():\n    raise NotImplementedError"},
		{"panic stub", `panic("TODO")`},
		{"your code here", "// YOUR_CODE_HERE"},
		{"placeholder tag", "body = <placeholder>"},
		{"implementation goes here", "# implementation goes here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			warnings := d.Scan(tc.content)
			if len(warnings) == 0 {
				t.Fatalf("expected stub warning for %q", tc.content)
			}
		})
	}
}

func TestPlaceholderDetector_ReportsLineNumbers(t *testing.T) {
	d := NewPlaceholderDetector()
	content := "package main\n\nfunc main() {\n\t// TODO: implement startup\n}\n"
	warnings := d.Scan(content)
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	if warnings[0].Line != 4 {
		t.Fatalf("line = %d, want 4", warnings[0].Line)
	}
	if !strings.Contains(warnings[0].Sample, "TODO") {
		t.Fatalf("sample = %q", warnings[0].Sample)
	}
}

func TestPlaceholderDetector_AllowsRealCode(t *testing.T) {
	d := NewPlaceholderDetector()
	tests := []string{
		"func Add(a, b int) int { return a + b }",
		"// Parse reads the config file and returns the parsed form.",
		"the todo list feature shipped last week",
		"",
	}
	for _, content := range tests {
		if warnings := d.Scan(content); len(warnings) > 0 {
			t.Errorf("unexpected warnings for %q: %v", content, warnings)
		}
	}
}

func TestPlaceholderDetector_CapsWarnings(t *testing.T) {
	d := NewPlaceholderDetector()
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("// TODO: implement step\n")
	}
	warnings := d.Scan(b.String())
	if len(warnings) != 10 {
		t.Fatalf("expected warnings capped at 10, got %d", len(warnings))
	}
}
