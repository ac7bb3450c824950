package browser

import (
	"strings"
	"testing"
)

func TestSplitCSSImports(t *testing.T) {
	tests := []struct {
		name    string
		css     string
		imports []string
		rest    string
	}{
		{
			name: "url form",
			css:  `@import url('https://fonts.example.com/css?family=Roboto'); body { color: red; }`,
			imports: []string{"https://fonts.example.com/css?family=Roboto"},
			rest: ` body { color: red; }`,
		},
		{
			name:    "bare form",
			css:     `@import "theme.css"; .title { font-weight: bold; }`,
			imports: []string{"theme.css"},
			rest:    ` .title { font-weight: bold; }`,
		},
		{
			name: "multiple",
			css:  `@import url(a.css); @import url("https://x.test/b.css"); h1 {}`,
			imports: []string{"a.css", "https://x.test/b.css"},
			rest: `  h1 {}`,
		},
		{
			name: "no imports",
			css:  `body { margin: 0 }`,
			rest: `body { margin: 0 }`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imports, rest := splitCSSImports(tt.css)
			if len(imports) != len(tt.imports) {
				t.Fatalf("imports = %v, want %v", imports, tt.imports)
			}
			for i := range imports {
				if imports[i] != tt.imports[i] {
					t.Errorf("imports[%d] = %q, want %q", i, imports[i], tt.imports[i])
				}
			}
			if rest != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestIsURL(t *testing.T) {
	if !isURL("https://x.test/a.css") || !isURL("http://x.test/a.css") {
		t.Error("expected http(s) to be URLs")
	}
	if isURL("/etc/passwd") || isURL("theme.css") {
		t.Error("expected local paths not to be URLs")
	}
}

func TestShellAndSoftResetAgree(t *testing.T) {
	// The soft reset restores body innerHTML; it must produce exactly the
	// shell body, or reset would not be idempotent.
	if !strings.Contains(softResetJS, shellBody) {
		t.Fatalf("softResetJS does not restore the shell body %q", shellBody)
	}
	if !strings.Contains(shellHTML, shellBody) {
		t.Fatalf("shellHTML does not contain the shell body")
	}
}

func TestHandlesLen(t *testing.T) {
	var h *Handles
	if h.Len() != 0 {
		t.Error("nil handles should have length 0")
	}
	h = &Handles{ids: []string{"a", "b"}}
	if h.Len() != 2 {
		t.Error("expected length 2")
	}
}
