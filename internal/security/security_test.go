package security

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateFilenameByteBoundary(t *testing.T) {
	// B1: 200 bytes accepted, 201 rejected.
	ok := strings.Repeat("a", 200)
	if err := ValidateFilename(ok); err != nil {
		t.Fatalf("expected a 200-byte filename to be accepted, got %v", err)
	}

	tooLong := strings.Repeat("a", 201)
	if err := ValidateFilename(tooLong); err == nil {
		t.Fatal("expected a 201-byte filename to be rejected")
	}
}

func TestValidateFilenameRejections(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"control char", "note\x01.md"},
		{"forward slash", "sub/dir.md"},
		{"backslash", "sub\\dir.md"},
		{"dot", "."},
		{"dotdot", ".."},
		{"reserved device name", "CON.md"},
		{"reserved device name lowercase", "nul.txt"},
		{"reserved device name no ext", "COM1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateFilename(tt.in); err == nil {
				t.Fatalf("expected ValidateFilename(%q) to error", tt.in)
			}
		})
	}
}

func TestValidateFilenameAccepts(t *testing.T) {
	for _, name := range []string{"note.md", "2026-coffee-notes.md", "日本語.md"} {
		if err := ValidateFilename(name); err != nil {
			t.Fatalf("expected ValidateFilename(%q) to succeed, got %v", name, err)
		}
	}
}

func TestValidatePathRejectsAbsoluteAndEscaping(t *testing.T) {
	root := t.TempDir()

	if _, err := ValidatePath(root, "/etc/passwd"); err == nil {
		t.Fatal("expected an absolute path to be rejected")
	}
	if _, err := ValidatePath(root, "../outside.md"); err == nil {
		t.Fatal("expected a parent-escaping path to be rejected")
	}
}

func TestValidatePathAcceptsContainedPath(t *testing.T) {
	root := t.TempDir()
	resolved, err := ValidatePath(root, filepath.Join("notes", "note.md"))
	if err != nil {
		t.Fatalf("ValidatePath: %v", err)
	}
	if !strings.HasPrefix(resolved, root) {
		t.Fatalf("expected resolved path %q to be rooted at %q", resolved, root)
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	outsideFile := filepath.Join(outside, "secret.md")
	if err := os.WriteFile(outsideFile, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	link := filepath.Join(root, "escape.md")
	if err := os.Symlink(outsideFile, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	if _, err := ValidatePath(root, "escape.md"); err == nil {
		t.Fatal("expected a symlink escaping root to be rejected")
	}
}

func TestFindGitRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o700); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o700); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	found, ok := FindGitRoot(nested)
	if !ok {
		t.Fatal("expected FindGitRoot to locate the ancestor .git directory")
	}
	if found != root {
		t.Fatalf("expected git root %q, got %q", root, found)
	}

	if _, ok := FindGitRoot(t.TempDir()); ok {
		t.Fatal("expected FindGitRoot to report false with no .git ancestor")
	}
}

func TestScanContentDetectsDangerousPatterns(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		text string
		want string
	}{
		{"script tag", `hello <script> alert(1) </script>`, "script_tag"},
		{"event handler", `<img src=x onerror="alert(1)">`, "event_handler_attr"},
		{"javascript url", `click <a href="javascript:alert(1)">here</a>`, "javascript_url"},
		{"data url", `<a href="data:text/html;base64,AAAA">x</a>`, "data_url"},
		{"sql injection", `1' OR '1'='1`, "sql_injection_fragment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dangerous, reason := ScanContent(ctx, tt.text)
			if !dangerous {
				t.Fatalf("expected %q to be flagged dangerous", tt.text)
			}
			if !strings.Contains(reason, tt.want) {
				t.Fatalf("expected reason to mention %q, got %q", tt.want, reason)
			}
		})
	}
}

func TestScanContentIgnoresBenignText(t *testing.T) {
	dangerous, reason := ScanContent(context.Background(), "notes about today's coffee roast")
	if dangerous {
		t.Fatalf("expected benign text to pass, got reason %q", reason)
	}
}

func TestScanContentEmptyInput(t *testing.T) {
	dangerous, reason := ScanContent(context.Background(), "   ")
	if dangerous || reason != "" {
		t.Fatalf("expected blank input to be a no-op, got dangerous=%v reason=%q", dangerous, reason)
	}
}

func TestValidateFrontmatterNoHeaderPassesThrough(t *testing.T) {
	content := "just a plain note body with no frontmatter"
	parsed, err := ValidateFrontmatter(content)
	if err != nil {
		t.Fatalf("ValidateFrontmatter: %v", err)
	}
	if parsed.Body != content {
		t.Fatalf("expected body to pass through unchanged, got %q", parsed.Body)
	}
}

func TestValidateFrontmatterParsesHeader(t *testing.T) {
	content := "---\ntitle: Coffee notes\ntags: [coffee, roast]\nsource: discord\n---\n\nbody text"
	parsed, err := ValidateFrontmatter(content)
	if err != nil {
		t.Fatalf("ValidateFrontmatter: %v", err)
	}
	if parsed.Meta.Title != "Coffee notes" {
		t.Fatalf("expected title to be parsed, got %q", parsed.Meta.Title)
	}
	if strings.TrimSpace(parsed.Body) != "body text" {
		t.Fatalf("expected body to exclude frontmatter, got %q", parsed.Body)
	}
}

func TestValidateFrontmatterMapRejectsBadKeys(t *testing.T) {
	_, err := ValidateFrontmatterMap(map[string]any{"1bad-key": "value"})
	if err == nil {
		t.Fatal("expected a key starting with a digit to be rejected")
	}
}

func TestValidateFrontmatterMapEscapesAndTruncatesStrings(t *testing.T) {
	long := strings.Repeat("a", maxFrontmatterStringBytes+50)
	out, err := ValidateFrontmatterMap(map[string]any{
		"title": "<b>bold</b>",
		"note":  long,
	})
	if err != nil {
		t.Fatalf("ValidateFrontmatterMap: %v", err)
	}
	if out["title"] != "&lt;b&gt;bold&lt;/b&gt;" {
		t.Fatalf("expected title to be HTML-escaped, got %v", out["title"])
	}
	if got := out["note"].(string); len(got) > maxFrontmatterStringBytes {
		t.Fatalf("expected note to be truncated to %d bytes, got %d", maxFrontmatterStringBytes, len(got))
	}
}

func TestValidateFrontmatterMapCapsListLength(t *testing.T) {
	tags := make([]string, maxFrontmatterListItems+1)
	for i := range tags {
		tags[i] = "tag"
	}
	if _, err := ValidateFrontmatterMap(map[string]any{"tags": tags}); err == nil {
		t.Fatal("expected a list exceeding the item cap to be rejected")
	}
}

func TestValidateFrontmatterMapRejectsUnsupportedType(t *testing.T) {
	if _, err := ValidateFrontmatterMap(map[string]any{"count": 42}); err == nil {
		t.Fatal("expected an unsupported value type to be rejected")
	}
}

func TestValidateFrontmatterMapDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"title": "plain"}
	out, err := ValidateFrontmatterMap(in)
	if err != nil {
		t.Fatalf("ValidateFrontmatterMap: %v", err)
	}
	out["title"] = "changed"
	if in["title"] != "plain" {
		t.Fatal("expected the input map to remain unmodified")
	}
}
