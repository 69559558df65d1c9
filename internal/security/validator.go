// Package security implements the Security Validator: filename and path
// containment checks, and advisory prompt-injection scanning for note
// content headed into the write pipeline.
package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/mdombrov-33/go-promptguard/detector"
)

// ErrPathEscape indicates a path attempts to escape its declared root,
// via "..", an absolute path, or a symlink.
var ErrPathEscape = fmt.Errorf("path escapes allowed root")

// ErrInvalidFilename indicates a filename fails basic containment rules.
var ErrInvalidFilename = fmt.Errorf("invalid filename")

// maxFilenameBytes is the B1 boundary: 200 bytes (UTF-8 encoded) accepted,
// 201 rejected.
const maxFilenameBytes = 200

// reservedDeviceNames lists Windows reserved device names (spec.md §4.A:
// "reserved device names on any host OS"), checked case-insensitively and
// ignoring any extension, since the Git Operator's working tree may be
// checked out on any host.
var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidateFilename rejects empty names, control characters, reserved
// device names, path separators, names exceeding 200 bytes after UTF-8
// encoding, and leading-dot reserved names, per spec.md §4.A.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control character", ErrInvalidFilename)
		}
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: contains path separator", ErrInvalidFilename)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: reserved name", ErrInvalidFilename)
	}
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedDeviceNames[strings.ToUpper(base)] {
		return fmt.Errorf("%w: reserved device name %q", ErrInvalidFilename, name)
	}
	if len(name) > maxFilenameBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d-byte limit", ErrInvalidFilename, len(name), maxFilenameBytes)
	}
	return nil
}

// ValidatePath resolves candidate (a path that may contain ".." segments or
// symlinks) and confirms the resolved, real path remains inside root. This
// mirrors the ancestor-walk containment check the Git Operator needs before
// it ever writes into an instance working tree.
func ValidatePath(root, candidate string) (string, error) {
	if filepath.IsAbs(candidate) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscape, candidate)
	}
	joined := filepath.Join(root, candidate)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if !isWithin(absRoot, absJoined) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrPathEscape, candidate, root)
	}

	// If the path already exists, resolve symlinks and re-check — a
	// symlink inside root can still point outside it.
	if real, err := filepath.EvalSymlinks(absJoined); err == nil {
		if realRoot, rerr := filepath.EvalSymlinks(absRoot); rerr == nil {
			if !isWithin(realRoot, real) {
				return "", fmt.Errorf("%w: %q is a symlink escaping %q", ErrPathEscape, candidate, root)
			}
		}
	}

	return absJoined, nil
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// findRootMarker walks up from start looking for a directory containing
// marker (e.g. ".git"), returning the first ancestor that has it.
func findRootMarker(start, marker string) (string, bool) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// FindGitRoot locates the nearest ancestor of start containing a .git
// directory, used to bound where the Git Operator is allowed to write.
func FindGitRoot(start string) (string, bool) {
	return findRootMarker(start, ".git")
}

// promptGuard is a package-level detector, matching the teacher's pattern of
// constructing one detector at startup rather than per call.
var promptGuard = detector.New(
	detector.WithThreshold(0.6),
	detector.WithAllDetectors(),
	detector.WithMaxInputLength(4000),
)

// dangerousPatterns implements the deterministic arm of spec.md §4.A's
// `scan_content`: script tags, event-handler attributes, data/javascript
// URLs, and SQL-shaped injection fragments. Each is checked independently
// so the caller learns every family that matched, not just the first.
var dangerousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script_tag", regexp.MustCompile(`(?i)<script[\s>]`)},
	{"event_handler_attr", regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*["']?[^"'>]*`)},
	{"javascript_url", regexp.MustCompile(`(?i)javascript:`)},
	{"data_url", regexp.MustCompile(`(?i)data:[a-z/+]+;base64,`)},
	{"sql_injection_fragment", regexp.MustCompile(`(?i)(\b(union\s+select|drop\s+table|;\s*--|'\s*or\s+'1'\s*=\s*'1)\b)`)},
}

// scanYieldChunk is the §5 suspension-point boundary: ScanContent yields
// (reports progress back to the caller, who may choose to check ctx) every
// 64 KB scanned so large note bodies don't block the runtime's scheduler.
const scanYieldChunk = 64 * 1024

// ScanContent runs the Security Validator's advisory scan over note
// content headed into storage or into an outbound AI request (spec.md
// §4.A `scan_content`): deterministic pattern matching for script/
// event-handler/URL/SQL-shaped fragments, plus the go-promptguard
// multi-detector for prompt-injection-shaped content. It never blocks
// ingestion on its own — the Privacy Filter and callers decide whether to
// reject or sanitize — it only reports what it found.
func ScanContent(ctx context.Context, text string) (dangerous bool, reason string) {
	if strings.TrimSpace(text) == "" {
		return false, ""
	}

	var hits []string
	for off := 0; off < len(text); off += scanYieldChunk {
		end := off + scanYieldChunk
		if end > len(text) {
			end = len(text)
		}
		chunk := text[off:end]
		for _, p := range dangerousPatterns {
			if p.re.MatchString(chunk) {
				hits = append(hits, p.name)
			}
		}
		select {
		case <-ctx.Done():
			return len(hits) > 0, strings.Join(dedupe(hits), ",")
		default:
		}
	}

	result := promptGuard.Detect(ctx, text)
	if !result.Safe {
		hits = append(hits, "prompt_injection_suspected")
	}

	if len(hits) == 0 {
		return false, ""
	}
	return true, strings.Join(dedupe(hits), ",")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
