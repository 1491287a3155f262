// Package security guards the paths offline tools write reports to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a path resolves outside every allowed root.
var ErrPathEscapes = errors.New("path escapes allowed directories")

// maxFilenameLen bounds SanitizeFilename output.
const maxFilenameLen = 128

// canonical resolves symlinks in path. For a path that does not exist yet
// the deepest existing ancestor is resolved and the rest appended, so a
// symlinked parent cannot smuggle a new file out of its root.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	var tail []string
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
	}
}

// Within reports whether path resolves inside root.
func Within(path, root string) (bool, error) {
	p, err := canonical(path)
	if err != nil {
		return false, err
	}
	r, err := canonical(root)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(r, p)
	if err != nil {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return false, nil
	}
	return true, nil
}

// ValidateOutputPath accepts path if it resolves inside one of roots. With
// no roots given, the working directory and os.TempDir are allowed.
func ValidateOutputPath(path string, roots ...string) error {
	if len(roots) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		roots = []string{cwd, os.TempDir()}
	}

	for _, root := range roots {
		ok, err := Within(path, root)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not under %v", ErrPathEscapes, path, roots)
}

// SanitizeFilename turns an arbitrary identifier such as a stream name into
// a file name of ASCII letters, digits, dot, underscore and dash. Runs of
// anything else collapse to one underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			pendingUnderscore = true
			continue
		}
		if pendingUnderscore && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingUnderscore = false
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
