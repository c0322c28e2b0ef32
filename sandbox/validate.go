package sandbox

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// File is a validated workspace entry. Path is slash separated and relative
// to the workspace root.
type File struct {
	Path    string
	Content string
}

// Limits bounds the size of a submitted file set. Zero values disable a check.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// ValidateFiles normalizes every path in files and rejects anything that could
// land outside the workspace root. It has no side effects and must run before
// any directory or container is created.
func ValidateFiles(files map[string]string, limits Limits) ([]File, error) {
	if limits.MaxFiles > 0 && len(files) > limits.MaxFiles {
		return nil, fmt.Errorf("%d files submitted, at most %d allowed: %w", len(files), limits.MaxFiles, ErrLimitExceeded)
	}

	var total int64
	seen := make(map[string]string, len(files))
	out := make([]File, 0, len(files))
	for p, content := range files {
		clean, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[clean]; ok {
			return nil, fmt.Errorf("paths %q and %q refer to the same file: %w", prev, p, ErrInvalidPath)
		}
		seen[clean] = p

		size := int64(len(content))
		if limits.MaxFileBytes > 0 && size > limits.MaxFileBytes {
			return nil, fmt.Errorf("file %q is %d bytes, at most %d allowed: %w", p, size, limits.MaxFileBytes, ErrLimitExceeded)
		}
		total += size
		if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
			return nil, fmt.Errorf("submission exceeds %d bytes: %w", limits.MaxTotalBytes, ErrLimitExceeded)
		}

		out = append(out, File{Path: clean, Content: content})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// NormalizePath converts separators to slashes, resolves "." and ".." segments
// and returns the cleaned relative path.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty file path: %w", ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("file path %q contains a NUL byte: %w", p, ErrInvalidPath)
	}

	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || hasDriveLetter(slashed) {
		return "", fmt.Errorf("absolute path %q not allowed: %w", p, ErrPathTraversal)
	}

	clean := path.Clean(slashed)
	switch {
	case clean == "..", strings.HasPrefix(clean, "../"):
		return "", fmt.Errorf("path %q escapes the workspace: %w", p, ErrPathTraversal)
	case clean == ".":
		return "", fmt.Errorf("path %q names the workspace root: %w", p, ErrInvalidPath)
	}
	return clean, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
