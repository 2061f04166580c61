package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Filter controls which dropped files are eligible for upload. Zero
// values mean "no restriction" for that rule.
type Filter struct {
	// Extensions lists allowed file extensions (with or without the
	// leading dot, case-insensitive). Empty means any extension.
	Extensions []string `yaml:"extensions"`

	// Ignore holds glob patterns matched against the base file name.
	Ignore []string `yaml:"ignore"`

	// MaxBytes caps the size of uploaded files. Zero means unlimited.
	MaxBytes int64 `yaml:"max_bytes"`
}

// DefaultFilter returns the filter used when no rules file is
// configured: common document formats, capped at 100 MB.
func DefaultFilter() *Filter {
	return &Filter{
		Extensions: []string{".pdf", ".txt", ".md", ".docx", ".csv"},
		MaxBytes:   100 << 20,
	}
}

// LoadFilter reads upload filter rules from a YAML file. An empty path
// returns DefaultFilter.
func LoadFilter(path string) (*Filter, error) {
	if path == "" {
		return DefaultFilter(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading filter file: %w", err)
	}

	var f Filter
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing filter file %s: %w", path, err)
	}

	for i, ext := range f.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.Extensions[i] = ext
	}

	return &f, nil
}

// Allow reports whether a file with the given base name and size passes
// the filter. Hidden files and editor temp files are always rejected.
func (f *Filter) Allow(name string, size int64) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return false
	}

	for _, pattern := range f.Ignore {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return false
		}
	}

	if len(f.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(name))
		allowed := false
		for _, e := range f.Extensions {
			if ext == e {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if f.MaxBytes > 0 && size > f.MaxBytes {
		return false
	}

	return true
}
