// Package prompts provides placeholder substitution for step prompt templates and access to the
// embedded default pipeline configuration.
// Configuration files are stored as YAML and embedded at compile time.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

//go:embed *.yaml
var configFiles embed.FS

// DefaultPipelineFile is the embedded step configuration used when no file or database is configured
const DefaultPipelineFile = "default_pipeline.yaml"

// ErrUnresolvedPlaceholder is returned when a template references a variable with no value
var ErrUnresolvedPlaceholder = errors.New("unresolved template placeholder")

// UnresolvedError lists the placeholders that could not be substituted
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnresolvedPlaceholder, strings.Join(e.Names, ", "))
}

func (e *UnresolvedError) Unwrap() error {
	return ErrUnresolvedPlaceholder
}

// cache stores embedded files to avoid repeated reads
var (
	cache   = make(map[string][]byte)
	cacheMu sync.RWMutex
)

// Load returns the raw content of an embedded configuration file.
func Load(filename string) ([]byte, error) {
	cacheMu.RLock()
	if data, exists := cache[filename]; exists {
		cacheMu.RUnlock()
		return data, nil
	}
	cacheMu.RUnlock()

	data, err := configFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = data
	cacheMu.Unlock()

	return data, nil
}

// ClearCache clears the file cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string][]byte)
	cacheMu.Unlock()
}

// Format replaces placeholders in the form {name} with values from data.
// Unknown placeholders are left untouched. "{{" and "}}" produce literal braces.
func Format(template string, data map[string]string) string {
	out, _ := substitute(template, data)
	return out
}

// Render is Format in strict mode: any placeholder without a value yields an *UnresolvedError.
func Render(template string, data map[string]string) (string, error) {
	out, missing := substitute(template, data)
	if len(missing) > 0 {
		return "", &UnresolvedError{Names: missing}
	}
	return out, nil
}

// Placeholders returns the distinct placeholder names of a template in sorted order.
func Placeholders(template string) []string {
	_, missing := substitute(template, nil)
	return missing
}

func substitute(template string, data map[string]string) (string, []string) {
	var sb strings.Builder
	sb.Grow(len(template))
	seen := make(map[string]bool)
	var missing []string

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				sb.WriteByte(c)
				continue
			}
			name := template[i+1 : i+1+end]
			if !isIdentifier(name) {
				sb.WriteByte(c)
				continue
			}
			if value, ok := data[name]; ok {
				sb.WriteString(value)
			} else {
				sb.WriteString(template[i : i+end+2])
				if !seen[name] {
					seen[name] = true
					missing = append(missing, name)
				}
			}
			i += end + 1
		default:
			sb.WriteByte(c)
		}
	}

	sort.Strings(missing)
	return sb.String(), missing
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
