// Package lang defines the closed set of languages the tooling layer
// supervises and maps file paths onto them.
package lang

import (
	"path/filepath"
	"sort"
	"strings"
)

// Language identifies a supported language. The zero value means unknown.
type Language string

const (
	None       Language = ""
	Go         Language = "go"
	TypeScript Language = "typescript"
	JavaScript Language = "javascript"
	Python     Language = "python"
	Java       Language = "java"
	Kotlin     Language = "kotlin"
)

// All returns every supported language in stable order.
func All() []Language {
	return []Language{Go, TypeScript, JavaScript, Python, Java, Kotlin}
}

// Parse returns the Language named by s, or None if unsupported.
func Parse(s string) Language {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if l == known {
			return known
		}
	}
	return None
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	return l != None && Parse(string(l)) == l
}

func (l Language) String() string { return string(l) }

// Backend returns the canonical language that owns l's server backend.
// TypeScript and JavaScript share one server, as do Java and Kotlin; for
// those pairs the canonical member is returned so callers key registries
// consistently.
func (l Language) Backend() Language {
	switch l {
	case JavaScript:
		return TypeScript
	case Kotlin:
		return Java
	default:
		return l
	}
}

// extensionLanguages maps lowercase file extensions (no dot) to languages.
var extensionLanguages = map[string]Language{
	"go":   Go,
	"ts":   TypeScript,
	"tsx":  TypeScript,
	"mts":  TypeScript,
	"cts":  TypeScript,
	"js":   JavaScript,
	"jsx":  JavaScript,
	"mjs":  JavaScript,
	"cjs":  JavaScript,
	"py":   Python,
	"pyi":  Python,
	"java": Java,
	"kt":   Kotlin,
	"kts":  Kotlin,
}

// FromPath detects the language of a file from its extension. Unknown or
// missing extensions yield None.
func FromPath(path string) Language {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return None
	}
	return extensionLanguages[ext]
}

// Extensions returns every recognized file extension (no dot), sorted.
func Extensions() []string {
	exts := make([]string, 0, len(extensionLanguages))
	for ext := range extensionLanguages {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// wireIDs maps extensions whose LSP document language identifier differs
// from the backend language name.
var wireIDs = map[string]string{
	"tsx": "typescriptreact",
	"jsx": "javascriptreact",
}

// WireID returns the LSP languageId to advertise for path in didOpen.
// It falls back to the detected language name, or "plaintext" when the
// path is not recognized.
func WireID(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if id, ok := wireIDs[ext]; ok {
		return id
	}
	if l := FromPath(path); l != None {
		return string(l)
	}
	return "plaintext"
}
