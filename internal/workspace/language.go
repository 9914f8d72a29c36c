package workspace

import (
	"path/filepath"
	"strings"
)

// Unknown is reported for unrecognized extensions.
const Unknown = "Unknown"

var languages = map[string]string{
	".py":    "Python",
	".js":    "JavaScript",
	".jsx":   "JavaScript React",
	".ts":    "TypeScript",
	".tsx":   "TypeScript React",
	".html":  "HTML",
	".css":   "CSS",
	".scss":  "SCSS",
	".java":  "Java",
	".c":     "C",
	".cpp":   "C++",
	".go":    "Go",
	".rs":    "Rust",
	".rb":    "Ruby",
	".php":   "PHP",
	".swift": "Swift",
	".kt":    "Kotlin",
	".md":    "Markdown",
	".json":  "JSON",
	".yaml":  "YAML",
	".yml":   "YAML",
	".xml":   "XML",
	".sql":   "SQL",
	".sh":    "Shell",
	".bat":   "Batch",
	".ps1":   "PowerShell",
}

// DetectLanguage names the language of a file from its extension.
func DetectLanguage(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return Unknown
}

// IsJavaScript reports whether lang is one of the JavaScript family.
func IsJavaScript(lang string) bool {
	switch lang {
	case "JavaScript", "TypeScript", "JavaScript React", "TypeScript React":
		return true
	}
	return false
}
