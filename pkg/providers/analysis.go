package providers

import (
	"regexp"
	"strings"

	"github.com/aretw0/sochen/internal/workspace"
)

// Symbol is a function or class found in a source file.
type Symbol struct {
	Name      string
	Params    string
	Docstring string
}

var (
	pyImportRe     = regexp.MustCompile(`(?m)^import\s+([\w., ]+)`)
	pyFromImportRe = regexp.MustCompile(`(?m)^from\s+([\w.]+)\s+import\s+([\w., *]+)`)
	jsImportRe     = regexp.MustCompile(`import\s+(?:\{[^}]*\}|\w+|\*\s+as\s+\w+)\s+from\s+['"]([^'"]+)['"]`)
	jsRequireRe    = regexp.MustCompile(`(?:const|let|var)\s+(?:\w+|\{[^}]*\})\s*=\s*require\(['"]([^'"]+)['"]\)`)

	pyFuncRe  = regexp.MustCompile(`(?m)^[ \t]*(?:async\s+)?def\s+(\w+)\s*\(([^)]*)\)(?:\s*->\s*[^:]+)?\s*:`)
	pyClassRe = regexp.MustCompile(`(?m)^[ \t]*class\s+(\w+)(?:\(([^)]*)\))?\s*:`)
	jsFuncRe  = regexp.MustCompile(`function\s+(\w+)\s*\(([^)]*)\)\s*\{`)
	jsArrowRe = regexp.MustCompile(`(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?\(([^)]*)\)\s*=>`)
	jsClassRe = regexp.MustCompile(`class\s+(\w+)(?:\s+extends\s+([\w.]+))?\s*\{`)
)

// ParseImports lists the modules a file imports. Only Python and the
// JavaScript family are understood.
func ParseImports(content, language string) []string {
	var imports []string
	switch {
	case language == "Python":
		for _, m := range pyImportRe.FindAllStringSubmatch(content, -1) {
			for _, mod := range strings.Split(m[1], ",") {
				imports = append(imports, stripAlias(mod))
			}
		}
		for _, m := range pyFromImportRe.FindAllStringSubmatch(content, -1) {
			for _, mod := range strings.Split(m[2], ",") {
				imports = append(imports, m[1]+"."+stripAlias(mod))
			}
		}
	case workspace.IsJavaScript(language):
		for _, m := range jsImportRe.FindAllStringSubmatch(content, -1) {
			imports = append(imports, m[1])
		}
		for _, m := range jsRequireRe.FindAllStringSubmatch(content, -1) {
			imports = append(imports, m[1])
		}
	}
	return imports
}

func stripAlias(mod string) string {
	mod = strings.TrimSpace(mod)
	if before, _, ok := strings.Cut(mod, " as "); ok {
		return strings.TrimSpace(before)
	}
	return mod
}

// ExtractFunctions lists function definitions with their docstrings.
func ExtractFunctions(content, language string) []Symbol {
	var out []Symbol
	switch {
	case language == "Python":
		for _, loc := range pyFuncRe.FindAllStringSubmatchIndex(content, -1) {
			out = append(out, Symbol{
				Name:      content[loc[2]:loc[3]],
				Params:    strings.TrimSpace(content[loc[4]:loc[5]]),
				Docstring: pyDocstring(content[loc[1]:]),
			})
		}
	case workspace.IsJavaScript(language):
		for _, re := range []*regexp.Regexp{jsFuncRe, jsArrowRe} {
			for _, loc := range re.FindAllStringSubmatchIndex(content, -1) {
				out = append(out, Symbol{
					Name:      content[loc[2]:loc[3]],
					Params:    strings.TrimSpace(content[loc[4]:loc[5]]),
					Docstring: jsDoc(content[:loc[0]]),
				})
			}
		}
	}
	return out
}

// ExtractClasses lists class definitions. Params holds the base classes.
func ExtractClasses(content, language string) []Symbol {
	var out []Symbol
	var re *regexp.Regexp
	switch {
	case language == "Python":
		re = pyClassRe
	case workspace.IsJavaScript(language):
		re = jsClassRe
	default:
		return nil
	}
	for _, loc := range re.FindAllStringSubmatchIndex(content, -1) {
		s := Symbol{Name: content[loc[2]:loc[3]]}
		if loc[4] >= 0 {
			s.Params = strings.TrimSpace(content[loc[4]:loc[5]])
		}
		if language == "Python" {
			s.Docstring = pyDocstring(content[loc[1]:])
		} else {
			s.Docstring = jsDoc(content[:loc[0]])
		}
		out = append(out, s)
	}
	return out
}

// pyDocstring reads a triple-quoted string opening the body that follows a definition.
func pyDocstring(body string) string {
	body = strings.TrimLeft(body, " \t\r\n")
	var delim string
	switch {
	case strings.HasPrefix(body, `"""`):
		delim = `"""`
	case strings.HasPrefix(body, `'''`):
		delim = `'''`
	default:
		return ""
	}
	rest := body[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return ""
	}
	lines := strings.Split(rest[:end], "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// jsDoc reads a /** ... */ block that ends right before a definition.
func jsDoc(before string) string {
	trimmed := strings.TrimRight(before, " \t\r\n")
	if !strings.HasSuffix(trimmed, "*/") {
		return ""
	}
	start := strings.LastIndex(trimmed, "/**")
	if start < 0 {
		return ""
	}
	inner := trimmed[start+3 : len(trimmed)-2]
	var lines []string
	for _, l := range strings.Split(inner, "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "*"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

// Undocumented returns the functions of a file that have no docstring.
func Undocumented(content, language string) []string {
	var names []string
	for _, f := range ExtractFunctions(content, language) {
		if f.Docstring == "" {
			names = append(names, f.Name)
		}
	}
	return names
}
