package providers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
)

// GrammarVersion identifies the reply formats understood by this package.
// It is recorded in step output so stored histories can be reinterpreted.
const GrammarVersion = 1

// Parsed is the outcome of reading structured items out of model text.
// OK is false when the text did not follow the grammar; Raw always holds the
// original reply so nothing is lost.
type Parsed[T any] struct {
	Items []T
	Raw   string
	OK    bool
}

// Unparsed wraps text that could not be read.
func Unparsed[T any](raw string) Parsed[T] {
	return Parsed[T]{Raw: raw}
}

// Decision keywords of the orchestrator grammar.
const (
	DecisionComplete = "COMPLETE"
	DecisionAskHuman = "ASK_HUMAN"
)

// Decision is the orchestrator's routing choice.
type Decision struct {
	Reasoning string
	// Next is a provider name, DecisionComplete or DecisionAskHuman.
	Next string
}

var (
	nextAgentRe = regexp.MustCompile(`(?i)NEXT_AGENT:\s*(.*)`)
	reasoningRe = regexp.MustCompile(`(?i)REASONING:\s*`)
)

// ParseDecision reads "REASONING: ... NEXT_AGENT: <name>" replies.
func ParseDecision(raw string) Parsed[Decision] {
	loc := nextAgentRe.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Unparsed[Decision](raw)
	}

	token := strings.TrimSpace(raw[loc[2]:loc[3]])
	token = strings.Trim(token, "[]\"'`*. ")
	if fields := strings.Fields(token); len(fields) > 0 {
		token = fields[0]
	}
	if token == "" {
		return Unparsed[Decision](raw)
	}

	reasoning := raw[:loc[0]]
	if r := reasoningRe.FindStringIndex(reasoning); r != nil {
		reasoning = reasoning[r[1]:]
	}

	d := Decision{Reasoning: strings.TrimSpace(reasoning)}
	switch upper := strings.ToUpper(token); upper {
	case DecisionComplete, DecisionAskHuman:
		d.Next = upper
	default:
		d.Next = strings.ToLower(token)
	}
	return Parsed[Decision]{Items: []Decision{d}, Raw: raw, OK: true}
}

var codeBlockRe = regexp.MustCompile("(?s)```[\\w+-]*[ \\t]*\\n(.*?)\\n[ \\t]*```")

// ExtractCode returns the first fenced code block of a reply.
func ExtractCode(raw string) (string, bool) {
	m := codeBlockRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Prose returns the reply with fenced code blocks removed.
func Prose(raw string) string {
	return strings.TrimSpace(codeBlockRe.ReplaceAllString(raw, ""))
}

var (
	lineMarkerRe = regexp.MustCompile(`^\s*(?:[-*]\s*)?(?:\*\*)?[Ll]ines?\s+(\d+)(?:\s*-\s*\d+)?(?:\*\*)?\s*:\s*(.*)$`)
	suggestRe    = regexp.MustCompile(`[Ii] (?:recommend|suggest)`)
	lineRefRe    = regexp.MustCompile(`[Ll]ine\s+(\d+)`)
	recommendRe  = regexp.MustCompile(`(?is)recommend(?:ation|ed)?:\s*(.*)`)
)

// ParseIssues reads review items introduced by "Line N:" or "Lines N-M:".
// An item runs until a blank line or the next marker.
func ParseIssues(raw, path string) Parsed[domain.CodeIssue] {
	var issues []domain.CodeIssue
	var cur *domain.CodeIssue

	flush := func() {
		if cur == nil {
			return
		}
		desc := strings.TrimSpace(cur.Description)
		rec := ""
		if parts := suggestRe.Split(desc, 2); len(parts) == 2 {
			desc = strings.TrimSpace(parts[0])
			rec = strings.TrimSpace(parts[1])
		}
		if rec == "" {
			rec = desc
		}
		cur.Description = desc
		cur.Recommendation = rec
		cur.IssueType = classifyIssue(desc)
		issues = append(issues, *cur)
		cur = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		if m := lineMarkerRe.FindStringSubmatch(line); m != nil {
			flush()
			n, _ := strconv.Atoi(m[1])
			cur = &domain.CodeIssue{FilePath: path, LineNumber: n, Description: m[2]}
			continue
		}
		if cur == nil {
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur.Description += "\n" + strings.TrimSpace(line)
	}
	flush()

	if len(issues) == 0 {
		return Unparsed[domain.CodeIssue](raw)
	}
	return Parsed[domain.CodeIssue]{Items: issues, Raw: raw, OK: true}
}

func classifyIssue(desc string) string {
	lower := strings.ToLower(desc)
	switch {
	case containsAny(lower, "error", "bug", "crash", "exception", "incorrect"):
		return "BUG"
	case containsAny(lower, "slow", "optimize", "performance", "efficient"):
		return "PERFORMANCE"
	case containsAny(lower, "maintain", "readability", "clean", "structure"):
		return "MAINTAINABILITY"
	}
	return "STYLE"
}

// severities in priority order; the first keyword found in a paragraph wins.
var severities = []struct {
	level string
	re    *regexp.Regexp
}{
	{"CRITICAL", regexp.MustCompile(`(?i)\b(?:critical|severe|high risk)\b`)},
	{"HIGH", regexp.MustCompile(`(?i)\b(?:high|major)\b`)},
	{"MEDIUM", regexp.MustCompile(`(?i)\b(?:medium|moderate)\b`)},
	{"LOW", regexp.MustCompile(`(?i)\b(?:low|minor)\b`)},
}

// ParseSecurityIssues reads one finding per paragraph that names a severity.
func ParseSecurityIssues(raw, path string) Parsed[domain.SecurityIssue] {
	var issues []domain.SecurityIssue
	for _, para := range paragraphs(raw) {
		level := ""
		for _, s := range severities {
			if s.re.MatchString(para) {
				level = s.level
				break
			}
		}
		if level == "" {
			continue
		}

		issue := domain.SecurityIssue{
			FilePath:       path,
			Severity:       level,
			Description:    para,
			Recommendation: "Fix the identified security issue.",
		}
		if m := lineRefRe.FindStringSubmatch(para); m != nil {
			issue.LineNumber, _ = strconv.Atoi(m[1])
		}
		if loc := recommendRe.FindStringSubmatchIndex(para); loc != nil {
			issue.Recommendation = strings.TrimSpace(para[loc[2]:loc[3]])
			issue.Description = strings.TrimSpace(para[:loc[0]])
		}
		issues = append(issues, issue)
	}

	if len(issues) == 0 {
		return Unparsed[domain.SecurityIssue](raw)
	}
	return Parsed[domain.SecurityIssue]{Items: issues, Raw: raw, OK: true}
}

func paragraphs(raw string) []string {
	var out []string
	var cur []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, strings.TrimSpace(line))
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
