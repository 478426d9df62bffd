// Package diagnostics extracts error and warning lines from JavaScript build
// output and formats failed build details for callbacks.
package diagnostics

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Diagnostic struct {
	Severity Severity `json:"severity"`
	Source   string   `json:"source"`
	Tool     string   `json:"tool,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Raw      string   `json:"raw"`
}

type Report struct {
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}

var (
	// src/App.tsx(12,5): error TS2322: Type 'string' is not assignable.
	tscParenRe = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning) (TS\d+): (.*)$`)
	// src/App.tsx:12:5 - error TS2322: Type 'string' is not assignable.
	tscColonRe = regexp.MustCompile(`^(.+?):(\d+):(\d+) - (error|warning) (TS\d+): (.*)$`)
	// ERR_PNPM_NO_SCRIPT  Missing script: build
	pnpmRe = regexp.MustCompile(`^(ERR_PNPM_[A-Z0-9_]+)\s+(.*)$`)
	// npm ERR! code ELIFECYCLE / npm error code ERESOLVE
	npmCodeRe = regexp.MustCompile(`^npm (?:ERR!|error) code (\S+)$`)
)

// BuildReport parses the given named output streams in order. Duplicate
// diagnostics across streams are reported once.
func BuildReport(streams []Stream) Report {
	report := Report{Diagnostics: make([]Diagnostic, 0)}
	seen := map[string]struct{}{}
	pendingCode := ""

	for _, s := range streams {
		scanner := bufio.NewScanner(strings.NewReader(s.Output))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if m := npmCodeRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
				pendingCode = m[1]
				continue
			}
			d, ok := parseLine(line, s.Name)
			if !ok {
				continue
			}
			if d.Tool == "npm" && d.Code == "" {
				d.Code = pendingCode
			}
			key := diagnosticKey(d)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			report.Diagnostics = append(report.Diagnostics, d)
			if d.Severity == SeverityError {
				report.ErrorCount++
			} else {
				report.WarningCount++
			}
		}
	}
	return report
}

type Stream struct {
	Name   string
	Output string
}

// InferFailure picks the first error in report and classifies it. The
// fallback message is used when no error line was recognised.
func InferFailure(report Report, fallbackMessage string) (string, string) {
	if d, ok := firstError(report); ok {
		return classify(d), formatSummary(d)
	}
	msg := strings.TrimSpace(fallbackMessage)
	if msg == "" {
		msg = "build failed"
	}
	return "unknown", msg
}

// FormatCommandFailure renders the detail sent to callbacks when the build
// command exits non-zero.
func FormatCommandFailure(exitCode int, stdout, stderr string) string {
	return fmt.Sprintf("Build command failed with return code %d.\nSTDOUT:\n%s\nSTDERR:\n%s", exitCode, stdout, stderr)
}

// Truncate returns at most n bytes of s for log output.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

func firstError(report Report) (Diagnostic, bool) {
	// Prefer a specific diagnostic over the package manager's closing
	// "command failed" line, which always comes last.
	var generic *Diagnostic
	for i, d := range report.Diagnostics {
		if d.Severity != SeverityError {
			continue
		}
		if isGenericFailure(d) {
			if generic == nil {
				generic = &report.Diagnostics[i]
			}
			continue
		}
		return d, true
	}
	if generic != nil {
		return *generic, true
	}
	return Diagnostic{}, false
}

func isGenericFailure(d Diagnostic) bool {
	if d.Code == "ELIFECYCLE" {
		return true
	}
	lower := strings.ToLower(d.Message)
	for _, prefix := range genericPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// genericPrefixes are package manager trailer lines that only restate that
// the script failed.
var genericPrefixes = []string{
	"command failed",
	"command sh -c",
	"command cmd",
	"lifecycle script",
	"error: command failed",
	"a complete log of this run",
	"path ",
	"in workspace",
	"at location",
}

func classify(d Diagnostic) string {
	lower := strings.ToLower(d.Message + " " + d.Code)
	switch {
	case strings.Contains(lower, "missing script") || d.Code == "ERR_PNPM_NO_SCRIPT":
		return "missing-script"
	case strings.HasPrefix(d.Code, "TS") || strings.Contains(lower, "syntaxerror") || strings.Contains(lower, "syntax error"):
		return "compile"
	case strings.Contains(lower, "module not found") || strings.Contains(lower, "can't resolve") || strings.Contains(lower, "cannot find module"):
		return "compile"
	case d.Code == "ERESOLVE" || d.Code == "E404" || d.Code == "ENOTFOUND" || d.Code == "ETARGET" ||
		strings.HasPrefix(d.Code, "ERR_PNPM_FETCH") || strings.Contains(lower, "couldn't find package") ||
		strings.Contains(lower, "unable to resolve dependency"):
		return "dependencies"
	case strings.Contains(lower, "command not found") || strings.Contains(lower, "not recognized as an internal"):
		return "toolchain"
	default:
		return "build"
	}
}

func formatSummary(d Diagnostic) string {
	where := ""
	if d.File != "" && d.Line > 0 {
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	} else if d.File != "" {
		where = fmt.Sprintf(" (%s)", d.File)
	}
	if d.Code != "" {
		return fmt.Sprintf("[%s] %s%s", d.Code, d.Message, where)
	}
	return d.Message + where
}

func parseLine(rawLine, source string) (Diagnostic, bool) {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return Diagnostic{}, false
	}
	d := Diagnostic{Source: source, Raw: line}

	if m := tscParenRe.FindStringSubmatch(line); m != nil {
		return tscDiagnostic(d, m), true
	}
	if m := tscColonRe.FindStringSubmatch(line); m != nil {
		return tscDiagnostic(d, m), true
	}
	if m := pnpmRe.FindStringSubmatch(line); m != nil {
		d.Severity = SeverityError
		d.Tool = "pnpm"
		d.Code = m[1]
		d.Message = strings.TrimSpace(m[2])
		return d, true
	}

	switch {
	case hasAnyPrefix(line, "npm ERR!", "npm error"):
		d.Severity = SeverityError
		d.Tool = "npm"
		d.Message = strings.TrimSpace(trimAnyPrefix(line, "npm ERR!", "npm error"))
	case hasAnyPrefix(line, "npm WARN", "npm warn"):
		d.Severity = SeverityWarning
		d.Tool = "npm"
		d.Message = strings.TrimSpace(trimAnyPrefix(line, "npm WARN", "npm warn"))
	case strings.HasPrefix(line, "error "):
		d.Severity = SeverityError
		d.Tool = "yarn"
		d.Message = strings.TrimSpace(strings.TrimPrefix(line, "error "))
	case strings.HasPrefix(line, "warning "):
		d.Severity = SeverityWarning
		d.Tool = "yarn"
		d.Message = strings.TrimSpace(strings.TrimPrefix(line, "warning "))
	case strings.HasPrefix(line, "ERROR in "):
		d.Severity = SeverityError
		d.Tool = "webpack"
		d.File, d.Line, d.Column = splitWebpackLocation(strings.TrimPrefix(line, "ERROR in "))
		d.Message = strings.TrimSpace(strings.TrimPrefix(line, "ERROR in "))
	case strings.HasPrefix(line, "Module not found:"):
		d.Severity = SeverityError
		d.Tool = "webpack"
		d.Message = line
	case strings.HasPrefix(line, "SyntaxError:") || strings.HasPrefix(line, "Error:"):
		d.Severity = SeverityError
		d.Tool = "node"
		d.Message = line
	case strings.HasSuffix(line, ": command not found") || strings.HasSuffix(line, ": not found"):
		d.Severity = SeverityError
		d.Tool = "sh"
		d.Message = "command not found: " + commandName(line)
	default:
		return Diagnostic{}, false
	}
	if d.Message == "" {
		return Diagnostic{}, false
	}
	return d, true
}

func tscDiagnostic(d Diagnostic, m []string) Diagnostic {
	d.Tool = "tsc"
	d.File = m[1]
	d.Line, _ = strconv.Atoi(m[2])
	d.Column, _ = strconv.Atoi(m[3])
	d.Severity = SeverityError
	if m[4] == "warning" {
		d.Severity = SeverityWarning
	}
	d.Code = m[5]
	d.Message = m[6]
	return d
}

// splitWebpackLocation parses "./src/App.js 12:4-10" style locations.
func splitWebpackLocation(rest string) (string, int, int) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, 0
	}
	file := fields[0]
	if len(fields) < 2 {
		return file, 0, 0
	}
	pos := fields[1]
	if i := strings.Index(pos, "-"); i >= 0 {
		pos = pos[:i]
	}
	parts := strings.SplitN(pos, ":", 2)
	line, err := strconv.Atoi(parts[0])
	if err != nil {
		return file, 0, 0
	}
	col := 0
	if len(parts) == 2 {
		col, _ = strconv.Atoi(parts[1])
	}
	return file, line, col
}

// commandName extracts the missing binary from shell messages such as
// "sh: 1: vite: not found" or "bash: next: command not found".
func commandName(line string) string {
	parts := strings.Split(line, ":")
	for i := len(parts) - 2; i >= 0; i-- {
		name := strings.TrimSpace(parts[i])
		if name != "" {
			return name
		}
	}
	return line
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func trimAnyPrefix(s string, prefixes ...string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return strings.TrimPrefix(s, p)
		}
	}
	return s
}

func diagnosticKey(d Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", d.Severity, d.Code, d.Message, d.File, d.Line, d.Column)
}
