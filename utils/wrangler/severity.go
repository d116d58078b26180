// Package wrangler implements regex-driven actions over cab output lines:
// line rewriting, severity changes, suppression, and runtime-status
// declarations, built from a compact specifier DSL.
package wrangler

import (
	"fmt"
	"strings"
)

// Severity is an ordered log level for cab output lines
type Severity int

const (
	Debug Severity = 10
	Info  Severity = 20
	Warning Severity = 30
	Error    Severity = 40
	Critical Severity = 50
)

var severityNames = map[string]Severity{
	"DEBUG":    Debug,
	"INFO":     Info,
	"WARNING":  Warning,
	"ERROR":    Error,
	"CRITICAL": Critical,
	"FATAL":    Critical,
}

// ParseSeverity resolves a symbolic severity name
func ParseSeverity(name string) (Severity, error) {
	sev, ok := severityNames[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("invalid logging level '%s'", name)
	}
	return sev, nil
}

func (s Severity) String() string {
	switch {
	case s >= Critical:
		return "CRITICAL"
	case s >= Error:
		return "ERROR"
	case s >= Warning:
		return "WARNING"
	case s >= Info:
		return "INFO"
	}
	return "DEBUG"
}
