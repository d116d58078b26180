package wrangler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// Status receives runtime-status declarations from wrangler actions. It is
// implemented by the cab's RuntimeStatus.
type Status interface {
	DeclareSuccess()
	DeclareFailure(err error)
	DeclareWarning(message string)
	DeclareOutputs(outputs map[string]interface{})
}

// Action is one declarative action triggered when a wrangler regex matches
// an output line. Apply may return a modified line (nil pointer means
// unchanged, empty-string-with-suppress handled by the caller), and a
// severity override (nil means unchanged).
type Action interface {
	Apply(status Status, line string, match []string, names map[string]int) (newLine *string, severity *Severity, suppress bool)
}

// CabOutputError indicates a failure parsing structured output from a line
type CabOutputError struct {
	Msg    string
	Nested error
}

func (e CabOutputError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e CabOutputError) Unwrap() error { return e.Nested }

// CabRuntimeError indicates a cab marked as failed by a wrangler
type CabRuntimeError struct {
	Msg string
}

func (e CabRuntimeError) Error() string { return e.Msg }

// replaceAction rewrites the matching pattern: REPLACE:<repl>
type replaceAction struct {
	regex   *regexp.Regexp
	replace string
}

func (a replaceAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	out := a.regex.ReplaceAllString(line, a.replace)
	return &out, nil, false
}

// highlightAction styles the matching pattern: HIGHLIGHT:<style>
type highlightAction struct {
	regex *regexp.Regexp
	style lipgloss.Style
}

func (a highlightAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	out := a.regex.ReplaceAllStringFunc(line, func(s string) string {
		return a.style.Render(s)
	})
	return &out, nil, false
}

// severityAction reports the line at a given level: SEVERITY:<LEVEL>
type severityAction struct {
	severity Severity
}

func (a severityAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	sev := a.severity
	return nil, &sev, false
}

// suppressAction drops the line: SUPPRESS
type suppressAction struct{}

func (a suppressAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	return nil, nil, true
}

// declareWarningAction issues a warning: WARNING:<message>
type declareWarningAction struct {
	message string
}

func (a declareWarningAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	status.DeclareWarning(a.message)
	sev := Warning
	return nil, &sev, false
}

// declareErrorAction marks the cab as failed: ERROR[:<message>]
type declareErrorAction struct {
	regex   *regexp.Regexp
	message string
}

func (a declareErrorAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	message := a.message
	if message != "" {
		message = expandGroups(message, match, names)
	} else {
		message = fmt.Sprintf("cab marked as failed based on encountering '%s' in output", a.regex.String())
	}
	status.DeclareFailure(CabRuntimeError{Msg: message})
	styled := errorStyle.Render(line)
	sev := Error
	return &styled, &sev, false
}

// declareSuccessAction marks the cab as succeeded: DECLARE_SUCCESS
type declareSuccessAction struct{}

func (a declareSuccessAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	status.DeclareSuccess()
	styled := successStyle.Render(line)
	return &styled, nil, false
}

// parseOutputAction extracts one named output:
// PARSE_OUTPUT[:<name>]:<group>:<dtype>
type parseOutputAction struct {
	name   string
	group  string
	loader func(string) (interface{}, error)
}

func (a parseOutputAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	raw, ok := groupValue(a.group, match, names)
	if !ok {
		return nil, nil, false
	}
	value, err := a.loader(raw)
	if err != nil {
		status.DeclareFailure(CabOutputError{
			Msg:    fmt.Sprintf("error parsing string \"%s\" for output '%s'", raw, a.name),
			Nested: err,
		})
		return nil, nil, false
	}
	status.DeclareOutputs(map[string]interface{}{a.name: value})
	return nil, nil, false
}

// parseJSONOutputsAction JSON-decodes each named group: PARSE_JSON_OUTPUTS
type parseJSONOutputsAction struct{}

func (a parseJSONOutputsAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	outputs := map[string]interface{}{}
	for name, idx := range names {
		if idx >= len(match) || match[idx] == "" {
			continue
		}
		var value interface{}
		if err := json.Unmarshal([]byte(match[idx]), &value); err != nil {
			status.DeclareFailure(CabOutputError{
				Msg:    fmt.Sprintf("error parsing string \"%s\" for output '%s'", match[idx], name),
				Nested: err,
			})
			continue
		}
		outputs[name] = value
	}
	if len(outputs) > 0 {
		status.DeclareOutputs(outputs)
	}
	return nil, nil, false
}

// parseJSONOutputDictAction JSON-decodes the first group as a mapping:
// PARSE_JSON_OUTPUT_DICT
type parseJSONOutputDictAction struct{}

func (a parseJSONOutputDictAction) Apply(status Status, line string, match []string, names map[string]int) (*string, *Severity, bool) {
	if len(match) < 2 {
		return nil, nil, false
	}
	outputs := map[string]interface{}{}
	if err := json.Unmarshal([]byte(match[1]), &outputs); err != nil {
		status.DeclareFailure(CabOutputError{
			Msg:    fmt.Sprintf("error parsing output dict from \"%s\"", match[1]),
			Nested: err,
		})
		return nil, nil, false
	}
	status.DeclareOutputs(outputs)
	return nil, nil, false
}

var (
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

// styleFromSpec builds a lipgloss style from a space-separated specifier
// such as "bold yellow"
func styleFromSpec(spec string) lipgloss.Style {
	style := lipgloss.NewStyle()
	colors := map[string]string{
		"black": "0", "red": "1", "green": "2", "yellow": "3",
		"blue": "4", "magenta": "5", "cyan": "6", "white": "7",
		"bright_black": "8", "bright_red": "9", "bright_green": "10",
		"bright_yellow": "11", "bright_blue": "12", "bright_magenta": "13",
		"bright_cyan": "14", "bright_white": "15",
	}
	for _, word := range strings.Fields(spec) {
		switch word {
		case "bold":
			style = style.Bold(true)
		case "italic":
			style = style.Italic(true)
		case "underline":
			style = style.Underline(true)
		case "dim":
			style = style.Faint(true)
		default:
			if code, ok := colors[word]; ok {
				style = style.Foreground(lipgloss.Color(code))
			}
		}
	}
	return style
}

// groupValue resolves a ()-group by name or number from a match
func groupValue(group string, match []string, names map[string]int) (string, bool) {
	if idx, ok := names[group]; ok {
		if idx < len(match) {
			return match[idx], true
		}
		return "", false
	}
	if idx, err := strconv.Atoi(group); err == nil && idx < len(match) {
		return match[idx], true
	}
	return "", false
}

// expandGroups substitutes {groupname} references in a message template
func expandGroups(template string, match []string, names map[string]int) string {
	out := template
	for name, idx := range names {
		if idx < len(match) {
			out = strings.ReplaceAll(out, "{"+name+"}", match[idx])
		}
	}
	return out
}

// output-value loaders for PARSE_OUTPUT dtypes
var outputLoaders = map[string]func(string) (interface{}, error){
	"str": func(s string) (interface{}, error) { return s, nil },
	"bool": func(s string) (interface{}, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		}
		return nil, fmt.Errorf("'%s' is not a boolean", s)
	},
	"int": func(s string) (interface{}, error) {
		return strconv.Atoi(strings.TrimSpace(s))
	},
	"float": func(s string) (interface{}, error) {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	},
	"complex": func(s string) (interface{}, error) {
		c, err := strconv.ParseComplex(strings.TrimSpace(s), 128)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	"json": func(s string) (interface{}, error) {
		var value interface{}
		err := json.Unmarshal([]byte(s), &value)
		return value, err
	},
	"yaml": func(s string) (interface{}, error) {
		var value interface{}
		err := yaml.Unmarshal([]byte(s), &value)
		return value, err
	},
}
