package wrangler

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule pairs a compiled trigger regex with its ordered actions
type Rule struct {
	Regex   *regexp.Regexp
	Actions []Action

	// group name to index, derived from the regex
	groupIndex map[string]int
}

// specifier patterns for the action DSL, tried in order
var (
	specReplace   = regexp.MustCompile(`^REPLACE:(.*)$`)
	specHighlight = regexp.MustCompile(`^HIGHLIGHT:(.*)$`)
	specSeverity  = regexp.MustCompile(`^SEVERITY:(ERROR|WARNING|INFO|DEBUG|CRITICAL|FATAL)$`)
	specWarning   = regexp.MustCompile(`^WARNING:(.*)$`)
	specError     = regexp.MustCompile(`^ERROR(?::(.*))?$`)
	specParseOut  = regexp.MustCompile(`^PARSE_OUTPUT:(?:(.*):)?([^:]*):(str|bool|int|float|complex|json|JSON|yaml|YAML)$`)
)

// NewAction parses one action specifier string
func NewAction(regex *regexp.Regexp, spec string) (Action, error) {
	switch {
	case spec == "SUPPRESS":
		return suppressAction{}, nil
	case spec == "DECLARE_SUCCESS":
		return declareSuccessAction{}, nil
	case spec == "PARSE_JSON_OUTPUTS":
		if len(groupNames(regex)) == 0 {
			return nil, fmt.Errorf("wrangler action '%s' for '%s': no ()-groups", spec, regex.String())
		}
		return parseJSONOutputsAction{}, nil
	case spec == "PARSE_JSON_OUTPUT_DICT":
		if regex.NumSubexp() < 1 {
			return nil, fmt.Errorf("wrangler action '%s' for '%s': no ()-groups", spec, regex.String())
		}
		return parseJSONOutputDictAction{}, nil
	}
	if m := specReplace.FindStringSubmatch(spec); m != nil {
		return replaceAction{regex: regex, replace: m[1]}, nil
	}
	if m := specHighlight.FindStringSubmatch(spec); m != nil {
		return highlightAction{regex: regex, style: styleFromSpec(m[1])}, nil
	}
	if m := specSeverity.FindStringSubmatch(spec); m != nil {
		severity, err := ParseSeverity(m[1])
		if err != nil {
			return nil, fmt.Errorf("wrangler action '%s' for '%s': %w", spec, regex.String(), err)
		}
		return severityAction{severity: severity}, nil
	}
	if m := specWarning.FindStringSubmatch(spec); m != nil {
		return declareWarningAction{message: m[1]}, nil
	}
	if m := specParseOut.FindStringSubmatch(spec); m != nil {
		name, group, dtype := m[1], m[2], strings.ToLower(m[3])
		if name == "" {
			name = group
		}
		if !validGroup(regex, group) {
			return nil, fmt.Errorf("wrangler action '%s' for '%s': %s is not a valid ()-group", spec, regex.String(), group)
		}
		return parseOutputAction{name: name, group: group, loader: outputLoaders[dtype]}, nil
	}
	if m := specError.FindStringSubmatch(spec); m != nil {
		return declareErrorAction{regex: regex, message: m[1]}, nil
	}
	return nil, fmt.Errorf("'%s': '%s' is not a valid wrangler specifier", regex.String(), spec)
}

func validGroup(regex *regexp.Regexp, group string) bool {
	for _, name := range regex.SubexpNames() {
		if name == group {
			return true
		}
	}
	if idx := parseInt(group); idx >= 0 && idx <= regex.NumSubexp() {
		return true
	}
	return false
}

func parseInt(s string) int {
	n := 0
	if s == "" {
		return -1
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func groupNames(regex *regexp.Regexp) map[string]int {
	names := map[string]int{}
	for idx, name := range regex.SubexpNames() {
		if name != "" {
			names[name] = idx
		}
	}
	return names
}

// NewRule compiles a pattern and its action specifiers. specs may be a
// single string or a list of strings.
func NewRule(pattern string, specs interface{}) (*Rule, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("wrangler pattern '%s' is not a valid regular expression: %w", pattern, err)
	}
	var specList []string
	switch s := specs.(type) {
	case string:
		specList = []string{s}
	case []string:
		specList = s
	case []interface{}:
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("wrangler entry '%s': expected list of wranglers", pattern)
			}
			specList = append(specList, str)
		}
	default:
		return nil, fmt.Errorf("wrangler entry '%s': expected list of wranglers", pattern)
	}
	rule := &Rule{Regex: regex, groupIndex: groupNames(regex)}
	for _, spec := range specList {
		action, err := NewAction(regex, spec)
		if err != nil {
			return nil, err
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

// Apply tests the rule against a line and, on match, applies each action
// in declared order. Returns the possibly-modified line (suppressed lines
// return ok=false), and the max-merged severity.
func (r *Rule) Apply(status Status, line string, severity Severity) (string, Severity, bool, bool) {
	match := r.Regex.FindStringSubmatch(line)
	if match == nil {
		return line, severity, false, true
	}
	keep := true
	for _, action := range r.Actions {
		newLine, newSeverity, suppress := action.Apply(status, line, match, r.groupIndex)
		if suppress {
			keep = false
		}
		if newLine != nil {
			line = *newLine
		}
		if newSeverity != nil && *newSeverity > severity {
			severity = *newSeverity
		}
	}
	return line, severity, true, keep
}

// ApplyAll runs every rule over a line in declared order. Returns the final
// line (ok=false when suppressed) and severity.
func ApplyAll(rules []*Rule, status Status, line string, severity Severity) (string, Severity, bool) {
	keep := true
	for _, rule := range rules {
		var ruleKeep bool
		line, severity, _, ruleKeep = rule.Apply(status, line, severity)
		if !ruleKeep {
			keep = false
		}
	}
	if !keep {
		return "", 0, false
	}
	return line, severity, true
}
