package cab

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"gopkg.in/yaml.v3"
)

func yamlUnmarshalPolicies(data []byte, policies *schema.ParameterPolicies) {
	if err := yaml.Unmarshal(data, policies); err != nil {
		config.WarnLog("bad cab policies block: %v", err)
	}
}

// BuildCommandLine renders the cab's command and validated parameters into
// an argv list. Returns the argument list and the resolved virtual
// environment (or "").
func (c *Cab) BuildCommandLine(params *ordered.Map, ctx *subst.Context, search bool) ([]string, string, error) {
	command := c.Command
	venv := c.VirtualEnv
	if ctx != nil {
		value, err := ctx.Evaluate(command, []string{"command"})
		if err != nil {
			return nil, "", ValidationError{Msg: "error constructing cab command", Nested: err}
		}
		command = fmt.Sprintf("%v", value)
		if venv != "" {
			value, err = ctx.Evaluate(venv, []string{"virtual_env"})
			if err != nil {
				return nil, "", ValidationError{Msg: "error constructing cab command", Nested: err}
			}
			venv = fmt.Sprintf("%v", value)
		}
	}

	if venv != "" {
		venv = expandUser(venv)
		if _, err := os.Stat(filepath.Join(venv, "bin", "activate")); err != nil {
			return nil, "", ValidationError{Msg: fmt.Sprintf("virtual environment %s doesn't exist", venv)}
		}
	}

	fields, err := shellSplit(expandUser(command))
	if err != nil {
		return nil, "", ValidationError{Msg: fmt.Sprintf("cab %s: bad command", c.Name), Nested: err}
	}
	if len(fields) == 0 {
		return nil, "", ValidationError{Msg: fmt.Sprintf("cab %s: empty command", c.Name)}
	}
	executable, extraArgs := fields[0], fields[1:]

	if search && c.Flavour == FlavourBinary {
		resolved, err := c.findExecutable(executable, venv)
		if err != nil {
			return nil, "", err
		}
		executable = resolved
	}
	config.DebugLog("cab %s: command is %s", c.Name, executable)

	args, err := c.BuildArgumentList(params)
	if err != nil {
		return nil, "", err
	}
	return append(append([]string{executable}, extraArgs...), args...), venv, nil
}

func (c *Cab) findExecutable(command, venv string) (string, error) {
	if strings.Contains(command, "/") {
		info, err := os.Stat(command)
		if err != nil || info.IsDir() || info.Mode().Perm()&0100 == 0 {
			return "", ValidationError{Msg: fmt.Sprintf("%s doesn't exist or is not executable", command)}
		}
		return command, nil
	}
	if venv != "" {
		candidate := filepath.Join(venv, "bin", command)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode().Perm()&0100 != 0 {
			return candidate, nil
		}
	}
	resolved, err := exec.LookPath(command)
	if err != nil {
		return "", ValidationError{Msg: fmt.Sprintf("%s: not found", command)}
	}
	return resolved, nil
}

// shellSplit splits a command string on whitespace, honouring single and
// double quotes
func shellSplit(s string) ([]string, error) {
	var fields []string
	var current strings.Builder
	inField := false
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inField = true
		case c == ' ' || c == '\t':
			if inField {
				fields = append(fields, current.String())
				current.Reset()
				inField = false
			}
		default:
			current.WriteByte(c)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in '%s'", s)
	}
	if inField {
		fields = append(fields, current.String())
	}
	return fields, nil
}

func expandUser(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// BuildArgumentList converts the validated parameter mapping into
// command-line arguments per the parameter policies
func (c *Cab) BuildArgumentList(params *ordered.Map) ([]string, error) {
	if c.ParameterPassing == PassingYAML {
		data, err := yaml.Marshal(params)
		if err != nil {
			return nil, err
		}
		return []string{string(data)}, nil
	}

	remaining := params.Copy()
	var headArgs, posArgs, args []string

	// positionals first, in schema declaration order
	for _, name := range c.InputsOutputs().Keys() {
		par := c.InputsOutputs().Get(name)
		if par.Required && !remaining.Has(name) {
			return nil, ValidationError{Msg: fmt.Sprintf("required parameter '%s' is missing", name)}
		}
		if !remaining.Has(name) {
			continue
		}
		positionalHead := c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.PositionalHead }, false)
		positional := positionalHead ||
			c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.Positional }, false)
		if !positional {
			continue
		}
		skip := c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.Skip }, false) ||
			(par.Implicit != nil && c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.SkipImplicits }, true))
		if !skip {
			rendered, err := c.stringifyArgument(name, remaining.Get(name), par, "", params)
			if err != nil {
				return nil, err
			}
			if positionalHead {
				headArgs = append(headArgs, rendered...)
			} else {
				posArgs = append(posArgs, rendered...)
			}
		}
		remaining.Delete(name)
	}

	// remaining parameters become options
	for _, name := range remaining.Keys() {
		par := c.InputsOutputs().Get(name)
		if par == nil {
			return nil, ValidationError{Msg: fmt.Sprintf("unknown parameter '%s'", name)}
		}
		value := remaining.Get(name)

		skip := c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.Skip }, false) ||
			(par.Implicit != nil && c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.SkipImplicits }, true))
		if skip {
			continue
		}

		keyValue := c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.KeyValue }, false)

		optName := name
		if replacements := c.schemaPolicyReplace(par); replacements != nil {
			for from, to := range replacements {
				optName = strings.ReplaceAll(optName, from, to)
			}
		}
		if par.NomDeGuerre != "" {
			optName = par.NomDeGuerre
		}
		prefix := "--"
		if p, ok := c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.Prefix }); ok {
			prefix = p
		}
		option := prefix + optName

		if par.Dtype == "bool" {
			boolValue, _ := value.(bool)
			if keyValue {
				args = append(args, fmt.Sprintf("%s=%v", optName, value))
				continue
			}
			var explicit string
			var haveExplicit bool
			if boolValue {
				explicit, haveExplicit = c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.ExplicitTrue })
			} else {
				explicit, haveExplicit = c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.ExplicitFalse })
			}
			if haveExplicit {
				args = append(args, option, explicit)
			} else if boolValue {
				args = append(args, option)
			}
			continue
		}

		rendered, err := c.stringifyArgument(name, value, par, option, params)
		if err != nil {
			return nil, err
		}
		args = append(args, rendered...)
	}

	return append(append(headArgs, args...), posArgs...), nil
}

// stringifyArgument renders one parameter value into argument tokens.
// option is "" for positionals.
func (c *Cab) stringifyArgument(name string, value interface{}, par *schema.Parameter, option string, allParams *ordered.Map) ([]string, error) {
	if c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.KeyValue }, false) {
		return []string{fmt.Sprintf("%s=%v", name, stringifyScalar(value))}, nil
	}
	if value == nil {
		return nil, nil
	}
	if par.Dtype == "bool" {
		boolValue, _ := value.(bool)
		if !boolValue {
			if _, ok := c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.ExplicitFalse }); !ok {
				return nil, nil
			}
		}
	}

	listValue, isList := value.([]interface{})

	if splitSep, ok := c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.Split }); ok {
		if s, isStr := value.(string); isStr {
			var parts []string
			if splitSep == "" {
				parts = strings.Fields(s)
			} else {
				parts = strings.Split(s, splitSep)
			}
			listValue = make([]interface{}, len(parts))
			for i, p := range parts {
				listValue[i] = p
			}
			isList = true
		}
	}

	formatPolicy, haveFormat := c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.Format })
	formatList := c.schemaPolicyStrings(par, func(p schema.ParameterPolicies) []string { return p.FormatList })
	formatScalar := c.schemaPolicyStrings(par, func(p schema.ParameterPolicies) []string { return p.FormatListScalar })

	var strValues []string
	if isList {
		switch {
		case formatList != nil:
			if len(formatList) != len(listValue) {
				return nil, ValidationError{Msg: fmt.Sprintf("length of format_list policy does not match length of '%s'", name)}
			}
			for _, f := range formatList {
				strValues = append(strValues, miniFormat(f, listValue, allParams))
			}
		case haveFormat:
			for _, item := range listValue {
				strValues = append(strValues, miniFormat(formatPolicy, []interface{}{item}, allParams))
			}
		default:
			for _, item := range listValue {
				strValues = append(strValues, stringifyScalar(item))
			}
		}
	} else {
		switch {
		case formatScalar != nil:
			for _, f := range formatScalar {
				strValues = append(strValues, miniFormat(f, []interface{}{value}, allParams))
			}
			isList = true
		case haveFormat:
			strValues = []string{miniFormat(formatPolicy, []interface{}{value}, allParams)}
		default:
			strValues = []string{stringifyScalar(value)}
		}
	}

	if isList {
		repeat, haveRepeat := c.schemaPolicyString(par, func(p schema.ParameterPolicies) *string { return p.Repeat })
		if !haveRepeat {
			return nil, ValidationError{Msg: fmt.Sprintf("list-type parameter '%s' does not have a repeat policy set", name)}
		}
		switch repeat {
		case "list":
			if option != "" {
				return append([]string{option}, strValues...), nil
			}
			return strValues, nil
		case "[]":
			token := "[" + strings.Join(strValues, ",") + "]"
			if option != "" {
				return []string{option, token}, nil
			}
			return []string{token}, nil
		case "repeat":
			if option != "" {
				out := make([]string, 0, 2*len(strValues))
				for _, v := range strValues {
					out = append(out, option, v)
				}
				return out, nil
			}
			return strValues, nil
		default:
			token := strings.Join(strValues, repeat)
			if option != "" {
				return []string{option, token}, nil
			}
			return []string{token}, nil
		}
	}

	if option != "" {
		return []string{option, strValues[0]}, nil
	}
	return []string{strValues[0]}, nil
}

func stringifyScalar(value interface{}) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", value)
}

// miniFormat implements {}-style format strings over positional values and
// the full parameter mapping: {0}, {1}, ... and {name}
func miniFormat(template string, positional []interface{}, named *ordered.Map) string {
	out := template
	for i, value := range positional {
		out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", stringifyScalar(value))
	}
	if named != nil {
		for _, name := range named.Keys() {
			out = strings.ReplaceAll(out, "{"+name+"}", stringifyScalar(named.Get(name)))
		}
	}
	return out
}
