// Package cab implements the atomic task: cab definitions, the runtime
// status written to by wranglers, and the command-line builder.
package cab

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
	"github.com/caracal-pipeline/stimela/utils/wrangler"
)

// Flavour is the execution model of a cab
type Flavour string

const (
	FlavourBinary     Flavour = "binary"
	FlavourPython     Flavour = "python"
	FlavourPythonCode Flavour = "python-code"
)

// ParameterPassing controls how parameters reach the cab
type ParameterPassing string

const (
	PassingArgs ParameterPassing = "args"
	PassingYAML ParameterPassing = "yaml"
)

// ValidationError indicates a bad cab definition or invocation
type ValidationError struct {
	Msg    string
	Nested error
}

func (e ValidationError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e ValidationError) Unwrap() error { return e.Nested }

// Management groups common cab management behaviours
type Management struct {
	Environment map[string]string
	// post-run cleanup globs, keyed by label
	Cleanup map[string][]string
	// wrangler pattern to action-spec list, in declaration order
	Wranglers *ordered.Map
}

// OutputSentinel prefixes lines carrying structured cab output
const OutputSentinel = "### YIELDING CAB OUTPUT ## "

// legacyPythonRe matches the old "(module)function" python command form
var legacyPythonRe = regexp.MustCompile(`^\((.+)\)(.+)$`)

// Cab is an atomic task definition wrapping a binary or callable
type Cab struct {
	*schema.Cargo

	// container image; when unset, commands run natively
	Image string

	// command to run; first whitespace-delimited token is the executable,
	// or a dotted module.function path for python flavours
	Command string

	// virtual environment activated before running the command
	VirtualEnv string

	Flavour Flavour

	ParameterPassing ParameterPassing

	Management Management

	// cab-level default parameter policies
	Policies schema.ParameterPolicies

	// how a callable's return value is treated: "{}" parses the whole
	// mapping, a name assigns a single output, "" ignores it
	ReturnOutputs string

	// backend override
	BackendName string

	// runtime settings passed to the backend
	Runtime *ordered.Map

	// python module/function split, for python flavours
	pyModule   string
	pyFunction string

	rules []*wrangler.Rule
}

// FromConfig builds a cab from its config mapping
func FromConfig(name string, conf *ordered.Map) (*Cab, error) {
	cargo, err := schema.CargoFromMap(conf, name)
	if err != nil {
		return nil, ValidationError{Msg: fmt.Sprintf("cab %s", name), Nested: err}
	}
	c := &Cab{
		Cargo:            cargo,
		ParameterPassing: PassingArgs,
		ReturnOutputs:    "{}",
		Runtime:          ordered.New(),
	}
	if image, ok := conf.GetString("image"); ok {
		c.Image = image
	}
	command, ok := conf.GetString("command")
	if !ok {
		return nil, ValidationError{Msg: fmt.Sprintf("cab %s: command is required", name)}
	}
	c.Command = command
	if venv, ok := conf.GetString("virtual_env"); ok {
		c.VirtualEnv = venv
	}
	if flavour, ok := conf.GetString("flavour"); ok {
		c.Flavour = Flavour(strings.ToLower(flavour))
	}
	if passing, ok := conf.GetString("parameter_passing"); ok {
		c.ParameterPassing = ParameterPassing(passing)
		if c.ParameterPassing != PassingArgs && c.ParameterPassing != PassingYAML {
			return nil, ValidationError{Msg: fmt.Sprintf("cab %s: unknown parameter_passing '%s'", name, passing)}
		}
	}
	if ret, ok := conf.Lookup("return_outputs"); ok {
		if ret == nil {
			c.ReturnOutputs = ""
		} else if s, ok := ret.(string); ok {
			c.ReturnOutputs = s
		}
	}
	if backend, ok := conf.GetString("backend"); ok {
		c.BackendName = backend
	}
	if runtime := conf.GetMap("runtime"); runtime != nil {
		c.Runtime = runtime
	}
	if mgmt := conf.GetMap("management"); mgmt != nil {
		if env := mgmt.GetMap("environment"); env != nil {
			c.Management.Environment = map[string]string{}
			for _, key := range env.Keys() {
				c.Management.Environment[key] = fmt.Sprintf("%v", env.Get(key))
			}
		}
		if cleanup := mgmt.GetMap("cleanup"); cleanup != nil {
			c.Management.Cleanup = map[string][]string{}
			for _, key := range cleanup.Keys() {
				switch v := cleanup.Get(key).(type) {
				case string:
					c.Management.Cleanup[key] = []string{v}
				case []interface{}:
					for _, item := range v {
						c.Management.Cleanup[key] = append(c.Management.Cleanup[key], fmt.Sprintf("%v", item))
					}
				}
			}
		}
		c.Management.Wranglers = mgmt.GetMap("wranglers")
	}
	if policies := conf.GetMap("policies"); policies != nil {
		data, err := ordered.Marshal(policies)
		if err == nil {
			yamlUnmarshalPolicies(data, &c.Policies)
		}
	}
	if err := c.finalizeDefinition(); err != nil {
		return nil, err
	}
	return c, nil
}

// finalizeDefinition checks flavours, splits python commands and compiles
// wranglers. Called once at construction.
func (c *Cab) finalizeDefinition() error {
	if c.Name == "" {
		if c.Image != "" {
			c.Name = c.Image
		} else {
			c.Name = strings.Fields(c.Command)[0]
		}
	}

	if m := legacyPythonRe.FindStringSubmatch(c.Command); m != nil {
		if c.Flavour != "" && c.Flavour != FlavourPython {
			return ValidationError{Msg: fmt.Sprintf("cab %s: '(module)function' implies python flavour, but '%s' is specified", c.Name, c.Flavour)}
		}
		c.Flavour = FlavourPython
		c.pyModule, c.pyFunction = m[1], m[2]
	} else {
		if c.Flavour == "" {
			c.Flavour = FlavourBinary
		}
		switch c.Flavour {
		case FlavourPython:
			idx := strings.LastIndex(c.Command, ".")
			if idx < 0 {
				return ValidationError{Msg: fmt.Sprintf("cab %s: 'python' flavour requires a command of the form module.function", c.Name)}
			}
			c.pyModule, c.pyFunction = c.Command[:idx], c.Command[idx+1:]
		case FlavourBinary, FlavourPythonCode:
		default:
			return ValidationError{Msg: fmt.Sprintf("cab %s: unknown cab flavour '%s'", c.Name, c.Flavour)}
		}
	}

	if c.Flavour == FlavourPython {
		if c.ReturnOutputs != "" && c.ReturnOutputs != "{}" && !c.Outputs.Has(c.ReturnOutputs) {
			return ValidationError{Msg: fmt.Sprintf("cab %s: return_outputs setting '%s' is not an output", c.Name, c.ReturnOutputs)}
		}
	}

	c.rules = nil
	if c.Management.Wranglers != nil {
		for _, pattern := range c.Management.Wranglers.Keys() {
			rule, err := wrangler.NewRule(pattern, c.Management.Wranglers.Get(pattern))
			if err != nil {
				return ValidationError{Msg: fmt.Sprintf("cab %s", c.Name), Nested: err}
			}
			c.rules = append(c.rules, rule)
		}
	}
	// python flavours get an implicit rule capturing the output sentinel
	if c.Flavour == FlavourPython || c.Flavour == FlavourPythonCode {
		if c.ReturnOutputs != "" {
			rule, err := wrangler.NewRule(regexp.QuoteMeta(OutputSentinel)+"(.*)$",
				[]string{"PARSE_JSON_OUTPUT_DICT", "SUPPRESS"})
			if err != nil {
				return err
			}
			c.rules = append(c.rules, rule)
		}
	}
	return nil
}

// Rules returns the compiled wrangler rules
func (c *Cab) Rules() []*wrangler.Rule {
	return c.rules
}

// Summary renders a one-line-per-parameter summary of an invocation
func (c *Cab) Summary(params *ordered.Map, ignoreMissing bool) []string {
	lines := []string{fmt.Sprintf("cab %s:", c.Name)}
	if params != nil {
		for _, name := range params.Keys() {
			lines = append(lines, fmt.Sprintf("  %s = %v", name, params.Get(name)))
		}
		for _, name := range c.InputsOutputs().Keys() {
			par := c.InputsOutputs().Get(name)
			if !params.Has(name) && (!ignoreMissing || par.Required) {
				lines = append(lines, fmt.Sprintf("  %s = ???", name))
			}
		}
	}
	return lines
}

// schemaPolicyBool resolves a boolean policy: parameter setting first,
// then the cab default, then the fallback
func (c *Cab) schemaPolicyBool(par *schema.Parameter, get func(schema.ParameterPolicies) *bool, fallback bool) bool {
	if v := get(par.Policies); v != nil {
		return *v
	}
	if v := get(c.Policies); v != nil {
		return *v
	}
	return fallback
}

func (c *Cab) schemaPolicyString(par *schema.Parameter, get func(schema.ParameterPolicies) *string) (string, bool) {
	if v := get(par.Policies); v != nil {
		return *v, true
	}
	if v := get(c.Policies); v != nil {
		return *v, true
	}
	return "", false
}

func (c *Cab) schemaPolicyStrings(par *schema.Parameter, get func(schema.ParameterPolicies) []string) []string {
	if v := get(par.Policies); v != nil {
		return v
	}
	return get(c.Policies)
}

func (c *Cab) schemaPolicyReplace(par *schema.Parameter) map[string]string {
	if par.Policies.Replace != nil {
		return par.Policies.Replace
	}
	return c.Policies.Replace
}
