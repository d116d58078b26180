package cab

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
)

// identSanitizeRe strips characters that can't appear in a Python variable
var identSanitizeRe = regexp.MustCompile(`\W`)

// jsonParams encodes a parameter mapping as JSON for handoff to a python
// driver. Structured markers have been removed by validation.
func jsonParams(params *ordered.Map) (string, error) {
	data, err := json.Marshal(params.ToPlain())
	if err != nil {
		return "", fmt.Errorf("can't serialise parameters: %w", err)
	}
	return string(data), nil
}

// PythonDriver renders the small driver program that imports a callable,
// invokes it with the validated parameters as keyword arguments, and
// prints the sentinel-prefixed JSON result. Passed to the interpreter via
// "-c"; parameters travel as a JSON argument rather than concatenated
// expressions.
func (c *Cab) PythonDriver(params *ordered.Map) ([]string, error) {
	// the pass_missing_as_none policy turns absent parameters into
	// explicit None arguments
	payload := params.Copy()
	for _, name := range c.Inputs.Keys() {
		par := c.Inputs.Get(name)
		if payload.Has(name) {
			continue
		}
		if c.schemaPolicyBool(par, func(p schema.ParameterPolicies) *bool { return p.PassMissingAsNone }, false) {
			payload.Set(name, nil)
		}
	}
	encoded, err := jsonParams(payload)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("import sys, json, importlib\n")
	b.WriteString("_params = json.loads(sys.argv[1])\n")
	fmt.Fprintf(&b, "_mod = importlib.import_module(%q)\n", c.pyModule)
	fmt.Fprintf(&b, "_func = getattr(_mod, %q)\n", c.pyFunction)
	// unwrap click-decorated commands down to the underlying callable
	b.WriteString("while hasattr(_func, 'callback'):\n    _func = _func.callback\n")
	b.WriteString("_result = _func(**_params)\n")
	switch c.ReturnOutputs {
	case "":
		// return value ignored
	case "{}":
		fmt.Fprintf(&b, "if isinstance(_result, dict):\n    print(%q + json.dumps(_result))\n", OutputSentinel)
	default:
		fmt.Fprintf(&b, "print(%q + json.dumps({%q: _result}))\n", OutputSentinel, c.ReturnOutputs)
	}
	return []string{"python3", "-c", b.String(), encoded}, nil
}

// PythonCodeDriver wraps an inline python-code cab: a preamble
// deserialises the JSON parameter payload into local variables (or a
// single dict named by the input_dict parameter), the cab's code runs,
// and a postamble serialises named outputs back via the sentinel.
func (c *Cab) PythonCodeDriver(params *ordered.Map) ([]string, error) {
	encoded, err := jsonParams(params)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("import sys, json\n")
	b.WriteString("_params = json.loads(sys.argv[1])\n")
	if c.Inputs.Has("input_dict") {
		dictName := "params"
		if par := c.Inputs.Get("input_dict"); par != nil {
			if s, ok := par.Default.(string); ok && s != "" {
				dictName = s
			}
		}
		fmt.Fprintf(&b, "%s = _params\n", sanitizeIdent(dictName))
	} else {
		for _, name := range params.Keys() {
			fmt.Fprintf(&b, "%s = _params[%q]\n", sanitizeIdent(name), name)
		}
	}
	b.WriteString(c.Command)
	b.WriteString("\n")
	var outputNames []string
	for _, name := range c.Outputs.Keys() {
		if c.Outputs.Get(name).Implicit == nil {
			outputNames = append(outputNames, name)
		}
	}
	if len(outputNames) > 0 && c.ReturnOutputs != "" {
		b.WriteString("_outputs = {}\n")
		for _, name := range outputNames {
			fmt.Fprintf(&b, "if %q in dir():\n    _outputs[%q] = %s\n", sanitizeIdent(name), name, sanitizeIdent(name))
		}
		fmt.Fprintf(&b, "print(%q + json.dumps(_outputs))\n", OutputSentinel)
	}
	return []string{"python3", "-c", b.String(), encoded}, nil
}

func sanitizeIdent(name string) string {
	clean := identSanitizeRe.ReplaceAllString(name, "_")
	if clean == "" || clean[0] >= '0' && clean[0] <= '9' {
		clean = "_" + clean
	}
	return clean
}
