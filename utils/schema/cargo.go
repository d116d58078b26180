package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"gopkg.in/yaml.v3"
)

// ParamSet is an insertion-ordered mapping of flattened parameter name to
// schema
type ParamSet struct {
	keys   []string
	params map[string]*Parameter
}

// NewParamSet returns an empty ParamSet
func NewParamSet() *ParamSet {
	return &ParamSet{params: make(map[string]*Parameter)}
}

// Len returns the number of parameters
func (ps *ParamSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.keys)
}

// Keys returns parameter names in declaration order
func (ps *ParamSet) Keys() []string {
	if ps == nil {
		return nil
	}
	return append([]string(nil), ps.keys...)
}

// Has reports whether a parameter is declared
func (ps *ParamSet) Has(name string) bool {
	if ps == nil {
		return false
	}
	_, ok := ps.params[name]
	return ok
}

// Get returns the schema for a name, or nil
func (ps *ParamSet) Get(name string) *Parameter {
	if ps == nil {
		return nil
	}
	return ps.params[name]
}

// Set inserts or replaces a parameter
func (ps *ParamSet) Set(name string, param *Parameter) {
	if ps.params == nil {
		ps.params = make(map[string]*Parameter)
	}
	if _, ok := ps.params[name]; !ok {
		ps.keys = append(ps.keys, name)
	}
	ps.params[name] = param
}

// Delete removes a parameter if present
func (ps *ParamSet) Delete(name string) {
	if ps == nil {
		return
	}
	if _, ok := ps.params[name]; !ok {
		return
	}
	delete(ps.params, name)
	for i, k := range ps.keys {
		if k == name {
			ps.keys = append(ps.keys[:i], ps.keys[i+1:]...)
			break
		}
	}
}

// Copy returns a shallow copy (schemas are shared)
func (ps *ParamSet) Copy() *ParamSet {
	out := NewParamSet()
	if ps == nil {
		return out
	}
	for _, name := range ps.keys {
		out.Set(name, ps.params[name])
	}
	return out
}

// Merge inserts all parameters of another set
func (ps *ParamSet) Merge(other *ParamSet) {
	if other == nil {
		return
	}
	for _, name := range other.keys {
		ps.Set(name, other.params[name])
	}
}

// shorthandInfoRe matches the trailing quoted info string of a one-line schema
var shorthandInfoRe = regexp.MustCompile(`^(.*?)\s*"([^"]*)"$`)

// ParseShorthand parses a one-line schema of the form
// <dtype>[=<default>|*][ "<info>"]
func ParseShorthand(value string) (*Parameter, error) {
	param := &Parameter{}
	value = strings.TrimSpace(value)
	if m := shorthandInfoRe.FindStringSubmatch(value); m != nil {
		value = strings.TrimSpace(m[1])
		param.Info = m[2]
	}
	if idx := strings.Index(value, "="); idx >= 0 {
		def := strings.TrimSpace(value[idx+1:])
		value = strings.TrimSpace(value[:idx])
		if len(def) >= 2 && (def[0] == '"' && def[len(def)-1] == '"' || def[0] == '\'' && def[len(def)-1] == '\'') {
			def = def[1 : len(def)-1]
		}
		param.Default = def
	} else if strings.HasSuffix(value, "*") {
		param.Required = true
		param.RequiredSet = true
		value = strings.TrimSuffix(value, "*")
	}
	param.Dtype = value
	if _, err := ParseType(value); err != nil {
		return nil, err
	}
	return param, nil
}

// IsParameterMap reports whether a mapping's keys are all recognised
// Parameter fields (and so the mapping is a schema, not a nested section)
func IsParameterMap(m *ordered.Map) bool {
	if m.Len() == 0 {
		return false
	}
	for _, key := range m.Keys() {
		if !parameterFields[key] {
			return false
		}
	}
	return true
}

// ParameterFromMap decodes a schema mapping into a Parameter
func ParameterFromMap(m *ordered.Map) (*Parameter, error) {
	data, err := ordered.Marshal(m)
	if err != nil {
		return nil, err
	}
	param := &Parameter{}
	if err := yaml.Unmarshal(data, param); err != nil {
		return nil, err
	}
	param.RequiredSet = m.Has("required")
	if value, ok := m.Lookup("default"); ok && value == nil {
		param.DefaultUnset = true
	}
	return param, nil
}

// FlattenSchemas walks an inputs/outputs mapping, interpreting string
// values as one-line schemas, Parameter-shaped mappings as schemas, and
// other mappings as nested sections flattened into dotted names
func FlattenSchemas(dest *ParamSet, io *ordered.Map, label, prefix string) (*ParamSet, error) {
	if io == nil {
		return dest, nil
	}
	for _, name := range io.Keys() {
		if name == "subsection" {
			continue
		}
		value := io.Get(name)
		fullName := prefix + name
		switch v := value.(type) {
		case string:
			param, err := ParseShorthand(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", label, fullName, err)
			}
			dest.Set(fullName, param)
		case *Parameter:
			dest.Set(fullName, v)
		case *ordered.Map:
			if IsParameterMap(v) {
				param, err := ParameterFromMap(v)
				if err != nil {
					return nil, fmt.Errorf("%s.%s is not a valid parameter definition: %w", label, fullName, err)
				}
				dest.Set(fullName, param)
			} else {
				if _, err := FlattenSchemas(dest, v, label, fullName+"."); err != nil {
					return nil, fmt.Errorf("%s.%s was interpreted as nested section, but contains errors: %w", label, fullName, err)
				}
			}
		default:
			return nil, fmt.Errorf("%s.%s is not a valid schema", label, fullName)
		}
	}
	return dest, nil
}

// DynamicSchemaFunc may alter a cargo's inputs/outputs based on the current
// parameter values
type DynamicSchemaFunc func(params *ordered.Map, inputs, outputs *ParamSet) (*ParamSet, *ParamSet, error)

var dynamicSchemas = map[string]DynamicSchemaFunc{}

// RegisterDynamicSchema registers a named dynamic-schema hook
func RegisterDynamicSchema(name string, fn DynamicSchemaFunc) {
	dynamicSchemas[name] = fn
}

// Cargo is the common base owned by cabs and recipes
type Cargo struct {
	Name      string
	Fqname    string
	Info      string
	ExtraInfo map[string]string

	Inputs  *ParamSet
	Outputs *ParamSet

	// default values layered above schema defaults
	Defaults *ordered.Map

	// backend override, if not default
	Backend string

	// name of a registered dynamic-schema hook
	DynamicSchema string

	dynSchema      DynamicSchemaFunc
	inputsOutputs  *ParamSet
	implicitParams map[string]bool
	finalized      bool
}

// CargoFromMap builds the cargo base from a config mapping
func CargoFromMap(m *ordered.Map, name string) (*Cargo, error) {
	cargo := &Cargo{
		Name:           name,
		Defaults:       ordered.New(),
		implicitParams: map[string]bool{},
	}
	if info, ok := m.GetString("info"); ok {
		cargo.Info = info
	}
	if extra := m.GetMap("extra_info"); extra != nil {
		cargo.ExtraInfo = map[string]string{}
		for _, key := range extra.Keys() {
			if s, ok := extra.GetString(key); ok {
				cargo.ExtraInfo[key] = s
			}
		}
	}
	var err error
	if cargo.Inputs, err = FlattenSchemas(NewParamSet(), m.GetMap("inputs"), "inputs", ""); err != nil {
		return nil, err
	}
	if cargo.Outputs, err = FlattenSchemas(NewParamSet(), m.GetMap("outputs"), "outputs", ""); err != nil {
		return nil, err
	}
	for _, pname := range cargo.Inputs.Keys() {
		if cargo.Outputs.Has(pname) {
			return nil, fmt.Errorf("parameter '%s' appears in both inputs and outputs", pname)
		}
	}
	if defaults := m.GetMap("defaults"); defaults != nil {
		cargo.Defaults = cargo.FlattenParamDict(ordered.New(), defaults, "")
	}
	if backend, ok := m.GetString("backend"); ok {
		cargo.Backend = backend
	}
	if dyn, ok := m.GetString("dynamic_schema"); ok {
		cargo.DynamicSchema = dyn
	}
	return cargo, nil
}

// FlattenParamDict flattens a nested parameter-value mapping into dotted
// names, but only where a dotted schema exists for the prefix
func (c *Cargo) FlattenParamDict(out *ordered.Map, in *ordered.Map, prefix string) *ordered.Map {
	for _, name := range in.Keys() {
		value := in.Get(name)
		fullName := prefix + name
		if sub, ok := value.(*ordered.Map); ok {
			if c.hasNestedSchema(fullName) {
				c.FlattenParamDict(out, sub, fullName+".")
				continue
			}
		}
		out.Set(fullName, value)
	}
	return out
}

func (c *Cargo) hasNestedSchema(prefix string) bool {
	dotted := prefix + "."
	for _, name := range c.InputsOutputs().Keys() {
		if strings.HasPrefix(name, dotted) {
			return true
		}
	}
	return false
}

// InputsOutputs returns the merged parameter set (inputs then outputs)
func (c *Cargo) InputsOutputs() *ParamSet {
	if c.inputsOutputs == nil {
		merged := c.Inputs.Copy()
		merged.Merge(c.Outputs)
		c.inputsOutputs = merged
	}
	return c.inputsOutputs
}

// InvalidateInputsOutputs drops the cached merged set after schema changes
func (c *Cargo) InvalidateInputsOutputs() {
	c.inputsOutputs = nil
}

// Finalized reports whether Finalize has run
func (c *Cargo) Finalized() bool {
	return c.finalized
}

// Finalize parses all parameter dtypes and resolves the dynamic-schema
// hook. Idempotent.
func (c *Cargo) Finalize(fqname string) error {
	if c.finalized {
		return nil
	}
	if fqname != "" {
		c.Fqname = fqname
	}
	if c.Fqname == "" {
		c.Fqname = c.Name
	}
	for _, ps := range []*ParamSet{c.Inputs, c.Outputs} {
		for _, name := range ps.Keys() {
			if err := ps.Get(name).Finalize(name); err != nil {
				return err
			}
		}
	}
	if c.DynamicSchema != "" {
		fn, ok := dynamicSchemas[c.DynamicSchema]
		if !ok {
			return fmt.Errorf("%s: dynamic schema '%s' is not registered", c.Name, c.DynamicSchema)
		}
		c.dynSchema = fn
	}
	c.finalized = true
	return nil
}

// HasDynamicSchemas reports whether a dynamic-schema hook is attached
func (c *Cargo) HasDynamicSchemas() bool {
	return c.dynSchema != nil
}

// ApplyDynamicSchemas re-derives inputs/outputs from current parameter
// values via the registered hook
func (c *Cargo) ApplyDynamicSchemas(params *ordered.Map) error {
	if c.dynSchema == nil {
		return nil
	}
	inputs, outputs, err := c.dynSchema(params, c.Inputs.Copy(), c.Outputs.Copy())
	if err != nil {
		return err
	}
	c.Inputs, c.Outputs = inputs, outputs
	c.InvalidateInputsOutputs()
	for _, ps := range []*ParamSet{c.Inputs, c.Outputs} {
		for _, name := range ps.Keys() {
			if err := ps.Get(name).Finalize(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkImplicit records that a parameter value was set implicitly
func (c *Cargo) MarkImplicit(name string) {
	if c.implicitParams == nil {
		c.implicitParams = map[string]bool{}
	}
	c.implicitParams[name] = true
}

// IsImplicitlySet reports whether a parameter value was set implicitly
func (c *Cargo) IsImplicitlySet(name string) bool {
	return c.implicitParams[name]
}
