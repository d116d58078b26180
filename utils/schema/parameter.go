package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Category classifies a parameter for display and selection purposes
type Category int

const (
	CategoryRequired Category = iota
	CategoryOptional
	CategoryImplicit
	CategoryObscure
	CategoryHidden
)

var categoryNames = map[string]Category{
	"Required": CategoryRequired,
	"Optional": CategoryOptional,
	"Implicit": CategoryImplicit,
	"Obscure":  CategoryObscure,
	"Hidden":   CategoryHidden,
}

func (c Category) String() string {
	for name, cat := range categoryNames {
		if cat == c {
			return name
		}
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// UnmarshalYAML accepts a category by name
func (c *Category) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	cat, ok := categoryNames[name]
	if !ok {
		return fmt.Errorf("unknown parameter category '%s'", name)
	}
	*c = cat
	return nil
}

// ParameterPolicies dictates how a parameter is rendered into command-line
// arguments
type ParameterPolicies struct {
	KeyValue             *bool             `yaml:"key_value,omitempty"`
	Positional           *bool             `yaml:"positional,omitempty"`
	PositionalHead       *bool             `yaml:"positional_head,omitempty"`
	Repeat               *string           `yaml:"repeat,omitempty"`
	Prefix               *string           `yaml:"prefix,omitempty"`
	Skip                 *bool             `yaml:"skip,omitempty"`
	SkipImplicits        *bool             `yaml:"skip_implicits,omitempty"`
	DisableSubstitutions *bool             `yaml:"disable_substitutions,omitempty"`
	ExplicitTrue         *string           `yaml:"explicit_true,omitempty"`
	ExplicitFalse        *string           `yaml:"explicit_false,omitempty"`
	Split                *string           `yaml:"split,omitempty"`
	Replace              map[string]string `yaml:"replace,omitempty"`
	Format               *string           `yaml:"format,omitempty"`
	FormatList           []string          `yaml:"format_list,omitempty"`
	FormatListScalar     []string          `yaml:"format_list_scalar,omitempty"`
	PassMissingAsNone    *bool             `yaml:"pass_missing_as_none,omitempty"`
}

// PathPolicies dictates filesystem preconditions for file-like parameters
type PathPolicies struct {
	// nil means true: parent directories of outputs are created
	MkdirParent    *bool `yaml:"mkdir_parent,omitempty"`
	AccessParent   bool  `yaml:"access_parent,omitempty"`
	WriteParent    bool  `yaml:"write_parent,omitempty"`
	RemoveIfExists bool  `yaml:"remove_if_exists,omitempty"`
}

// MkdirParentEnabled resolves the tri-state mkdir_parent policy
func (p PathPolicies) MkdirParentEnabled() bool {
	return p.MkdirParent == nil || *p.MkdirParent
}

// DeferredAlias is a default that points at another step's parameter
type DeferredAlias struct {
	Step  string
	Param string
}

func (d DeferredAlias) String() string {
	return fmt.Sprintf("%s.%s", d.Step, d.Param)
}

// Parameter describes one input or output of a cargo
type Parameter struct {
	Info     string      `yaml:"info,omitempty"`
	Dtype    string      `yaml:"dtype,omitempty"`
	Default  interface{} `yaml:"default,omitempty"`
	Required bool        `yaml:"required,omitempty"`
	// distinguishes "required: false" from unspecified
	RequiredSet bool `yaml:"-"`

	Choices        []interface{} `yaml:"choices,omitempty"`
	ElementChoices []interface{} `yaml:"element_choices,omitempty"`

	// value set from within the cab; an implicit parameter is not free
	Implicit interface{} `yaml:"implicit,omitempty"`

	Policies     ParameterPolicies `yaml:"policies,omitempty"`
	PathPolicies PathPolicies     `yaml:"path_policies,omitempty"`

	// tri-state: nil follows the global flag
	MustExist           *bool `yaml:"must_exist,omitempty"`
	SkipFreshnessChecks bool  `yaml:"skip_freshness_checks,omitempty"`

	// alternate option name on the command line
	NomDeGuerre string `yaml:"nom_de_guerre,omitempty"`
	Abbreviation string `yaml:"abbreviation,omitempty"`
	Metavar      string `yaml:"metavar,omitempty"`

	Category Category `yaml:"category,omitempty"`

	Writable bool `yaml:"writable,omitempty"`

	Metadata map[string]interface{} `yaml:"metadata,omitempty"`

	// parsed dtype, set at finalisation
	Type *Type `yaml:"-"`
	// when true, the default is absent (UNSET)
	DefaultUnset bool `yaml:"-"`
}

// parameterFields is the set of mapping keys recognised as Parameter fields.
// A nested mapping whose keys all appear here is treated as a schema;
// otherwise it is a nested section flattened into dotted names.
var parameterFields = map[string]bool{
	"info": true, "dtype": true, "default": true, "required": true,
	"choices": true, "element_choices": true, "implicit": true,
	"policies": true, "path_policies": true, "must_exist": true,
	"skip_freshness_checks": true, "nom_de_guerre": true,
	"abbreviation": true, "metavar": true, "category": true,
	"writable": true, "metadata": true, "aliases": true, "mkdir": true,
}

// Finalize parses the dtype expression and normalises defaults.
// Idempotent.
func (p *Parameter) Finalize(name string) error {
	if p.Dtype == "" {
		p.Dtype = "str"
	}
	if p.Type == nil {
		t, err := ParseType(p.Dtype)
		if err != nil {
			return fmt.Errorf("parameter '%s': %w", name, err)
		}
		p.Type = t
	}
	if p.Implicit != nil && p.Default != nil {
		return fmt.Errorf("parameter '%s': implicit parameter cannot also have a default", name)
	}
	if p.Implicit != nil {
		p.Category = CategoryImplicit
	}
	return nil
}

