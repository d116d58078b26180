// Package recipe implements steps and recipes: finalisation, alias
// propagation, assignment sections, step selection, and serial or scatter
// execution of the for-loop.
package recipe

import (
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// DefinitionError indicates a bad recipe or library definition
type DefinitionError struct {
	Msg    string
	Nested error
}

func (e DefinitionError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e DefinitionError) Unwrap() error { return e.Nested }

// RuntimeError aggregates runtime failures (e.g. from scatter iterations)
type RuntimeError struct {
	Msg    string
	Nested []error
}

func (e *RuntimeError) Error() string {
	if len(e.Nested) == 1 {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested[0])
	}
	return fmt.Sprintf("%s (%d nested errors)", e.Msg, len(e.Nested))
}

func (e *RuntimeError) Unwrap() []error { return e.Nested }

// Library is the name → definition table for cabs and recipes loaded from
// configuration. Cargo instantiation is lazy; in-progress marking detects
// cyclic recipe references.
type Library struct {
	// raw definitions
	cabDefs    *ordered.Map
	recipeDefs *ordered.Map
	// full config tree (opts etc.)
	Config *ordered.Map

	// cycle detection for recipe instantiation and finalisation
	building   map[string]bool
	finalizing map[string]bool
}

// NewLibrary builds a library from a merged config tree: cab definitions
// under "cabs", recipe definitions under "lib.recipes" (with a top-level
// "recipes" section accepted as an alias)
func NewLibrary(conf *ordered.Map) *Library {
	lib := &Library{
		cabDefs:    ordered.New(),
		recipeDefs: ordered.New(),
		Config:     conf,
		building:   map[string]bool{},
		finalizing: map[string]bool{},
	}
	if cabs := conf.GetMap("cabs"); cabs != nil {
		for _, name := range cabs.Keys() {
			if def, ok := cabs.Get(name).(*ordered.Map); ok {
				lib.cabDefs.Set(name, def)
			}
		}
	}
	for _, section := range []string{"recipes"} {
		if recipes := conf.GetMap(section); recipes != nil {
			for _, name := range recipes.Keys() {
				if def, ok := recipes.Get(name).(*ordered.Map); ok {
					lib.recipeDefs.Set(name, def)
				}
			}
		}
	}
	if libSection := conf.GetMap("lib"); libSection != nil {
		if recipes := libSection.GetMap("recipes"); recipes != nil {
			for _, name := range recipes.Keys() {
				if def, ok := recipes.Get(name).(*ordered.Map); ok {
					lib.recipeDefs.Set(name, def)
				}
			}
		}
	}
	return lib
}

// AddRecipeDef registers a recipe definition
func (l *Library) AddRecipeDef(name string, def *ordered.Map) {
	l.recipeDefs.Set(name, def)
}

// AddCabDef registers a cab definition
func (l *Library) AddCabDef(name string, def *ordered.Map) {
	l.cabDefs.Set(name, def)
}

// CabNames returns the registered cab names
func (l *Library) CabNames() []string {
	return l.cabDefs.Keys()
}

// RecipeNames returns the registered recipe names
func (l *Library) RecipeNames() []string {
	return l.recipeDefs.Keys()
}

// HasCab reports whether a cab definition exists
func (l *Library) HasCab(name string) bool {
	return l.cabDefs.Has(name)
}

// HasRecipe reports whether a recipe definition exists
func (l *Library) HasRecipe(name string) bool {
	return l.recipeDefs.Has(name)
}

// GetCab instantiates a cab by name
func (l *Library) GetCab(name string) (*cab.Cab, error) {
	def := l.cabDefs.GetMap(name)
	if def == nil {
		return nil, DefinitionError{Msg: fmt.Sprintf("cab '%s' not found", name)}
	}
	return cab.FromConfig(name, def)
}

// GetRecipe instantiates a recipe by name. A recipe currently being
// instantiated is a cyclic reference.
func (l *Library) GetRecipe(name string) (*Recipe, error) {
	def := l.recipeDefs.GetMap(name)
	if def == nil {
		return nil, DefinitionError{Msg: fmt.Sprintf("recipe '%s' not found", name)}
	}
	if l.building[name] {
		return nil, DefinitionError{Msg: fmt.Sprintf("cyclic reference to recipe '%s'", name)}
	}
	l.building[name] = true
	defer delete(l.building, name)
	r, err := FromConfig(name, def, l)
	if err != nil {
		return nil, err
	}
	r.defName = name
	return r, nil
}

// BackendOptions returns the opts.backend subtree of the config
func (l *Library) BackendOptions() *ordered.Map {
	if opts := l.Config.GetMap("opts"); opts != nil {
		return opts.GetMap("backend")
	}
	return nil
}
