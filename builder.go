package sagarail

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/petrijr/sagarail/pkg/api"
)

// DefinitionBuilder assembles an immutable Definition transition by
// transition. Like the rest of the fluent surface it panics on structural
// mistakes (empty names, nil actions, duplicate transitions) since those are
// programming errors, not runtime conditions.
type DefinitionBuilder struct {
	name        string
	transitions map[string]api.TransitionSpec
	parents     []*api.Definition
}

// NewBuilder starts a definition named name.
func NewBuilder(name string) *DefinitionBuilder {
	if name == "" {
		panic("sagarail: definition name cannot be empty")
	}
	return &DefinitionBuilder{
		name:        name,
		transitions: make(map[string]api.TransitionSpec),
	}
}

// Transition registers a named transition. spec.Attempts of zero means a
// single attempt.
func (b *DefinitionBuilder) Transition(name string, spec TransitionSpec) *DefinitionBuilder {
	if name == "" {
		panic("sagarail: transition name cannot be empty")
	}
	if spec.Action == nil {
		panic(fmt.Sprintf("sagarail: transition %q has no action", name))
	}
	if _, exists := b.transitions[name]; exists {
		panic(fmt.Sprintf("sagarail: transition %q registered twice", name))
	}
	b.transitions[name] = spec
	return b
}

// Extend inherits every transition of parent that this builder does not
// define itself. Extending multiple parents is allowed; earlier parents win
// over later ones.
func (b *DefinitionBuilder) Extend(parent *Definition) *DefinitionBuilder {
	if parent == nil {
		panic("sagarail: cannot extend a nil definition")
	}
	b.parents = append(b.parents, parent)
	return b
}

// Build validates the collected transitions and returns the definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	merged := make(map[string]api.TransitionSpec, len(b.transitions))
	for name, spec := range b.transitions {
		merged[name] = spec
	}
	for _, parent := range b.parents {
		if err := mergo.Merge(&merged, parent.Transitions()); err != nil {
			return nil, fmt.Errorf("sagarail: merge parent %q: %w", parent.Name(), err)
		}
	}
	return api.NewDefinition(b.name, merged)
}

// MustBuild is Build panicking on error, for package-level definitions.
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
