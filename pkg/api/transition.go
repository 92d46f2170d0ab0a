package api

import "fmt"

// TransitionSpec is the static configuration of one named transition.
type TransitionSpec struct {
	// Action handles the transition's operations.
	Action Action

	// From is the set of subject statuses the transition may fire from
	// under the call operation. The empty string is the initial status.
	// Undo and finalize passes bypass this check.
	From []string

	// To is the destination status assigned when the task is dispatched
	// under the call operation.
	To string

	// Attempts is the retry budget for unexpected failures, including the
	// first attempt. Zero means one attempt.
	Attempts int
}

// Definition is the immutable transition map of one pipeline type. Build it
// once at startup with the root package's DefinitionBuilder.
type Definition struct {
	name        string
	transitions map[string]TransitionSpec
}

// NewDefinition builds a Definition from a transition map. The map is copied;
// later mutation of the argument does not affect the definition.
func NewDefinition(name string, transitions map[string]TransitionSpec) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("sagarail: definition name must not be empty")
	}
	copied := make(map[string]TransitionSpec, len(transitions))
	for tname, spec := range transitions {
		if spec.Action == nil {
			return nil, fmt.Errorf("sagarail: transition %q has nil action", tname)
		}
		if spec.To == "" {
			return nil, fmt.Errorf("sagarail: transition %q has no destination", tname)
		}
		if spec.Attempts <= 0 {
			spec.Attempts = 1
		}
		copied[tname] = spec
	}
	return &Definition{name: name, transitions: copied}, nil
}

// Name returns the pipeline type name.
func (d *Definition) Name() string { return d.name }

// Lookup returns the spec for a transition name.
func (d *Definition) Lookup(name string) (TransitionSpec, error) {
	spec, ok := d.transitions[name]
	if !ok {
		return TransitionSpec{}, &InvalidTransitionError{Transition: name, Unknown: true}
	}
	return spec, nil
}

// Transitions returns a copy of the transition map, for builders that extend
// an existing definition.
func (d *Definition) Transitions() map[string]TransitionSpec {
	out := make(map[string]TransitionSpec, len(d.transitions))
	for name, spec := range d.transitions {
		out[name] = spec
	}
	return out
}

// CouldFire reports whether the transition is allowed from the given subject
// status.
func (d *Definition) CouldFire(name, status string) bool {
	spec, ok := d.transitions[name]
	if !ok {
		return false
	}
	for _, from := range spec.From {
		if from == status {
			return true
		}
	}
	return false
}
