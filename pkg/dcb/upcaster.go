package dcb

import "fmt"

// Upcaster transforms the stored payload of a legacy event type into its
// current representation at read time. Apply must be pure and idempotent;
// applied to an already-current payload it must act as the identity.
type Upcaster struct {
	Source string // The legacy stored type name
	Target string // The current type name it upcasts to
	Apply  func(data []byte) ([]byte, error)
}

// UpcasterRegistry maps legacy stored type names to their upcasters and
// current type names to the legacy names that target them.
type UpcasterRegistry struct {
	bySource map[string]Upcaster
	byTarget map[string][]string
}

// NewUpcasterRegistry validates and indexes the given upcasters against
// the current type set: every target must be a current type and no source
// may shadow a current type.
func NewUpcasterRegistry(current *TypeRegistry, upcasters ...Upcaster) (*UpcasterRegistry, error) {
	reg := &UpcasterRegistry{
		bySource: make(map[string]Upcaster, len(upcasters)),
		byTarget: make(map[string][]string),
	}
	for _, up := range upcasters {
		if up.Source == "" || up.Target == "" || up.Apply == nil {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "NewUpcasterRegistry",
					Err: fmt.Errorf("upcaster %q -> %q is incomplete", up.Source, up.Target),
				},
				Field: "upcaster",
				Value: up.Source,
			}
		}
		if current != nil && current.Admits(up.Source) {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "NewUpcasterRegistry",
					Err: fmt.Errorf("legacy type %q is also registered as current", up.Source),
				},
				Field: "upcaster.source",
				Value: up.Source,
			}
		}
		if current != nil && !current.Admits(up.Target) {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "NewUpcasterRegistry",
					Err: fmt.Errorf("upcaster target %q is not a current type", up.Target),
				},
				Field: "upcaster.target",
				Value: up.Target,
			}
		}
		if _, exists := reg.bySource[up.Source]; exists {
			return nil, &DuplicateTypeNameError{
				EventStoreError: EventStoreError{
					Op:  "NewUpcasterRegistry",
					Err: fmt.Errorf("legacy type %q has two upcasters", up.Source),
				},
				Name: up.Source,
			}
		}
		reg.bySource[up.Source] = up
		reg.byTarget[up.Target] = append(reg.byTarget[up.Target], up.Source)
	}
	return reg, nil
}

// StoredTypesFor returns every stored type name a query on the given
// current type name must match: the name itself plus all legacy sources
// targeting it.
func (r *UpcasterRegistry) StoredTypesFor(current string) []string {
	if r == nil {
		return []string{current}
	}
	out := append([]string{current}, r.byTarget[current]...)
	return out
}

// ExpandTypes widens a type filter with the legacy sources of each
// current name. A nil or empty filter (any type) stays unrestricted.
func (r *UpcasterRegistry) ExpandTypes(types []string) []string {
	if r == nil || len(types) == 0 {
		return types
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, r.StoredTypesFor(t)...)
	}
	return out
}

// Upcast applies the registered upcaster to a stored event, stamping the
// current type name and keeping the stored one. Events of current types
// pass through untouched.
func (r *UpcasterRegistry) Upcast(e Event) (Event, error) {
	if r == nil {
		return e, nil
	}
	up, ok := r.bySource[e.StoredType]
	if !ok {
		return e, nil
	}
	data, err := up.Apply(e.Data)
	if err != nil {
		return Event{}, &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "Upcast",
				Err: fmt.Errorf("upcasting %q at position %d: %w", e.StoredType, e.Ref.Position, err),
			},
			Type: e.StoredType,
		}
	}
	e.Data = data
	e.Type = up.Target
	return e, nil
}
