package dcb

import (
	"fmt"
	"sort"
)

// EventType describes one admissible event type: its name and a factory
// producing a fresh decode target for the codec round-trip gate.
type EventType struct {
	Name string
	New  func() any
}

// NewEventType builds a descriptor whose factory allocates a *T.
func NewEventType[T any](name string) EventType {
	return EventType{
		Name: name,
		New:  func() any { return new(T) },
	}
}

// EventGroup enumerates the variants of one root domain type. Go has no
// sealed sums, so the closed set of variants is declared explicitly; a
// group with no variants cannot be admitted.
type EventGroup struct {
	Root     string
	Variants []EventType
}

// NewEventGroup creates a group from a root name and its variants.
func NewEventGroup(root string, variants ...EventType) EventGroup {
	return EventGroup{Root: root, Variants: variants}
}

// TypeRegistry holds the admissible event types of a typed stream.
type TypeRegistry struct {
	types map[string]EventType
}

// NewTypeRegistry builds a registry from root groups. A group without
// variants yields a SealingRequiredError; two groups contributing the
// same simple name yield a DuplicateTypeNameError.
func NewTypeRegistry(groups ...EventGroup) (*TypeRegistry, error) {
	reg := &TypeRegistry{types: make(map[string]EventType)}
	for _, group := range groups {
		if len(group.Variants) == 0 {
			return nil, &SealingRequiredError{
				EventStoreError: EventStoreError{
					Op:  "NewTypeRegistry",
					Err: fmt.Errorf("root %q declares no variants", group.Root),
				},
				Root: group.Root,
			}
		}
		for _, v := range group.Variants {
			if v.Name == "" {
				return nil, &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "NewTypeRegistry",
						Err: fmt.Errorf("root %q declares a variant with empty name", group.Root),
					},
					Field: "variant.name",
					Value: "empty",
				}
			}
			if _, exists := reg.types[v.Name]; exists {
				return nil, &DuplicateTypeNameError{
					EventStoreError: EventStoreError{
						Op:  "NewTypeRegistry",
						Err: fmt.Errorf("type name %q registered twice", v.Name),
					},
					Name: v.Name,
				}
			}
			reg.types[v.Name] = v
		}
	}
	return reg, nil
}

// Admits reports whether the given type name is in the admitted set.
// A nil registry admits everything (untyped stream).
func (r *TypeRegistry) Admits(name string) bool {
	if r == nil {
		return true
	}
	_, ok := r.types[name]
	return ok
}

// Get returns the descriptor for a type name.
func (r *TypeRegistry) Get(name string) (EventType, bool) {
	if r == nil {
		return EventType{}, false
	}
	t, ok := r.types[name]
	return t, ok
}

// Names returns the admitted type names, sorted.
func (r *TypeRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
