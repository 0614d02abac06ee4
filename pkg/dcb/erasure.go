package dcb

import (
	"encoding/json"
	"fmt"
)

// ErasedSentinel is the value an external redactor writes in place of an
// erased field. Erasure never affects references, positions, tags,
// timestamps or types.
const ErasedSentinel = "ERASED"

// ErasableField marks one payload field as erasable. Path is the
// top-level JSON field name. Partial fields are composites: the redactor
// recurses into them to find erasable sub-fields instead of replacing
// them wholesale.
type ErasableField struct {
	Path     string `json:"path"`
	Category string `json:"category,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
}

// ErasureDescriptor enumerates the erasable fields of one event type.
// Descriptors are plain schema metadata: they survive serialization and
// need no runtime reflection to consume.
type ErasureDescriptor struct {
	Type   string          `json:"type"`
	Fields []ErasableField `json:"fields"`
}

// ErasureRegistry indexes descriptors by event type for lookup by a
// redactor or a storage backend.
type ErasureRegistry struct {
	byType map[string]ErasureDescriptor
}

// NewErasureRegistry builds a registry from the given descriptors.
func NewErasureRegistry(descriptors ...ErasureDescriptor) (*ErasureRegistry, error) {
	reg := &ErasureRegistry{byType: make(map[string]ErasureDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Type == "" {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "newErasureRegistry",
					Err: fmt.Errorf("descriptor with empty type"),
				},
				Field: "type",
				Value: "empty",
			}
		}
		if _, exists := reg.byType[d.Type]; exists {
			return nil, &DuplicateTypeNameError{
				EventStoreError: EventStoreError{
					Op:  "newErasureRegistry",
					Err: fmt.Errorf("erasure descriptor for %q registered twice", d.Type),
				},
				Name: d.Type,
			}
		}
		reg.byType[d.Type] = d
	}
	return reg, nil
}

// Descriptor returns the descriptor for an event type.
func (r *ErasureRegistry) Descriptor(eventType string) (ErasureDescriptor, bool) {
	if r == nil {
		return ErasureDescriptor{}, false
	}
	d, ok := r.byType[eventType]
	return d, ok
}

// SplitErasable partitions a JSON payload into its retained part and the
// erasable part, keyed by field path. Backends use this to keep erasable
// values in a separate column so a redactor can drop them without
// rewriting the payload structure.
func (r *ErasureRegistry) SplitErasable(eventType string, data []byte) (retained []byte, erasable map[string]json.RawMessage, err error) {
	d, ok := r.Descriptor(eventType)
	if !ok || len(d.Fields) == 0 {
		return data, nil, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "splitErasable",
				Err: fmt.Errorf("payload of type %q is not a JSON object: %w", eventType, err),
			},
			Type: eventType,
		}
	}
	erasable = make(map[string]json.RawMessage)
	for _, f := range d.Fields {
		if value, exists := payload[f.Path]; exists {
			erasable[f.Path] = value
			delete(payload, f.Path)
		}
	}
	if len(erasable) == 0 {
		return data, nil, nil
	}
	retained, err = json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return retained, erasable, nil
}

// MergeErasable is the inverse of SplitErasable: it folds the erasable
// part back into the retained payload for reads. Missing entries come
// back as the erased sentinel.
func (r *ErasureRegistry) MergeErasable(eventType string, retained []byte, erasable map[string]json.RawMessage) ([]byte, error) {
	d, ok := r.Descriptor(eventType)
	if !ok || len(d.Fields) == 0 {
		return retained, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(retained, &payload); err != nil {
		return nil, err
	}
	sentinel, _ := json.Marshal(ErasedSentinel)
	for _, f := range d.Fields {
		if _, exists := payload[f.Path]; exists {
			continue
		}
		if value, exists := erasable[f.Path]; exists {
			payload[f.Path] = value
		} else {
			payload[f.Path] = sentinel
		}
	}
	return json.Marshal(payload)
}
