package dcb

import (
	"context"
	"fmt"
)

// StateProjector defines how to fold events into one decision-model state.
type StateProjector struct {
	ID           string
	Query        Query
	InitialState any
	Transition   func(state any, e Event) any
}

// DecisionModel is the result of projecting one or more states for a
// decision: the final states plus the append condition that protects the
// decision against events committed after the projection ran.
type DecisionModel struct {
	States    map[string]any
	Condition AppendCondition
	LastRef   *EventReference
}

// ProjectDecisionModel streams the union of the projectors' queries once
// and folds every matching event into its projectors' states. The
// returned condition fails a later append when any event matching the
// combined query was committed after the last reference seen here.
func ProjectDecisionModel(ctx context.Context, source ProjectionSource, projectors []StateProjector) (DecisionModel, error) {
	if len(projectors) == 0 {
		return DecisionModel{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "projectDecisionModel",
				Err: fmt.Errorf("projectors must not be empty"),
			},
			Field: "projectors",
			Value: "empty",
		}
	}
	combined := QueryNone()
	states := make(map[string]any, len(projectors))
	for i, p := range projectors {
		if p.ID == "" {
			return DecisionModel{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "projectDecisionModel",
					Err: fmt.Errorf("projector at index %d has empty ID", i),
				},
				Field: "projector.id",
				Value: "empty",
			}
		}
		if p.Transition == nil {
			return DecisionModel{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "projectDecisionModel",
					Err: fmt.Errorf("projector %s has nil transition function", p.ID),
				},
				Field: "projector.transition",
				Value: "nil",
			}
		}
		if _, dup := states[p.ID]; dup {
			return DecisionModel{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "projectDecisionModel",
					Err: fmt.Errorf("projector ID %s used twice", p.ID),
				},
				Field: "projector.id",
				Value: p.ID,
			}
		}
		states[p.ID] = p.InitialState
		combined = combined.CombineWith(p.Query)
	}

	it, err := source.Read(ctx, combined, nil)
	if err != nil {
		return DecisionModel{}, err
	}
	defer it.Close()

	var lastRef *EventReference
	for it.Next() {
		event := it.Event()
		ref := event.Ref
		lastRef = &ref
		for _, p := range projectors {
			if p.Query.Matches(event) {
				states[p.ID] = p.Transition(states[p.ID], event)
			}
		}
	}
	if err := it.Err(); err != nil {
		return DecisionModel{}, err
	}

	model := DecisionModel{States: states, LastRef: lastRef}
	if lastRef != nil {
		model.Condition = FailIfMatchAfter(combined, *lastRef)
	} else {
		model.Condition = FailIfMatch(combined)
	}
	return model, nil
}
