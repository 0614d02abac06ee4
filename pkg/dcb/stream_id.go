package dcb

// StreamID groups events by (context, purpose). An empty component is a
// wildcard: it matches every concrete value on read and makes the id
// read-only on write.
type StreamID struct {
	Context string `json:"context"`
	Purpose string `json:"purpose"`
}

// NewStreamID creates a fully specified stream id.
func NewStreamID(context, purpose string) StreamID {
	return StreamID{Context: context, Purpose: purpose}
}

// AnyStream returns the id that reads every stream.
func AnyStream() StreamID {
	return StreamID{}
}

// AnyPurpose returns an id fixed to a context but open to any purpose.
func AnyPurpose(context string) StreamID {
	return StreamID{Context: context}
}

// IsSpecific reports whether both components are concrete.
func (s StreamID) IsSpecific() bool {
	return s.Context != "" && s.Purpose != ""
}

// IsWildcard reports whether either component is a wildcard.
func (s StreamID) IsWildcard() bool {
	return !s.IsSpecific()
}

// CanRead reports whether events of stream other are visible through s:
// each component must be a wildcard or equal.
func (s StreamID) CanRead(other StreamID) bool {
	if s.Context != "" && s.Context != other.Context {
		return false
	}
	if s.Purpose != "" && s.Purpose != other.Purpose {
		return false
	}
	return true
}

// CanAppendTo reports whether a writer holding s may append to other:
// either the ids are equal, or s concretizes other's wildcard purpose
// within the same context.
func (s StreamID) CanAppendTo(other StreamID) bool {
	if !s.IsSpecific() {
		return false
	}
	if s == other {
		return true
	}
	return other.Purpose == "" && other.Context == s.Context
}

// WithPurpose returns a copy of s concretized to the given purpose.
func (s StreamID) WithPurpose(purpose string) StreamID {
	s.Purpose = purpose
	return s
}

func (s StreamID) String() string {
	ctx, p := s.Context, s.Purpose
	if ctx == "" {
		ctx = "*"
	}
	if p == "" {
		p = "*"
	}
	return ctx + "#" + p
}
