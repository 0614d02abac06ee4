package dcb

// EventReference identifies and orders a stored event. Position is the
// store-wide strictly monotonic sequence assigned at append; Tx identifies
// the append batch, so all events of one batch share a Tx and become
// visible atomically.
type EventReference struct {
	ID       string `json:"id"`
	Position int64  `json:"position"`
	Tx       uint64 `json:"transaction_id"`
}

// NewEventReference builds a reference. Backends that cannot supply a
// transaction number pass tx == 0 and ordering degrades to position-only.
func NewEventReference(id string, position int64, tx uint64) EventReference {
	if tx == 0 {
		tx = uint64(position)
	}
	return EventReference{ID: id, Position: position, Tx: tx}
}

// IsZero reports whether the reference is unset.
func (r EventReference) IsZero() bool {
	return r.ID == "" && r.Position == 0 && r.Tx == 0
}

// HappenedBefore orders references by (Tx, Position). The transaction
// number is the primary key so that events of one batch never interleave
// with another batch's visibility.
func (r EventReference) HappenedBefore(other EventReference) bool {
	if r.Tx != other.Tx {
		return r.Tx < other.Tx
	}
	return r.Position < other.Position
}

// HappenedAfter is the strict inverse of HappenedBefore.
func (r EventReference) HappenedAfter(other EventReference) bool {
	return other.HappenedBefore(r)
}

// EarlierOf returns the reference that happened first.
func EarlierOf(a, b EventReference) EventReference {
	if b.HappenedBefore(a) {
		return b
	}
	return a
}
