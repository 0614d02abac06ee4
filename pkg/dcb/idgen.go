package dcb

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

// IDGenerator produces the globally unique id for an event about to be
// stored. Ids must be non-empty and unique across the store.
type IDGenerator func(e InputEvent) string

// UUIDGenerator returns the default generator: time-ordered UUIDv7,
// falling back to v4 when the clock source fails.
func UUIDGenerator() IDGenerator {
	return func(InputEvent) string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
}

// TagTypeIDGenerator returns a generator producing TypeIDs whose prefix
// is derived from the event's sorted tag keys, so ids sort and group by
// the entities they touch.
func TagTypeIDGenerator() IDGenerator {
	return func(e InputEvent) string {
		return generateTagBasedTypeID(e.Tags)
	}
}

// generateTagBasedTypeID creates a TypeID using sorted tag keys as prefix.
// The prefix is truncated to fit within VARCHAR(64) including the UUID part.
func generateTagBasedTypeID(tags Tags) string {
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = sanitizeForTypeID(tag.Key)
	}
	sort.Strings(keys)
	prefix := strings.Join(keys, "_")

	// TypeID format: prefix_01h2xcejqtf2nbrexx3vqjhp41 (26 chars for UUID + 1 underscore)
	maxPrefixLength := 64 - 26 - 1
	if len(prefix) > maxPrefixLength {
		prefix = prefix[:maxPrefixLength]
	}
	prefix = strings.Trim(prefix, "_")

	tid, err := typeid.WithPrefix(prefix)
	if err != nil {
		// Fallback to default TypeID if prefix is invalid
		tid, _ = typeid.WithPrefix("event")
	}
	return tid.String()
}

// sanitizeForTypeID sanitizes a string for use in TypeID prefix.
// Replaces special chars with underscores, converts to lowercase.
func sanitizeForTypeID(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}
