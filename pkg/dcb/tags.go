package dcb

import (
	"sort"
	"strings"
)

// Tag is a key-value pair attached to an event for querying.
// Either component may be empty, but not both.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// IsZero reports whether both components are empty.
func (t Tag) IsZero() bool {
	return t.Key == "" && t.Value == ""
}

// String renders the tag in its wire form: "key:value", or just "key"
// when the value is empty.
func (t Tag) String() string {
	if t.Value == "" {
		return t.Key
	}
	return t.Key + ":" + t.Value
}

// ParseTag parses the textual form of a tag. "key:value" yields both
// components, "key" yields a value-less tag and ":value" a key-less one.
// Whitespace is trimmed. The second return value is false when the input
// is blank or collapses to nothing; parsing never fails otherwise.
func ParseTag(s string) (Tag, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Tag{}, false
	}
	// Split on the first ":" only so values may contain colons.
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 1 {
		return Tag{Key: parts[0]}, true
	}
	t := Tag{
		Key:   strings.TrimSpace(parts[0]),
		Value: strings.TrimSpace(parts[1]),
	}
	if t.IsZero() {
		return Tag{}, false
	}
	return t, true
}

// Tags is a normalized tag set: sorted by wire form, duplicates collapsed.
// Construct via NewTags or NewTagSet so the invariant holds.
type Tags []Tag

// NewTags creates a tag set from alternating key-value pairs.
// An odd number of arguments yields an empty set; validation of the
// individual tags happens when the set is used in store operations.
func NewTags(kv ...string) Tags {
	if len(kv)%2 != 0 {
		return Tags{}
	}
	tags := make([]Tag, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags = append(tags, Tag{Key: kv[i], Value: kv[i+1]})
	}
	return NewTagSet(tags...)
}

// NewTagSet normalizes the given tags into a set: zero tags dropped,
// duplicates collapsed, sorted by wire form.
func NewTagSet(tags ...Tag) Tags {
	out := make(Tags, 0, len(tags))
	seen := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		if t.IsZero() {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Contains reports whether the set contains the given tag.
func (ts Tags) Contains(t Tag) bool {
	for _, have := range ts {
		if have == t {
			return true
		}
	}
	return false
}

// ContainsAll reports whether sub is a subset of ts.
func (ts Tags) ContainsAll(sub Tags) bool {
	for _, t := range sub {
		if !ts.Contains(t) {
			return false
		}
	}
	return true
}

// Equal reports structural equality of two normalized sets.
func (ts Tags) Equal(other Tags) bool {
	if len(ts) != len(other) {
		return false
	}
	for i := range ts {
		if ts[i] != other[i] {
			return false
		}
	}
	return true
}

// TagsToArray converts a tag set to its TEXT[] wire representation,
// sorted for consistent ordering.
func TagsToArray(tags Tags) []string {
	result := make([]string, len(tags))
	for i, tag := range tags {
		result[i] = tag.String()
	}
	sort.Strings(result)
	return result
}

// ParseTagsArray converts a TEXT[] wire array back into a tag set.
// Malformed elements are skipped, never reported.
func ParseTagsArray(arr []string) Tags {
	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if t, ok := ParseTag(item); ok {
			tags = append(tags, t)
		}
	}
	return NewTagSet(tags...)
}
