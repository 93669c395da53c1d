package resources

import (
	"fmt"
	"sort"
)

// ItemID uniquely identifies an item within a flow.
//
// IDs must begin with an ASCII letter or underscore, followed by letters,
// digits, or underscores. They are used as keys in persisted state files, so
// they must be stable across runs.
type ItemID string

// NewItemID validates and returns an item ID.
func NewItemID(s string) (ItemID, error) {
	id := ItemID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustItemID is like NewItemID but panics on an invalid ID.
// Intended for item IDs declared as literals.
func MustItemID(s string) ItemID {
	id, err := NewItemID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks that the ID is a valid identifier.
func (id ItemID) Validate() error {
	if id == "" {
		return fmt.Errorf("invalid item id: must not be empty")
	}
	for i, c := range id {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return fmt.Errorf("invalid item id %q: character %q at position %d is not allowed", string(id), c, i)
		}
	}
	return nil
}

// String returns the ID as a string.
func (id ItemID) String() string {
	return string(id)
}

// SortItemIDs sorts IDs lexically, for deterministic diagnostics.
func SortItemIDs(ids []ItemID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
