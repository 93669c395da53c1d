package params

import (
	"fmt"
	"strings"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
)

// SpecsMismatch describes why provided and stored params specs cannot be
// used with a flow.
type SpecsMismatch struct {
	// ItemsWithoutSpec are flow items with neither a provided nor a stored spec.
	ItemsWithoutSpec []resources.ItemID `json:"items_without_spec,omitempty" yaml:"items_without_spec,omitempty"`

	// ProvidedUnknown are provided specs whose item is not in the flow.
	ProvidedUnknown []resources.ItemID `json:"provided_unknown,omitempty" yaml:"provided_unknown,omitempty"`

	// StoredUnknown are stored specs whose item is not in the flow.
	StoredUnknown []resources.ItemID `json:"stored_unknown,omitempty" yaml:"stored_unknown,omitempty"`

	// NotUsable are merged specs that still need a stored value or refer to
	// an unregistered mapping function.
	NotUsable []resources.ItemID `json:"not_usable,omitempty" yaml:"not_usable,omitempty"`
}

// IsEmpty reports whether there is no mismatch.
func (m *SpecsMismatch) IsEmpty() bool {
	return len(m.ItemsWithoutSpec) == 0 &&
		len(m.ProvidedUnknown) == 0 &&
		len(m.StoredUnknown) == 0 &&
		len(m.NotUsable) == 0
}

// Err renders the mismatch as an EngineError.
func (m *SpecsMismatch) Err() error {
	var parts []string
	add := func(label string, ids []resources.ItemID) {
		if len(ids) == 0 {
			return
		}
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = id.String()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", label, strings.Join(strs, ", ")))
	}
	add("items without params specs", m.ItemsWithoutSpec)
	add("provided specs for unknown items", m.ProvidedUnknown)
	add("stored specs for unknown items", m.StoredUnknown)
	add("specs not usable", m.NotUsable)

	return engine.NewPermanentError("params specs do not match the flow ("+strings.Join(parts, "; ")+")", nil).
		WithCode(engine.ErrCodeParamsSpecsMismatch).
		WithDetail("mismatch", m)
}

// MergeChecked merges provided specs over stored specs for the items of a
// flow, returning the merged specs or the mismatch.
func MergeChecked(
	itemIDs []resources.ItemID,
	provided, stored *ParamsSpecs,
	reg *MappingFnReg,
) (*ParamsSpecs, *SpecsMismatch) {
	inFlow := make(map[resources.ItemID]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		inFlow[id] = struct{}{}
	}

	m := &SpecsMismatch{}
	for _, id := range provided.ItemIDs() {
		if _, ok := inFlow[id]; !ok {
			m.ProvidedUnknown = append(m.ProvidedUnknown, id)
		}
	}
	for _, id := range stored.ItemIDs() {
		if _, ok := inFlow[id]; !ok {
			m.StoredUnknown = append(m.StoredUnknown, id)
		}
	}

	all := provided.Merge(stored)
	merged := NewParamsSpecs()
	for _, id := range itemIDs {
		spec, ok := all.Get(id)
		if !ok {
			m.ItemsWithoutSpec = append(m.ItemsWithoutSpec, id)
			continue
		}
		if !spec.IsUsable(reg) {
			m.NotUsable = append(m.NotUsable, id)
		}
		merged.Insert(id, spec)
	}

	if !m.IsEmpty() {
		return merged, m
	}
	return merged, nil
}
