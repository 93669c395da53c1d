package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// Entries is implemented by States and StateDiffs.
type Entries interface {
	Range(fn func(id resources.ItemID, value any) bool)
}

// MarshalEntries renders item ID to value entries as a YAML mapping in
// insertion order. Unknown entries are written as null.
func MarshalEntries(e Entries) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	var encErr error
	e.Range(func(id resources.ItemID, value any) bool {
		v := &yaml.Node{}
		if value == nil {
			v = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
		} else if err := v.Encode(value); err != nil {
			encErr = engine.NewPermanentError("failed to serialize state", err).
				WithCode(engine.ErrCodeStatesSerialize).
				WithItem(id.String())
			return false
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: id.String()},
			v,
		)
		return true
	})
	if encErr != nil {
		return nil, encErr
	}
	if len(doc.Content) == 0 {
		doc.Style = yaml.FlowStyle
	}
	return yaml.Marshal(doc)
}

// WriteStates serializes states to path.
func WriteStates[TS any](ctx context.Context, s Storage, path string, states *resources.States[TS]) error {
	data, err := MarshalEntries(states)
	if err != nil {
		return err
	}
	if err := s.Write(ctx, path, data); err != nil {
		return engine.NewTransientError("failed to write states", err).
			WithCode(engine.ErrCodeStorage).
			WithDetail("path", path)
	}
	return nil
}

// WriteStateDiffs serializes diffs to path.
func WriteStateDiffs(ctx context.Context, s Storage, path string, diffs *resources.StateDiffs) error {
	data, err := MarshalEntries(diffs)
	if err != nil {
		return err
	}
	if err := s.Write(ctx, path, data); err != nil {
		return engine.NewTransientError("failed to write state diffs", err).
			WithCode(engine.ErrCodeStorage).
			WithDetail("path", path)
	}
	return nil
}

// ReadStates deserializes states stored at path. Every ID in itemIDs gets an
// entry, unknown if the file has none. A missing file is an error telling
// the user to discover states first.
func ReadStates[TS any](ctx context.Context, s Storage, path string, reg flow.TypeReg, itemIDs []resources.ItemID) (*resources.States[TS], error) {
	states, ok, err := ReadStatesOpt[TS](ctx, s, path, reg, itemIDs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, missingStatesError[TS](path)
	}
	return states, nil
}

// ReadStatesOpt is like ReadStates but returns false if no file is stored.
func ReadStatesOpt[TS any](ctx context.Context, s Storage, path string, reg flow.TypeReg, itemIDs []resources.ItemID) (*resources.States[TS], bool, error) {
	data, ok, err := s.ReadOpt(ctx, path)
	if err != nil {
		return nil, false, engine.NewTransientError("failed to read states", err).
			WithCode(engine.ErrCodeStorage).
			WithDetail("path", path)
	}
	if !ok {
		return nil, false, nil
	}
	states, err := DecodeStates[TS](data, reg, itemIDs)
	if err != nil {
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			engErr.WithDetail("path", path)
		}
		return nil, false, err
	}
	return states, true, nil
}

// DecodeStates parses a states document. Entries for item IDs not in reg,
// and entries that do not decode into their registered type, are reported
// together in one error.
func DecodeStates[TS any](data []byte, reg flow.TypeReg, itemIDs []resources.ItemID) (*resources.States[TS], error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPermanentError("failed to parse states", err).
			WithCode(engine.ErrCodeStatesDeserialize)
	}

	decoded := make(map[resources.ItemID]any)
	var unknown, invalid []string
	var firstErr error

	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, engine.NewPermanentError(fmt.Sprintf("states must be a mapping, found line %d", root.Line), nil).
				WithCode(engine.ErrCodeStatesDeserialize)
		}
		for i := 0; i+1 < len(root.Content); i += 2 {
			key, value := root.Content[i], root.Content[i+1]
			id := resources.ItemID(key.Value)
			t, ok := reg.Get(id)
			if !ok {
				unknown = append(unknown, key.Value)
				continue
			}
			if value.ShortTag() == "!!null" {
				decoded[id] = nil
				continue
			}
			ptr := reflect.New(t)
			if err := value.Decode(ptr.Interface()); err != nil {
				invalid = append(invalid, key.Value)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			decoded[id] = ptr.Elem().Interface()
		}
	}

	if len(unknown) > 0 || len(invalid) > 0 {
		sort.Strings(unknown)
		sort.Strings(invalid)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to deserialize states: unknown item ids %v, undecodable item ids %v", unknown, invalid),
			firstErr).
			WithCode(engine.ErrCodeStatesDeserialize).
			WithDetail("unknown_item_ids", unknown).
			WithDetail("invalid_item_ids", invalid)
	}

	states := resources.NewStatesWithCapacity[TS](len(itemIDs))
	for _, id := range itemIDs {
		states.Insert(id, decoded[id])
	}
	return states, nil
}

func missingStatesError[TS any](path string) error {
	var tag TS
	switch any(tag).(type) {
	case ts.Current, ts.CurrentStored:
		return engine.NewPermanentError("current states have not been discovered; run status first", nil).
			WithCode(engine.ErrCodeStatesCurrentDiscoverRequired).
			WithDetail("path", path)
	case ts.Goal, ts.GoalStored:
		return engine.NewPermanentError("goal states have not been discovered; run goal first", nil).
			WithCode(engine.ErrCodeStatesGoalDiscoverRequired).
			WithDetail("path", path)
	default:
		return engine.NewPermanentError(fmt.Sprintf("no %s states stored", ts.Name(tag)), nil).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("path", path)
	}
}
