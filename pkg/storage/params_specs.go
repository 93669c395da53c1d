package storage

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// WriteParamsSpecs stores params specs. Mapping functions are stored by
// name, so the same functions must be registered when the specs are read.
func WriteParamsSpecs(ctx context.Context, s Storage, path string, specs *params.ParamsSpecs) error {
	data, err := yaml.Marshal(specs)
	if err != nil {
		return engine.NewPermanentError("failed to serialize params specs", err).
			WithCode(engine.ErrCodeStatesSerialize)
	}
	if err := s.Write(ctx, path, data); err != nil {
		return engine.NewTransientError("failed to write params specs", err).
			WithCode(engine.ErrCodeStorage).
			WithDetail("path", path)
	}
	return nil
}

// ReadParamsSpecsOpt reads stored params specs, returning false if none
// are stored.
func ReadParamsSpecsOpt(ctx context.Context, s Storage, path string) (*params.ParamsSpecs, bool, error) {
	data, ok, err := s.ReadOpt(ctx, path)
	if err != nil {
		return nil, false, engine.NewTransientError("failed to read params specs", err).
			WithCode(engine.ErrCodeStorage).
			WithDetail("path", path)
	}
	if !ok {
		return nil, false, nil
	}

	specs := params.NewParamsSpecs()
	if err := yaml.Unmarshal(data, specs); err != nil {
		return nil, false, engine.NewPermanentError(fmt.Sprintf("failed to parse params specs in %s", path), err).
			WithCode(engine.ErrCodeStatesDeserialize)
	}
	return specs, true, nil
}

// LoadParamsSpecs merges provided specs over the stored ones for the items
// of a flow. The error, if any, carries a params.SpecsMismatch detail.
func LoadParamsSpecs(
	ctx context.Context,
	s Storage,
	path string,
	itemIDs []resources.ItemID,
	provided *params.ParamsSpecs,
	reg *params.MappingFnReg,
) (*params.ParamsSpecs, error) {
	stored, _, err := ReadParamsSpecsOpt(ctx, s, path)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = params.NewParamsSpecs()
	}
	if provided == nil {
		provided = params.NewParamsSpecs()
	}

	merged, mismatch := params.MergeChecked(itemIDs, provided, stored, reg)
	if mismatch != nil {
		return nil, mismatch.Err()
	}
	return merged, nil
}
