package cmdblocks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/policy"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// PolicyCheckBlock evaluates rego policies against the change each item is
// about to make. Items with a blocking violation fail; warnings are logged.
// Target is the phase the apply converges to, ts.Goal or ts.Clean.
type PolicyCheckBlock[Target any] struct {
	Engine  *policy.Engine
	Command string
	Profile string
	DryRun  bool
	Context *policy.PolicyContext
}

func (b *PolicyCheckBlock[Target]) Name() string { return "policy_check" }

func (b *PolicyCheckBlock[Target]) InputTypeNames() []string {
	return []string{
		typeName[*resources.StatesCurrent](),
		typeName[*resources.States[Target]](),
		typeName[*resources.StateDiffs](),
	}
}

func (b *PolicyCheckBlock[Target]) OutcomeTypeNames() []string { return nil }

func (b *PolicyCheckBlock[Target]) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	current, err := cloneStates[ts.Current](v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}
	target, err := cloneStates[Target](v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}
	diffs, err := cloneDiffs(v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}

	pctx := b.Context
	if pctx == nil {
		pctx = &policy.PolicyContext{}
	}
	if pctx.Timestamp.IsZero() {
		withTime := *pctx
		withTime.Timestamp = time.Now()
		pctx = &withTime
	}

	items := v.Flow.Graph().IterInsertion()
	inputs := make([]*policy.PolicyInput, 0, len(items))
	processed := make([]resources.ItemID, 0, len(items))
	for _, it := range items {
		id := it.ID()
		cur, _ := current.Get(id)
		tgt, _ := target.Get(id)
		diff, _ := diffs.Get(id)

		execRequired := cur != nil || tgt != nil
		if cur != nil && tgt != nil {
			eq, err := it.StateEq(cur, tgt)
			if err != nil {
				return CmdBlockOutcome{}, err
			}
			execRequired = !eq
		}

		inputs = append(inputs, &policy.PolicyInput{
			Command: b.Command,
			FlowID:  v.Flow.ID().String(),
			Profile: b.Profile,
			DryRun:  b.DryRun,
			Item: policy.ItemInput{
				ID:           id.String(),
				ExecRequired: execRequired,
				Current:      cur,
				Target:       tgt,
				Diff:         diff,
			},
			Context: pctx,
		})
		processed = append(processed, id)
	}

	result, err := b.Engine.Evaluate(ctx, inputs)
	if err != nil {
		return CmdBlockOutcome{}, engine.NewPermanentError("policy evaluation failed", err).
			WithOperation(b.Name())
	}

	logger := telemetry.FromContext(ctx)
	for _, w := range result.Warnings {
		logger.WithItemID(w.ItemID).WithField("policy", w.Policy).Warn(w.Message)
	}
	for _, e := range result.Errors {
		logger.WithField("block", b.Name()).Error(e)
	}

	outcome := CmdBlockOutcome{
		ItemWise: true,
		StreamOutcome: engine.StreamOutcome{
			State:            engine.StreamFinished,
			ItemIDsProcessed: processed,
		},
		Errors: make(map[resources.ItemID]error),
	}

	tel := telemetry.FromTelemetryContext(ctx)
	for _, id := range processed {
		violations := result.ViolationsFor(id.String())
		if len(violations) == 0 {
			continue
		}
		msgs := make([]string, 0, len(violations))
		names := make([]string, 0, len(violations))
		for _, viol := range violations {
			msgs = append(msgs, viol.Message)
			names = append(names, viol.Policy)
			if tel != nil {
				_ = tel.Events.PublishPolicyViolation(id.String(), viol.Policy, viol.Message)
			}
		}
		outcome.Errors[id] = engine.NewPermanentError(fmt.Sprintf("denied by policy: %s", strings.Join(msgs, "; ")), nil).
			WithCode(engine.ErrCodePolicyDenied).
			WithItem(id.String()).
			WithOperation(b.Name()).
			WithDetail("policies", names)
		v.Statuses.Fail(id)
	}

	reportItemErrors(ctx, b.Name(), outcome.Errors)
	return outcome, nil
}

func cloneDiffs(r *resources.Resources) (*resources.StateDiffs, error) {
	ref, err := resources.TryBorrow[*resources.StateDiffs](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return nil, engine.NewPermanentError("state diffs are not in the resource store", err).
			WithCode(engine.ErrCodeCmdBlockMismatch)
	}
	defer ref.Release()
	return &resources.StateDiffs{States: *ref.Get().Clone()}, nil
}
