package policy

import (
	"context"

	"github.com/quadnix/octo-sub002/pkg/engine"
)

// Hook returns a pre-batch hook evaluating the batch diffs. Blocking violations abort
// the batch before any action runs; warnings are logged.
func (e *Engine) Hook() engine.BatchHook {
	return func(ctx context.Context, batch *engine.Batch) error {
		result, err := e.EvaluateDiffs(ctx, string(batch.Tier), batch.Diffs)
		if err != nil {
			return err
		}
		for _, w := range result.Warnings {
			e.logger.Warn().
				Str("transaction_id", batch.TransactionID).
				Str("policy", w.Policy).
				Str("node", w.Node).
				Msg(w.Message)
		}
		if !result.Allowed {
			e.logger.Error().
				Str("transaction_id", batch.TransactionID).
				Str("tier", string(batch.Tier)).
				Int("violations", len(result.Violations)).
				Msg("Batch denied by policy")
		}
		return result.Err()
	}
}

// Install registers the engine as a pre hook of both tiers.
func (e *Engine) Install(hooks *engine.HookRegistry) {
	hooks.PreBatch(e.Hook())
}
