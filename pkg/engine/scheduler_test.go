package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelScheduler_BoundsWorkersAndMergesInApplyOrder(t *testing.T) {
	f := newFixture(t)

	var running, peak atomic.Int32
	require.NoError(t, f.actions.RegisterModelAction(&testAction{
		name:    "region-marker",
		filter:  isModel("region", graph.ActionAdd),
		outputs: func(*graph.Diff) []string { return []string{"k"} },
		handle: func(_ context.Context, d *graph.Diff, _ map[string]any) (map[string]any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			// the first diff finishes last
			if d.Node.ID() == "a" {
				time.Sleep(100 * time.Millisecond)
			} else {
				time.Sleep(10 * time.Millisecond)
			}
			f.journal.add("done %s", d.Node.ID())
			return map[string]any{"k": d.Node.ID()}, nil
		},
	}))

	tx, err := f.execute(t, regions(t, "a", "b", "c", "d"), Options{MaxParallel: 2})
	require.NoError(t, err)

	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, "done a", f.journal.list()[3])
	assert.Equal(t, "d", tx.Outputs()["k"])

	results := tx.ModelResults()
	require.Len(t, results, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, results[i].Diff.Node.ID())
	}
}

func TestLevelScheduler_SingleWorkerRunsSequentially(t *testing.T) {
	f := newFixture(t)

	var running, peak atomic.Int32
	require.NoError(t, f.actions.RegisterModelAction(&testAction{
		name:   "region-marker",
		filter: isModel("region", graph.ActionAdd),
		handle: func(_ context.Context, d *graph.Diff, _ map[string]any) (map[string]any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			f.journal.add("done %s", d.Node.ID())
			return nil, nil
		},
	}))

	_, err := f.execute(t, regions(t, "a", "b", "c"), Options{MaxParallel: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, []string{"done a", "done b", "done c"}, f.journal.list())
}
