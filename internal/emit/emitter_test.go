package emit

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/liquidation-watch/engine/internal/hf"
	"github.com/liquidation-watch/engine/internal/testutils"
)

func newEmitter(t *testing.T) *Emitter {
	return New(Config{ThresholdBps: 9800, HysteresisBps: 20}, log.New())
}

// TestScenarioS1 mirrors spec scenario S1.
func TestScenarioS1(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)

	_, emitted := e.Evaluate(user, 1.10, 100, hf.TriggerHead)
	require.False(t, emitted)

	_, emitted = e.Evaluate(user, 0.99, 101, hf.TriggerHead)
	require.False(t, emitted)

	ev, emitted := e.Evaluate(user, 0.97, 102, hf.TriggerHead)
	require.True(t, emitted)
	require.Equal(t, ReasonSafeToLiq, ev.Reason)

	ev, emitted = e.Evaluate(user, 0.96, 103, hf.TriggerHead)
	require.True(t, emitted)
	require.Equal(t, ReasonWorsened, ev.Reason)

	// relative drop (0.96-0.959)/0.96 ~= 10bps < 20bps hysteresis: no emit.
	_, emitted = e.Evaluate(user, 0.959, 104, hf.TriggerHead)
	require.False(t, emitted)
}

// TestScenarioS2 mirrors spec scenario S2: two updates at the same block
// yield exactly one emission.
func TestScenarioS2(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)

	_, first := e.Evaluate(user, 0.97, 200, hf.TriggerHead)
	require.True(t, first)

	_, second := e.Evaluate(user, 0.95, 200, hf.TriggerHead)
	require.False(t, second, "per-block cap must suppress the second update at the same block")
}

// TestP1EdgeTrigger: the number of SafeToLiq emissions equals the number of
// Safe->Liq transitions.
func TestP1EdgeTrigger(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)

	safeToLiqCount := 0
	sequence := []struct {
		hf    float64
		block uint64
	}{
		{1.5, 1}, {0.9, 2}, {1.2, 3}, {0.8, 4}, {1.1, 5}, {0.7, 6},
	}
	for _, step := range sequence {
		ev, emitted := e.Evaluate(user, step.hf, step.block, hf.TriggerHead)
		if emitted && ev.Reason == ReasonSafeToLiq {
			safeToLiqCount++
		}
	}
	require.Equal(t, 3, safeToLiqCount) // 0.9, 0.8, 0.7 each follow a Safe reading
}

// TestP2PerBlockCap: at most one emission per user per block.
func TestP2PerBlockCap(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)

	emits := 0
	for _, hfVal := range []float64{0.99, 0.80, 0.50} {
		_, emitted := e.Evaluate(user, hfVal, 42, hf.TriggerHead)
		if emitted {
			emits++
		}
	}
	require.LessOrEqual(t, emits, 1)
}

// TestP3Hysteresis: consecutive Liq emissions satisfy the relative-drop
// hysteresis bound.
func TestP3Hysteresis(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)

	e.Evaluate(user, 1.0, 1, hf.TriggerHead)
	ev1, emitted := e.Evaluate(user, 0.9, 2, hf.TriggerHead)
	require.True(t, emitted)

	ev2, emitted := e.Evaluate(user, 0.5, 3, hf.TriggerHead)
	require.True(t, emitted)

	relDrop := (ev1.HF - ev2.HF) / ev1.HF
	require.GreaterOrEqual(t, relDrop, 0.002)
}

// TestP4NoSpuriousEmit: an update with hf >= threshold never emits.
func TestP4NoSpuriousEmit(t *testing.T) {
	e := newEmitter(t)
	for i, hfVal := range []float64{0.98, 1.0, 5.0, 2.3} {
		user := testutils.NewAddress(t)
		_, emitted := e.Evaluate(user, hfVal, uint64(i), hf.TriggerHead)
		require.False(t, emitted)
	}
}

func TestOnResultSkipsNilHF(t *testing.T) {
	e := newEmitter(t)
	user := testutils.NewAddress(t)
	e.OnResult(hf.Result{Address: user, HF: nil, Block: 1, Trigger: hf.TriggerHead})
	_, _, _, ok := e.Snapshot(user)
	require.False(t, ok)
}

func TestDropOldestOnFullOutbox(t *testing.T) {
	e := New(Config{ThresholdBps: 9800, HysteresisBps: 20, OutboxSize: 2}, log.New())
	for i := 0; i < 5; i++ {
		user := testutils.NewAddress(t)
		e.Evaluate(user, 0.5, uint64(i), hf.TriggerHead)
	}
	require.Greater(t, e.Dropped(), uint64(0))
}
