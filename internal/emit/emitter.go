// Package emit implements the Edge Emitter (C6): a per-user {safe, liq}
// state machine with hysteresis, a one-emission-per-user-per-block cap, and
// the LiquidatableEvent output bus (§4.6).
package emit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/liquidation-watch/engine/internal/hf"
)

// Status is a user's position relative to the liquidation threshold.
type Status int

const (
	StatusSafe Status = iota
	StatusLiq
)

func (s Status) String() string {
	if s == StatusLiq {
		return "liq"
	}
	return "safe"
}

// Reason names why an emission fired (§3).
type Reason int

const (
	ReasonSafeToLiq Reason = iota
	ReasonWorsened
)

func (r Reason) String() string {
	if r == ReasonWorsened {
		return "worsened"
	}
	return "safe_to_liq"
}

// LiquidatableEvent is the engine's sole output (§3, §6.4).
type LiquidatableEvent struct {
	User    common.Address
	HF      float64
	Block   uint64
	Trigger hf.Trigger
	Reason  Reason
	At      time.Time
}

// userState is §3's UserState, in-memory only, rebuilt from fresh reads
// after a restart.
type userState struct {
	status Status
	lastHF float64
	block  uint64
}

// Config holds the two threshold knobs from §6.3, plus the output channel's
// capacity.
type Config struct {
	ThresholdBps  uint64 // execution_hf_threshold_bps, default 9800
	HysteresisBps uint64 // hysteresis_bps, default 20
	OutboxSize    int    // bounded channel depth before drop-oldest kicks in
}

const defaultOutboxSize = 1024

func (c Config) threshold() float64  { return float64(c.ThresholdBps) / 10000 }
func (c Config) hysteresis() float64 { return float64(c.HysteresisBps) / 10000 }

// Emitter owns UserState and LastEmitBlock (§3). §5 calls for a single
// writer; in practice OnResult is fed concurrently from every chunk
// goroutine of a hf.Reader.Scan (themselves dispatched from the
// orchestrator's worker pool), so mu is the actual enforcement of that
// invariant rather than a structural guarantee.
type Emitter struct {
	cfg Config
	log log.Logger

	// fixedThreshold is cfg.ThresholdBps as an exact 18-decimal integer,
	// computed once so OnResult's production path never has to go through
	// float64 to decide isLiq (§9 design note).
	fixedThreshold hf.Fixed

	mu            sync.Mutex
	states        map[common.Address]*userState
	lastEmitBlock map[common.Address]uint64

	feed event.Feed
	subs event.SubscriptionScope

	out     chan LiquidatableEvent
	dropped uint64 // count of emissions lost to a full outbox (§6.4)
}

func New(cfg Config, logger log.Logger) *Emitter {
	if logger == nil {
		logger = log.New("component", "edge-emitter")
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	return &Emitter{
		cfg:            cfg,
		log:            logger,
		fixedThreshold: hf.Threshold(cfg.ThresholdBps),
		states:         make(map[common.Address]*userState),
		lastEmitBlock:  make(map[common.Address]uint64),
		out:            make(chan LiquidatableEvent, cfg.OutboxSize),
	}
}

// Subscribe registers ch to receive every LiquidatableEvent (§6.4). The
// returned subscription is tracked so Close() unsubscribes everyone at
// shutdown, mirroring the teacher's event.SubscriptionScope usage in
// core/txpool/txpool.go.
func (e *Emitter) Subscribe(ch chan<- LiquidatableEvent) event.Subscription {
	return e.subs.Track(e.feed.Subscribe(ch))
}

// Run drains the bounded outbox and fans each event out to subscribers via
// feed.Send, until ctx is cancelled. It is the only goroutine that calls
// feed.Send, so Subscribe/Send never race. The orchestrator starts this
// once during wiring (§4.8).
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.out:
			e.feed.Send(ev)
		}
	}
}

// Close unsubscribes every listener (§4.8 shutdown sequencing).
func (e *Emitter) Close() {
	e.subs.Close()
}

// Dropped returns how many emissions were lost to the bounded outbox
// filling up since startup (§6.4: "drop-oldest on overflow, count drops").
func (e *Emitter) Dropped() uint64 { return atomic.LoadUint64(&e.dropped) }

// OnResult implements hf.Sink: every batch-read result flows through the
// edge emitter, which is the only component allowed to emit (§3 Lifecycle).
// It is the real production path, fed concurrently by hf.Reader.Scan's
// chunk goroutines, so it decides isLiq via the exact-integer comparison
// (res.Fixed.Less) rather than the float64 threshold Evaluate uses.
func (e *Emitter) OnResult(res hf.Result) {
	if res.HF == nil {
		return // per-entry decode failure; already logged by the reader
	}
	isLiq := res.Fixed.Less(e.fixedThreshold)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluateLocked(res.Address, *res.HF, res.Block, res.Trigger, isLiq)
}

// Evaluate runs the §4.6 state machine for one (user, hf, block, trigger)
// update and returns the emitted event, if any. It decides isLiq from the
// float64 threshold, which is what direct callers (tests, and anything
// driving the state machine off an already-converted HF) expect; OnResult
// is the concurrent, fixed-point-accurate entry point used in production.
func (e *Emitter) Evaluate(user common.Address, currentHF float64, block uint64, trigger hf.Trigger) (LiquidatableEvent, bool) {
	isLiq := currentHF < e.cfg.threshold()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(user, currentHF, block, trigger, isLiq)
}

// evaluateLocked is the shared state-machine body; callers must hold mu.
func (e *Emitter) evaluateLocked(user common.Address, currentHF float64, block uint64, trigger hf.Trigger, isLiq bool) (LiquidatableEvent, bool) {
	// Step 1: one-per-user-per-block cap (§8 P2).
	if last, ok := e.lastEmitBlock[user]; ok && last == block {
		return LiquidatableEvent{}, false
	}

	st, existed := e.states[user]

	if !existed {
		st = &userState{status: StatusSafe, lastHF: currentHF, block: block}
		e.states[user] = st
		if isLiq {
			st.status = StatusLiq
			return e.emit(user, currentHF, block, trigger, ReasonSafeToLiq)
		}
		return LiquidatableEvent{}, false
	}

	prevStatus, prevHF := st.status, st.lastHF

	switch {
	case isLiq && prevStatus == StatusSafe:
		st.status, st.lastHF, st.block = StatusLiq, currentHF, block
		return e.emit(user, currentHF, block, trigger, ReasonSafeToLiq)

	case isLiq && prevStatus == StatusLiq:
		st.lastHF, st.block = currentHF, block
		if prevHF <= 0 {
			return LiquidatableEvent{}, false
		}
		relDrop := (prevHF - currentHF) / prevHF
		if relDrop >= e.cfg.hysteresis() {
			return e.emit(user, currentHF, block, trigger, ReasonWorsened)
		}
		return LiquidatableEvent{}, false

	default: // !isLiq
		st.status, st.lastHF, st.block = StatusSafe, currentHF, block
		return LiquidatableEvent{}, false
	}
}

func (e *Emitter) emit(user common.Address, currentHF float64, block uint64, trigger hf.Trigger, reason Reason) (LiquidatableEvent, bool) {
	e.lastEmitBlock[user] = block
	ev := LiquidatableEvent{
		User:    user,
		HF:      currentHF,
		Block:   block,
		Trigger: trigger,
		Reason:  reason,
		At:      time.Now(),
	}
	e.log.Info("liquidatable", "user", user, "hf", currentHF, "block", block, "trigger", trigger, "reason", reason)
	e.pushOutbox(ev)
	return ev, true
}

// pushOutbox is a non-blocking, drop-oldest send into the bounded outbox
// (§6.4: "back-pressure on the channel must not block the core —
// drop-oldest on overflow, count drops"). It only touches the channel and
// an atomic counter, so it needs no lock even though evaluateLocked calls
// it while holding mu; Run is the only reader.
func (e *Emitter) pushOutbox(ev LiquidatableEvent) {
	select {
	case e.out <- ev:
		return
	default:
	}
	select {
	case <-e.out:
		atomic.AddUint64(&e.dropped, 1)
	default:
	}
	select {
	case e.out <- ev:
	default:
		// Outbox is still full after dropping the oldest entry; this
		// event is counted as dropped too.
		atomic.AddUint64(&e.dropped, 1)
	}
}

// Snapshot returns a copy of a user's current state, for diagnostics (§9).
func (e *Emitter) Snapshot(user common.Address) (Status, float64, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[user]
	if !ok {
		return StatusSafe, 0, 0, false
	}
	return st.status, st.lastHF, st.block, true
}
