// Package orchestrator implements C8: lifecycle and wiring of C1-C7. It owns
// timers, reconnect policy, and shutdown sequencing, and exposes read-only
// diagnostic views in place of the private-field access a diagnostic script
// would otherwise need (§9).
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/liquidation-watch/engine/internal/candidate"
	"github.com/liquidation-watch/engine/internal/emit"
	"github.com/liquidation-watch/engine/internal/events"
	"github.com/liquidation-watch/engine/internal/hf"
	"github.com/liquidation-watch/engine/internal/price"
	"github.com/liquidation-watch/engine/internal/seed"
	"github.com/liquidation-watch/engine/internal/transport"
)

// selectiveCeiling is the §4.4 "selective scan" HF ceiling.
const selectiveCeiling = 1.10

// recentLogCacheSize bounds the re-delivery dedup cache (see seenLogs):
// generous enough to outlive the handful of logs a websocket reconnect can
// redeliver, small enough to never matter memory-wise.
const recentLogCacheSize = 8192

// Config bundles every sub-component's configuration, already defaulted and
// validated by the config package (§6.3).
type Config struct {
	Candidate   candidate.Config
	Reader      hf.Config
	Emitter     emit.Config
	Price       price.Config
	Seed        seed.Config
	Transport   transport.Config
	PoolAddress common.Address
	OracleFeeds map[common.Address]string

	ShutdownGrace time.Duration
	WorkerCount   int // bounded dispatch worker pool size (default 8)
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 8
	}
	return c
}

// Orchestrator wires C1-C7 together and drives the block/log/price event
// loop. It is the only component that knows about every other component.
type Orchestrator struct {
	cfg Config
	log log.Logger

	transport  *transport.Transport
	registry   *events.Registry
	candidates *candidate.Set
	reader     *hf.Reader
	priceTrk   *price.Tracker
	emitter    *emit.Emitter
	seeder     *seed.Seeder

	jobs   chan func(context.Context)
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// seenLogs dedupes logs a subscription reconnect redelivers: go-ethereum
	// resubscribes from the last known head on every dial, which can replay
	// a handful of already-handled logs. Bounded LRU rather than the event
	// registry's unbounded topic-dedup set, since this keys on log identity
	// (not topic0) and must evict, not grow forever.
	seenLogs *lru.Cache

	mu       sync.Mutex
	lastHead uint64
}

// New constructs every sub-component and wires them, but does not start any
// goroutine yet (§4.8: "starts C1 -> C2 -> ... in that order" happens in Run).
// index may be nil, in which case the seeder relies entirely on the
// log-backfill fallback built internally from t and the event registry
// (§4.7's "alternative seed source").
func New(cfg Config, caller hf.ContractCaller, t *transport.Transport, index seed.UserIndex, logger log.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New("component", "orchestrator")
	}
	cfg = cfg.withDefaults()

	reader, err := hf.New(cfg.Reader, caller, logger)
	if err != nil {
		return nil, fmt.Errorf("construct hf reader: %w", err)
	}

	seenLogs, err := lru.New(recentLogCacheSize)
	if err != nil {
		return nil, fmt.Errorf("construct log dedup cache: %w", err)
	}

	registry := events.NewRegistry(cfg.PoolAddress, cfg.OracleFeeds, logger)
	o := &Orchestrator{
		cfg:        cfg,
		log:        logger,
		transport:  t,
		registry:   registry,
		candidates: candidate.New(cfg.Candidate, logger),
		reader:     reader,
		priceTrk:   price.New(cfg.Price, logger),
		emitter:    emit.New(cfg.Emitter, logger),
		jobs:       make(chan func(context.Context), cfg.WorkerCount*4),
		seenLogs:   seenLogs,
	}
	backfill := logBackfill{transport: t, registry: registry, poolAddress: cfg.PoolAddress}
	o.seeder = seed.New(cfg.Seed, index, backfill, seedSink{o.candidates}, logger)
	return o, nil
}

// seedSink adapts *candidate.Set to seed.Sink without exposing the rest of
// the Set's surface to the seeder.
type seedSink struct{ c *candidate.Set }

func (s seedSink) SeedBulk(addrs []common.Address, block uint64) int {
	return s.c.SeedBulk(addrs, block)
}

// logBackfill implements seed.LogBackfill (§4.7's alternative seed source):
// walk recent pool logs over a bounded block window and extract affected
// users the same way a live pool event would (§3 extraction rule), without
// reconstructing any historical HF or state.
type logBackfill struct {
	transport   *transport.Transport
	registry    *events.Registry
	poolAddress common.Address
}

func (b logBackfill) RecentAffectedUsers(ctx context.Context, window uint64) ([]common.Address, error) {
	head, err := b.transport.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("head block for log backfill: %w", err)
	}
	from := uint64(0)
	if head > window {
		from = head - window
	}
	logs, err := b.transport.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{b.poolAddress},
	})
	if err != nil {
		return nil, fmt.Errorf("filter pool logs: %w", err)
	}

	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, l := range logs {
		d := b.registry.Decode(l)
		for _, addr := range d.AffectedUsers {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out, nil
}

// Subscribe exposes the Edge Emitter's output bus to a downstream consumer
// (§6.4); the orchestrator itself never consumes it.
func (o *Orchestrator) Subscribe(ch chan<- emit.LiquidatableEvent) ethereum.Subscription {
	return o.emitter.Subscribe(ch)
}

// Run starts the full pipeline and blocks until ctx is cancelled (§4.8:
// "starts C1 -> C2 -> C3 -> C4 -> C5/C6/C7 in that order").
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.emitter.Run(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.seeder.Run(ctx, o.currentBlock)
	}()

	headCh := make(chan *types.Header, 16)
	headSub, err := o.transport.SubscribeBlocks(ctx, headCh)
	if err != nil {
		return fmt.Errorf("subscribe blocks: %w", err)
	}
	defer headSub.Unsubscribe()

	logCh := make(chan types.Log, 256)
	logSub, err := o.transport.SubscribeLogs(ctx, ethereum.FilterQuery{}, logCh)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer logSub.Unsubscribe()

	o.log.Info("orchestrator running")
	for {
		select {
		case <-ctx.Done():
			return o.shutdown()

		case err := <-headSub.Err():
			o.log.Warn("head subscription error, reconnecting", "err", err)
			o.handleTransportError(ctx)

		case err := <-logSub.Err():
			o.log.Warn("log subscription error, reconnecting", "err", err)
			o.handleTransportError(ctx)

		case head := <-headCh:
			o.onHead(ctx, head)

		case l := <-logCh:
			o.onLog(ctx, l)
		}
	}
}

// handleTransportError runs the §4.1 reconnect policy. Handlers must never
// block the transport loop (§4.8), so reconnect itself runs on the dispatch
// pool, not inline in Run's select.
func (o *Orchestrator) handleTransportError(ctx context.Context) {
	o.dispatch(func(ctx context.Context) {
		if err := o.transport.Reconnect(ctx); err != nil {
			o.log.Error("reconnect exhausted", "err", err)
			return
		}
		o.log.Info("reconnected", "reconnects", o.transport.Reconnects())
	})
}

// onHead triggers a canonical recheck of every candidate (§4.4).
func (o *Orchestrator) onHead(ctx context.Context, head *types.Header) {
	block := head.Number.Uint64()
	o.mu.Lock()
	o.lastHead = block
	o.mu.Unlock()

	o.dispatch(func(ctx context.Context) {
		addrs := o.candidates.AddressesAll()
		if err := o.reader.Scan(ctx, addrs, block, hf.TriggerHead, multiSink{o.candidates, o.emitter}); err != nil {
			o.log.Warn("canonical recheck failed", "block", block, "err", err)
		}
	})
}

// logKey identifies a log independent of reorg-induced re-subscription:
// (block hash, tx hash, log index) is stable for as long as the block
// itself doesn't get reorged out, which §4.1's reconnect path doesn't
// attempt to detect or unwind.
type logKey struct {
	blockHash common.Hash
	txHash    common.Hash
	index     uint
}

// onLog routes one log to the pool-event path or the oracle path, or drops
// it as unrelated (§4.2 routing rules). A log already handled once (a
// resubscribe replay after a reconnect) is dropped here rather than
// double-counted downstream.
func (o *Orchestrator) onLog(ctx context.Context, l types.Log) {
	key := logKey{blockHash: l.BlockHash, txHash: l.TxHash, index: l.Index}
	if _, seen := o.seenLogs.Get(key); seen {
		return
	}
	o.seenLogs.Add(key, struct{}{})

	switch {
	case o.registry.IsPoolLog(l):
		o.dispatch(func(ctx context.Context) { o.handlePoolLog(ctx, l) })
	default:
		if sym, ok := o.registry.OracleSymbol(l); ok {
			o.dispatch(func(ctx context.Context) { o.handleOracleLog(ctx, l, sym) })
		}
		// Neither pool nor a registered oracle: not an address this engine
		// tracks, silently ignored (distinct from an unregistered topic0 on
		// a tracked address, which Decode itself logs once).
	}
}

func (o *Orchestrator) handlePoolLog(ctx context.Context, l types.Log) {
	d := o.registry.Decode(l)
	block := l.BlockNumber
	for _, addr := range d.AffectedUsers {
		o.candidates.Touch(addr, block)
	}

	switch d.Kind {
	case events.KindReserveDataUpdated:
		// §4.2: scan the candidates whose last_hf <= selectiveCeiling (1.10).
		addrs := o.candidates.AddressesLowHF(selectiveCeiling)
		if len(addrs) == 0 {
			return
		}
		if err := o.reader.Scan(ctx, addrs, block, hf.TriggerEvent, multiSink{o.candidates, o.emitter}); err != nil {
			o.log.Warn("selective scan failed", "err", err)
		}

	case events.KindLiquidationCall:
		// §9 open question left unresolved in the source: log and recheck
		// regardless of whether the recheck can ever be redundant.
		o.log.Info("liquidation call observed", "user", d.User, "collateral", d.CollateralAsset, "debt", d.DebtAsset)
		fallthrough

	case events.KindBorrow, events.KindRepay, events.KindSupply, events.KindWithdraw:
		for _, addr := range d.AffectedUsers {
			if err := o.reader.Scan(ctx, []common.Address{addr}, block, hf.TriggerEvent, multiSink{o.candidates, o.emitter}); err != nil {
				o.log.Warn("targeted scan failed", "user", addr, "err", err)
			}
		}
	}
}

func (o *Orchestrator) handleOracleLog(ctx context.Context, l types.Log, symbol string) {
	if !o.cfg.Price.Enabled {
		return
	}
	current, _, _, err := events.DecodeAnswerUpdated(l)
	if err != nil {
		o.log.Debug("malformed AnswerUpdated log", "symbol", symbol, "err", err)
		return
	}
	trig, fired := o.priceTrk.Observe(symbol, current, time.Now())
	if !fired {
		return
	}
	block := l.BlockNumber
	addrs := o.candidates.AddressesLowHF(selectiveCeiling)
	if len(addrs) == 0 {
		return
	}
	o.log.Info("price trigger selective scan", "symbol", trig.Symbol, "drop_bps", trig.DropBps, "candidates", len(addrs))
	if err := o.reader.Scan(ctx, addrs, block, hf.TriggerPrice, multiSink{o.candidates, o.emitter}); err != nil {
		o.log.Warn("price-triggered scan failed", "err", err)
	}
}

// multiSink fans one hf.Result out to both the candidate set (state update,
// no emission) and the edge emitter (the only component allowed to emit),
// matching §4.4's "call update_hf, then push to the edge emitter".
type multiSink struct {
	candidates *candidate.Set
	emitter    *emit.Emitter
}

func (m multiSink) OnResult(res hf.Result) {
	if res.HF != nil {
		m.candidates.UpdateHF(res.Address, *res.HF, res.Block)
	}
	m.emitter.OnResult(res)
}

// dispatch hands a unit of work to the bounded worker pool (§4.8: "handlers
// must never block the transport loop; they either enqueue to a bounded
// worker or fire-and-log"). A full queue means back-pressure has already
// saturated the dispatch pool, in which case the job is dropped and logged
// rather than blocking the caller.
func (o *Orchestrator) dispatch(job func(context.Context)) {
	select {
	case o.jobs <- job:
	default:
		o.log.Warn("dispatch queue full, dropping job")
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.jobs:
			job(ctx)
		}
	}
}

func (o *Orchestrator) currentBlock() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastHead
}

// shutdown cancels timers, unsubscribes, and drains in-flight work up to the
// configured grace window (§4.8, §5 cancellation).
func (o *Orchestrator) shutdown() error {
	o.log.Info("orchestrator shutting down")
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.log.Warn("shutdown grace window elapsed with workers still running")
	}
	o.emitter.Close()
	o.transport.Close()
	return nil
}

// Metrics is the §9 read-only diagnostic view ("metrics()").
type Metrics struct {
	CandidateCount int
	Reconnects     int
	EventsDropped  uint64
	LastHead       uint64
}

func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		CandidateCount: o.candidates.Len(),
		Reconnects:     o.transport.Reconnects(),
		EventsDropped:  o.emitter.Dropped(),
		LastHead:       o.currentBlock(),
	}
}

// CandidateSnapshot is the §9 read-only diagnostic view
// ("candidate_snapshot()").
func (o *Orchestrator) CandidateSnapshot(addr common.Address) (candidate.Candidate, bool) {
	return o.candidates.Snapshot(addr)
}

// PendingPreSubmits lists every address currently in the Liq state with its
// last observed HF, the §9 read-only view ("pending_pre_submits()") a
// diagnostic script or downstream executor would otherwise need private
// access to reconstruct.
func (o *Orchestrator) PendingPreSubmits() []PreSubmit {
	var out []PreSubmit
	for _, addr := range o.candidates.AddressesAll() {
		status, lastHF, block, ok := o.emitter.Snapshot(addr)
		if !ok || status != emit.StatusLiq {
			continue
		}
		out = append(out, PreSubmit{Address: addr, HF: lastHF, Block: block})
	}
	return out
}

// PreSubmit is one entry in PendingPreSubmits.
type PreSubmit struct {
	Address common.Address
	HF      float64
	Block   uint64
}
