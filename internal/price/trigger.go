// Package price implements the Price Trigger (C5): per-asset baseline/last
// price tracking with debounce and delta/cumulative drop detection (§4.5).
package price

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// AssetConfig is the resolved, per-asset threshold/debounce/mode (§6.3
// price_trigger_bps_by_asset, price_trigger_debounce_by_asset).
type AssetConfig struct {
	DropBps     uint64
	DebounceSec int64
	Cumulative  bool
}

// Config is the global default plus per-asset overrides, parsed once at
// startup (§6.3).
type Config struct {
	Enabled        bool
	DefaultDropBps uint64
	DefaultDebounce int64
	DefaultCumulative bool
	Overrides      map[string]AssetConfig // symbol -> override
}

func (c Config) resolve(symbol string) AssetConfig {
	if o, ok := c.Overrides[symbol]; ok {
		return o
	}
	return AssetConfig{DropBps: c.DefaultDropBps, DebounceSec: c.DefaultDebounce, Cumulative: c.DefaultCumulative}
}

// state is the per-feed PriceFeedState from §3.
type state struct {
	baseline      *int64Price
	last          *int64Price
	lastTriggerAt time.Time
	haveTriggered bool
}

type int64Price struct {
	v int64
}

// Trigger is the result of a fired price trigger (§4.5 step 6).
type Trigger struct {
	Symbol         string
	ReferencePrice int64
	CurrentPrice   int64
	DropBps        int64
}

// Tracker owns all PriceFeedState (§3); it is touched only from the
// oracle-log path, whose jobs may run on any worker of the orchestrator's
// pool, so mu serializes every Observe call.
type Tracker struct {
	mu  sync.Mutex
	log log.Logger
	cfg Config

	feeds map[string]*state
}

func New(cfg Config, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.New("component", "price-trigger")
	}
	return &Tracker{
		log:   logger,
		cfg:   cfg,
		feeds: make(map[string]*state),
	}
}

// Observe processes one oracle price update for symbol at price pNow,
// following the six-step algorithm in §4.5 exactly. It returns (trigger,
// true) only when a trigger fires.
func (t *Tracker) Observe(symbol string, pNow int64, now time.Time) (Trigger, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.feeds[symbol]
	if !ok {
		st = &state{}
		t.feeds[symbol] = st
	}

	// Step 1: establish baseline on first observation ever.
	if st.baseline == nil {
		st.baseline = &int64Price{v: pNow}
		st.last = &int64Price{v: pNow}
		return Trigger{}, false
	}

	// Step 2: first update after baseline, before we have a "last" to
	// compare against in delta mode.
	if st.last == nil {
		st.last = &int64Price{v: pNow}
		return Trigger{}, false
	}

	ac := t.cfg.resolve(symbol)

	// Step 3: pick the reference, then update last unconditionally.
	ref := st.last.v
	if ac.Cumulative {
		ref = st.baseline.v
	}
	st.last = &int64Price{v: pNow}

	// Step 4: compute the drop in bps; a price rise or flat price never
	// triggers (dropBpsNow <= 0 in that case).
	if ref <= 0 {
		return Trigger{}, false
	}
	dropBpsNow := (ref - pNow) * 10000 / ref
	if dropBpsNow < int64(ac.DropBps) {
		return Trigger{}, false
	}

	// Step 5: debounce.
	if st.haveTriggered && now.Sub(st.lastTriggerAt) < time.Duration(ac.DebounceSec)*time.Second {
		t.log.Debug("price trigger debounced", "symbol", symbol, "drop_bps", dropBpsNow)
		return Trigger{}, false
	}

	// Step 6: fire, reset bookkeeping.
	st.lastTriggerAt = now
	st.haveTriggered = true
	if ac.Cumulative {
		st.baseline = &int64Price{v: pNow}
	}
	t.log.Info("price trigger fired", "symbol", symbol, "drop_bps", dropBpsNow, "reference", ref, "current", pNow)
	return Trigger{Symbol: symbol, ReferencePrice: ref, CurrentPrice: pNow, DropBps: dropBpsNow}, true
}

// ParseAssetOverrides parses the comma-separated "SYM:value" pairs used by
// price_trigger_bps_by_asset and price_trigger_debounce_by_asset (§6.3).
// Parsing stops at the first malformed entry and returns a
// MalformedOverrideError together with the entries parsed before it.
// Config.ToOrchestratorConfig returns that error, so a malformed override
// stops startup; the bad entry is not skipped on its own.
func ParseAssetOverrides(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return out, &MalformedOverrideError{Entry: pair}
		}
		val, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return out, &MalformedOverrideError{Entry: pair, Cause: err}
		}
		out[strings.ToUpper(strings.TrimSpace(parts[0]))] = val
	}
	return out, nil
}

// MalformedOverrideError is returned for a single bad "SYM:value" entry.
type MalformedOverrideError struct {
	Entry string
	Cause error
}

func (e *MalformedOverrideError) Error() string {
	if e.Cause != nil {
		return "malformed override \"" + e.Entry + "\": " + e.Cause.Error()
	}
	return "malformed override \"" + e.Entry + "\""
}

func (e *MalformedOverrideError) Unwrap() error { return e.Cause }
