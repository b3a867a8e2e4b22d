package hf

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// Trigger identifies why a scan was started (§3 LiquidatableEvent.trigger).
type Trigger int

const (
	TriggerEvent Trigger = iota
	TriggerHead
	TriggerPrice
)

func (t Trigger) String() string {
	switch t {
	case TriggerEvent:
		return "event"
	case TriggerHead:
		return "head"
	case TriggerPrice:
		return "price"
	default:
		return "unknown"
	}
}

// ScanKind names the three scan shapes in §4.4.
type ScanKind int

const (
	ScanCanonical ScanKind = iota
	ScanTargeted
	ScanSelective
)

// Result is one (address, hf, block) tuple. HF is nil when the entry
// failed to decode (aggregation-level or per-call failure); the caller
// must not treat a nil HF as a value to compare, only as "skip this user".
type Result struct {
	Address common.Address
	HF      *float64
	Fixed   Fixed
	Block   uint64
	Trigger Trigger
}

// ContractCaller is the minimal read surface the reader needs from the
// chain transport (a subset of ethereum.ContractCaller / bind.ContractCaller,
// satisfied directly by *ethclient.Client).
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config mirrors the §6.3 batch-read options.
type Config struct {
	AggregatorAddress common.Address
	PoolAddress       common.Address
	ChunkSize         int
	ChunkTimeout      time.Duration
	ChunkRetryAttempts int
	RunStallAbort     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 120
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 2000 * time.Millisecond
	}
	if c.ChunkRetryAttempts <= 0 {
		c.ChunkRetryAttempts = 2
	}
	if c.RunStallAbort <= 0 {
		c.RunStallAbort = 5000 * time.Millisecond
	}
	return c
}

// Sink receives the outcome of every user read in a scan. The Edge Emitter
// (C6) and Candidate Manager (C3) are both wired in as a Sink.
type Sink interface {
	OnResult(Result)
}

// Reader is the HF Batch Reader (C4).
type Reader struct {
	cfg    Config
	caller ContractCaller
	log    log.Logger

	aggregatorABI abi.ABI
	poolABI       abi.ABI
}

const aggregatorABIJSON = `[{
	"name": "aggregate3",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}
	]}],
	"outputs": [{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}
	]}]
}]`

const poolABIJSON = `[{
	"name": "getUserAccountData",
	"type": "function",
	"stateMutability": "view",
	"inputs": [{"name":"user","type":"address"}],
	"outputs": [
		{"name":"totalCollateralBase","type":"uint256"},
		{"name":"totalDebtBase","type":"uint256"},
		{"name":"availableBorrowsBase","type":"uint256"},
		{"name":"currentLiquidationThreshold","type":"uint256"},
		{"name":"ltv","type":"uint256"},
		{"name":"healthFactor","type":"uint256"}
	]
}]`

// New builds a Reader, parsing the two fixed ABI fragments it needs (§6.1).
func New(cfg Config, caller ContractCaller, logger log.Logger) (*Reader, error) {
	aggABI, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	poolABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	if logger == nil {
		logger = log.New("component", "hf-reader")
	}
	return &Reader{
		cfg:           cfg.withDefaults(),
		caller:        caller,
		log:           logger,
		aggregatorABI: aggABI,
		poolABI:       poolABI,
	}, nil
}

// call3 mirrors the Multicall3-style tuple from §6.1.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type aggregateResult struct {
	Success    bool
	ReturnData []byte
}

// Scan reads HF for every address in addrs, chunking per ChunkSize, and
// pushes every successful (and every explicitly-failed) result to sink in
// input order preserved per chunk. A failing chunk yields nil HFs for its
// members without aborting the remaining chunks (§4.4).
func (r *Reader) Scan(ctx context.Context, addrs []common.Address, block uint64, trigger Trigger, sink Sink) error {
	if len(addrs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunStallAbort)
	defer cancel()

	chunks := chunk(addrs, r.cfg.ChunkSize)

	var g errgroup.Group
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			results := r.readChunkWithRetry(ctx, c, block, trigger)
			for _, res := range results {
				sink.OnResult(res)
			}
			return nil
		})
	}
	return g.Wait()
}

func chunk(addrs []common.Address, size int) [][]common.Address {
	var out [][]common.Address
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[i:end])
	}
	return out
}

// readChunkWithRetry issues one aggregate3 call for the chunk, retrying up
// to ChunkRetryAttempts times on a per-chunk timeout (§4.4). If every
// attempt fails, every member of the chunk yields a nil-HF Result.
func (r *Reader) readChunkWithRetry(ctx context.Context, addrs []common.Address, block uint64, trigger Trigger) []Result {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ChunkRetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ChunkTimeout)
		results, err := r.readChunk(callCtx, addrs, block, trigger)
		cancel()
		if err == nil {
			return results
		}
		lastErr = err
		r.log.Warn("chunk read failed, retrying", "attempt", attempt, "size", len(addrs), "err", err)
	}
	r.log.Error("chunk exhausted retries", "size", len(addrs), "err", lastErr)
	out := make([]Result, len(addrs))
	for i, a := range addrs {
		out[i] = Result{Address: a, Block: block, Trigger: trigger}
	}
	return out
}

func (r *Reader) readChunk(ctx context.Context, addrs []common.Address, block uint64, trigger Trigger) ([]Result, error) {
	calls := make([]call3, len(addrs))
	for i, addr := range addrs {
		data, err := r.poolABI.Pack("getUserAccountData", addr)
		if err != nil {
			return nil, fmt.Errorf("pack getUserAccountData(%s): %w", addr, err)
		}
		calls[i] = call3{Target: r.cfg.PoolAddress, AllowFailure: true, CallData: data}
	}

	input, err := r.aggregatorABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &r.cfg.AggregatorAddress,
		Data: input,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("aggregate3 call: %w", err)
	}

	var rawResults []aggregateResult
	if err := r.aggregatorABI.UnpackIntoInterface(&rawResults, "aggregate3", out); err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(rawResults) != len(addrs) {
		return nil, fmt.Errorf("aggregate3: expected %d results, got %d", len(addrs), len(rawResults))
	}

	results := make([]Result, len(addrs))
	for i, addr := range addrs {
		res := Result{Address: addr, Block: block, Trigger: trigger}
		entry := rawResults[i]
		if !entry.Success {
			r.log.Debug("getUserAccountData call failed", "address", addr)
			results[i] = res
			continue
		}
		fixedHF, err := r.decodeHealthFactor(entry.ReturnData)
		if err != nil {
			r.log.Debug("getUserAccountData decode failed", "address", addr, "err", err)
			results[i] = res
			continue
		}
		f := fixedHF.Float64()
		res.HF = &f
		res.Fixed = fixedHF
		results[i] = res
	}
	return results, nil
}

func (r *Reader) decodeHealthFactor(returnData []byte) (Fixed, error) {
	vals, err := r.poolABI.Unpack("getUserAccountData", returnData)
	if err != nil {
		return Fixed{}, err
	}
	if len(vals) != 6 {
		return Fixed{}, fmt.Errorf("expected 6 return values, got %d", len(vals))
	}
	big6, ok := vals[5].(*big.Int)
	if !ok {
		return Fixed{}, errors.New("healthFactor: unexpected type")
	}
	raw, overflow := uint256.FromBig(big6)
	if overflow {
		return Fixed{raw: uint256.NewInt(0).Not(uint256.NewInt(0))}, nil // clamp to max
	}
	return FixedFromUint256(raw), nil
}
