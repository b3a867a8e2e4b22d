package hf

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/liquidation-watch/engine/internal/testutils"
)

// fakeCaller answers aggregate3 calls by decoding the packed call3 slice and
// returning a caller-supplied per-address HF. Any chunk containing poisonAddr
// fails every attempt, regardless of call ordering across the reader's
// concurrent chunk goroutines.
type fakeCaller struct {
	mu         sync.Mutex
	reader     *Reader
	hfByAddr   map[common.Address]*big.Int
	poisonAddr common.Address
	calls      int
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	vals, err := f.reader.aggregatorABI.Methods["aggregate3"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	// The abi package decodes tuples into json-tagged anonymous structs, so
	// convert field-by-field into call3 rather than type-asserting.
	calls := *abi.ConvertType(vals[0], new([]call3)).(*[]call3)

	var zero common.Address
	if f.poisonAddr != zero {
		for _, c := range calls {
			userVals, err := f.reader.poolABI.Methods["getUserAccountData"].Inputs.Unpack(c.CallData[4:])
			if err == nil && userVals[0].(common.Address) == f.poisonAddr {
				return nil, errors.New("simulated aggregate3 failure")
			}
		}
	}

	results := make([]aggregateResult, len(calls))
	for i, c := range calls {
		userVals, err := f.reader.poolABI.Methods["getUserAccountData"].Inputs.Unpack(c.CallData[4:])
		if err != nil {
			results[i] = aggregateResult{Success: false}
			continue
		}
		addr := userVals[0].(common.Address)
		hfVal, ok := f.hfByAddr[addr]
		if !ok {
			results[i] = aggregateResult{Success: false}
			continue
		}
		packed, err := f.reader.poolABI.Methods["getUserAccountData"].Outputs.Pack(
			big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), hfVal)
		if err != nil {
			return nil, err
		}
		results[i] = aggregateResult{Success: true, ReturnData: packed}
	}
	return f.reader.aggregatorABI.Methods["aggregate3"].Outputs.Pack(results)
}

type collectSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *collectSink) OnResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// TestScanChunking mirrors spec scenario S6: 250 candidates, chunk_size=120
// produces chunks of {120,120,10}; one failing chunk leaves its 120 entries
// with a nil HF while the others update normally.
func TestScanChunking(t *testing.T) {
	addrs := testutils.NewAddresses(t, 250)

	caller := &fakeCaller{hfByAddr: make(map[common.Address]*big.Int)}
	oneE18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	for _, a := range addrs {
		caller.hfByAddr[a] = new(big.Int).Mul(big.NewInt(2), oneE18) // HF = 2.0
	}
	// The chunk containing addrs[0] fails every retry attempt.
	caller.poisonAddr = addrs[0]

	r, err := New(Config{
		AggregatorAddress: testutils.NewAddress(t),
		PoolAddress:       testutils.NewAddress(t),
		ChunkSize:         120,
	}, caller, log.New())
	require.NoError(t, err)
	caller.reader = r

	sink := &collectSink{}
	err = r.Scan(context.Background(), addrs, 1000, TriggerHead, sink)
	require.NoError(t, err)
	require.Len(t, sink.results, 250)

	nilCount, okCount := 0, 0
	for _, res := range sink.results {
		if res.HF == nil {
			nilCount++
		} else {
			okCount++
			require.InDelta(t, 2.0, *res.HF, 0.0001)
		}
	}
	require.Equal(t, 120, nilCount, "the first (failing) chunk's 120 entries must report nil HF")
	require.Equal(t, 130, okCount, "the other two chunks (120+10) must succeed")
}

// TestDecodeHealthFactorHugeValueClampsToMaxComparable covers §4.4's "beyond
// ~2^53, treat as +Inf" rule: a healthFactor far above any realistic value
// (but still a valid uint256) must convert to the clamp constant rather than
// an imprecise (or infinite) float64.
func TestDecodeHealthFactorHugeValueClampsToMaxComparable(t *testing.T) {
	r, err := New(Config{
		AggregatorAddress: testutils.NewAddress(t),
		PoolAddress:       testutils.NewAddress(t),
	}, &fakeCaller{}, log.New())
	require.NoError(t, err)

	huge := new(big.Int).Lsh(big.NewInt(1), 200) // > 2^53, still < 2^256
	packed, err := r.poolABI.Methods["getUserAccountData"].Outputs.Pack(
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), huge)
	require.NoError(t, err)
	fixedHF, err := r.decodeHealthFactor(packed)
	require.NoError(t, err)
	require.Equal(t, 1e18, fixedHF.Float64())
}
