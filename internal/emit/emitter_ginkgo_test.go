package emit

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/liquidation-watch/engine/internal/hf"
)

// rawScale mirrors the hf package's 18-decimal fixed-point scale; hf.Fixed
// exposes no raw accessor, so tests that need a specific raw value build
// one directly rather than reaching into the other package.
var rawScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func rawFromFloat(v float64) *uint256.Int {
	scaled := new(big.Float).Mul(big.NewFloat(v), new(big.Float).SetInt(rawScale))
	bi, _ := scaled.Int(nil)
	out, _ := uint256.FromBig(bi)
	return out
}

var _ = ginkgo.Describe("Emitter.OnResult", func() {
	var e *Emitter

	ginkgo.BeforeEach(func() {
		e = New(Config{ThresholdBps: 9800, HysteresisBps: 20}, log.New())
	})

	ginkgo.It("tolerates many concurrent OnResult calls without corrupting state", func() {
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				addr := common.BigToAddress(big.NewInt(int64(i) + 1))
				hfVal := 0.5
				e.OnResult(hf.Result{
					Address: addr,
					HF:      &hfVal,
					Fixed:   hf.FixedFromUint256(rawFromFloat(hfVal)),
					Block:   uint64(i),
					Trigger: hf.TriggerHead,
				})
			}(i)
		}
		wg.Wait()

		for i := 0; i < 64; i++ {
			addr := common.BigToAddress(big.NewInt(int64(i) + 1))
			status, _, _, ok := e.Snapshot(addr)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(status).To(gomega.Equal(StatusLiq))
		}
	})

	ginkgo.It("decides isLiq from the exact fixed-point threshold, not a rounded float64", func() {
		addr := common.BigToAddress(big.NewInt(999))

		// 9800bps threshold as a raw integer, minus one raw unit: the
		// decimal value is indistinguishable from 0.98 once rounded to a
		// float64, so a "currentHF < threshold()" float comparison would
		// call this user safe.
		thresholdBps := big.NewInt(9800)
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)
		thresholdRaw := new(big.Int).Mul(thresholdBps, factor)
		justBelowRaw := new(big.Int).Sub(thresholdRaw, big.NewInt(1))

		raw, _ := uint256.FromBig(justBelowRaw)
		hfVal := 0.98 // what Float64() reports once rounded

		e.OnResult(hf.Result{
			Address: addr,
			HF:      &hfVal,
			Fixed:   hf.FixedFromUint256(raw),
			Block:   1,
			Trigger: hf.TriggerHead,
		})

		status, _, _, ok := e.Snapshot(addr)
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(status).To(gomega.Equal(StatusLiq))
	})
})
