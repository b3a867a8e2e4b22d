package price

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(seconds int) time.Time { return epoch.Add(time.Duration(seconds) * time.Second) }

// TestDeltaModeScenario exercises the same shape as spec scenario S3 (delta
// mode: sub-threshold drop, then a qualifying drop fires, a follow-up drop
// within the debounce window is suppressed, and one past the window fires
// again). The exact bps figures differ from S3's narrative: §9 flags that
// delta mode's last_price update ordering is itself ambiguous in the source,
// and §4.5's literal step list (update last_price on every observation,
// whether or not it fires) compounds each tick's drop against the
// previous tick rather than the original baseline - see DESIGN.md.
func TestDeltaModeScenario(t *testing.T) {
	cfg := Config{DefaultDropBps: 1000, DefaultDebounce: 5, DefaultCumulative: false}
	tr := New(cfg, log.New())

	_, fired := tr.Observe("ETH", 100, at(0)) // baseline
	require.False(t, fired)

	_, fired = tr.Observe("ETH", 95, at(1)) // 500 bps drop: below the 1000 bps threshold
	require.False(t, fired)

	trig, fired := tr.Observe("ETH", 80, at(2)) // 1578 bps drop from 95: fires
	require.True(t, fired)
	require.Equal(t, int64(1578), trig.DropBps)

	_, fired = tr.Observe("ETH", 70, at(3)) // qualifies again but debounced (within 5s)
	require.False(t, fired)

	trig, fired = tr.Observe("ETH", 50, at(7)) // debounce window elapsed: fires
	require.True(t, fired)
	require.Equal(t, int64(2857), trig.DropBps)
}

// TestCumulativeModeScenario mirrors spec scenario S4: cumulative mode, 30
// bps threshold; baseline resets to the triggering price.
func TestCumulativeModeScenario(t *testing.T) {
	cfg := Config{DefaultDropBps: 30, DefaultDebounce: 0, DefaultCumulative: true}
	tr := New(cfg, log.New())

	_, fired := tr.Observe("BTC", 100_00000000, at(0)) // baseline
	require.False(t, fired)

	_, fired = tr.Observe("BTC", 99_90000000, at(1)) // 10 bps cumulative
	require.False(t, fired)

	_, fired = tr.Observe("BTC", 99_85000000, at(2)) // 15 bps cumulative
	require.False(t, fired)

	trig, fired := tr.Observe("BTC", 99_70000000, at(3)) // 30 bps cumulative: fires
	require.True(t, fired)
	require.Equal(t, int64(30), trig.DropBps)

	// P7: after a cumulative-mode trigger with price p, the next reference
	// price equals p.
	next, fired := tr.Observe("BTC", 99_70000000, at(4)) // flat: no further drop from new baseline
	require.False(t, fired)
	_ = next
}

func TestNeverTriggersOnFirstObservationOrPriceRise(t *testing.T) {
	cfg := Config{DefaultDropBps: 10, DefaultDebounce: 1, DefaultCumulative: false}
	tr := New(cfg, log.New())

	_, fired := tr.Observe("ETH", 100, at(0))
	require.False(t, fired)

	_, fired = tr.Observe("ETH", 110, at(1)) // price rise: never triggers
	require.False(t, fired)

	_, fired = tr.Observe("ETH", 200, at(2)) // still rising relative to last
	require.False(t, fired)
}

// TestDebounceProperty is P6: two consecutive triggers for the same symbol
// are separated by at least debounce_sec.
func TestDebounceProperty(t *testing.T) {
	cfg := Config{DefaultDropBps: 5, DefaultDebounce: 10, DefaultCumulative: false}
	tr := New(cfg, log.New())

	tr.Observe("ETH", 100, at(0))
	_, first := tr.Observe("ETH", 90, at(1))
	require.True(t, first)

	_, second := tr.Observe("ETH", 80, at(5)) // within debounce window
	require.False(t, second)

	_, third := tr.Observe("ETH", 70, at(11)) // debounce elapsed
	require.True(t, third)
}

func TestParseAssetOverrides(t *testing.T) {
	out, err := ParseAssetOverrides("ETH:50, btc:30")
	require.NoError(t, err)
	require.Equal(t, int64(50), out["ETH"])
	require.Equal(t, int64(30), out["BTC"])

	_, err = ParseAssetOverrides("ETH")
	require.Error(t, err)

	_, err = ParseAssetOverrides("ETH:notanumber")
	require.Error(t, err)

	out, err = ParseAssetOverrides("")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestPerAssetOverrideResolution(t *testing.T) {
	cfg := Config{
		DefaultDropBps: 1000,
		Overrides: map[string]AssetConfig{
			"BTC": {DropBps: 50, DebounceSec: 2, Cumulative: false},
		},
	}
	require.Equal(t, uint64(50), cfg.resolve("BTC").DropBps)
	require.Equal(t, uint64(1000), cfg.resolve("ETH").DropBps)
}
