// Package transport implements the Chain Transport (C1): one websocket
// connection to an EVM node with auto-reconnect and exponential backoff,
// plus an optional hedged secondary transport (§4.1).
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// maxReconnectAttempts is the §4.1 cap: "capped at 10 attempts before
// giving up".
const maxReconnectAttempts = 10

// Config is the §6.3-adjacent transport configuration: endpoints and
// hedging.
type Config struct {
	PrimaryURL   string
	SecondaryURL string // empty disables hedging
	HedgeEnabled bool   // default false (§9 open question: left disabled)
	HedgeDelay   time.Duration
}

// Transport owns the live connection(s) and the reconnect state machine.
// It is the only component that dials the chain node.
type Transport struct {
	cfg Config
	log log.Logger

	primary   *ethclient.Client
	secondary *ethclient.Client

	reconnects int
}

// Errors surfaced by Transport, matching the §7 "Transport" taxonomy.
var (
	ErrAuthOrEndpointGone = errors.New("transport: authentication failed or endpoint gone")
	ErrReconnectExhausted = errors.New("transport: exceeded reconnect attempt cap")
)

// Dial connects to the primary (and, if configured, secondary) endpoint.
func Dial(ctx context.Context, cfg Config, logger log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.New("component", "transport")
	}
	t := &Transport{cfg: cfg, log: logger}
	primary, err := t.dialWithBackoff(ctx, cfg.PrimaryURL)
	if err != nil {
		return nil, err
	}
	t.primary = primary

	if cfg.HedgeEnabled && cfg.SecondaryURL != "" {
		secondary, err := ethclient.DialContext(ctx, cfg.SecondaryURL)
		if err != nil {
			// Secondary is best-effort: hedging is an optimization, not a
			// correctness requirement (§4.1), so a failed secondary dial
			// only disables hedging rather than aborting startup.
			t.log.Warn("secondary transport dial failed, hedging disabled", "err", err)
		} else {
			t.secondary = secondary
		}
	}
	return t, nil
}

// dialWithBackoff implements §4.1's reconnect policy precisely:
// min(60s, 2^attempts*1s) with jitter, capped at 10 attempts.
func (t *Transport) dialWithBackoff(ctx context.Context, url string) (*ethclient.Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 60 * time.Second

	attempt := 0
	op := func() (*ethclient.Client, error) {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			attempt++
			t.log.Warn("dial failed, backing off", "attempt", attempt, "err", err)
			return nil, err
		}
		return client, nil
	}

	client, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxReconnectAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	return client, nil
}

// Reconnect tears down and redials the primary connection after an error
// or close (§4.1). It does not replay missed events: recovery relies on the
// next block tick triggering a canonical recheck (§4.4).
func (t *Transport) Reconnect(ctx context.Context) error {
	if t.primary != nil {
		t.primary.Close()
	}
	client, err := t.dialWithBackoff(ctx, t.cfg.PrimaryURL)
	if err != nil {
		return err
	}
	t.primary = client
	t.reconnects++
	return nil
}

// Reconnects returns the running reconnect counter (§4.1: "each reconnect
// increments a counter").
func (t *Transport) Reconnects() int { return t.reconnects }

// SubscribeBlocks exposes new block headers.
func (t *Transport) SubscribeBlocks(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return t.primary.SubscribeNewHead(ctx, ch)
}

// SubscribeLogs exposes logs matching q.
func (t *Transport) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return t.primary.SubscribeFilterLogs(ctx, q, ch)
}

// FilterLogs is a one-shot historical log query, used by the seeder's log
// backfill fallback (§4.7 supplement) and by selective rechecks.
func (t *Transport) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return t.primary.FilterLogs(ctx, q)
}

// CallContract implements hf.ContractCaller, hedging to the secondary
// transport when configured (§4.1: "issue to primary, after hedge_delay_ms
// also issue to secondary, accept the first success").
func (t *Transport) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if !t.cfg.HedgeEnabled || t.secondary == nil {
		return t.primary.CallContract(ctx, call, blockNumber)
	}
	return t.hedgedCall(ctx, call, blockNumber)
}

type callResult struct {
	data []byte
	err  error
}

func (t *Transport) hedgedCall(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	results := make(chan callResult, 2)
	issue := func(c *ethclient.Client) {
		data, err := c.CallContract(ctx, call, blockNumber)
		results <- callResult{data, err}
	}

	go issue(t.primary)
	timer := time.NewTimer(t.cfg.HedgeDelay)
	defer timer.Stop()

	var firstErr error
	pending, hedged := 1, false
	for pending > 0 || !hedged {
		select {
		case res := <-results:
			pending--
			if res.err == nil {
				return res.data, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-timer.C:
			hedged = true
			pending++
			go issue(t.secondary)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, firstErr
}

// BlockNumber returns the current head block number, used for the
// canonical recheck's "new block" trigger.
func (t *Transport) BlockNumber(ctx context.Context) (uint64, error) {
	return t.primary.BlockNumber(ctx)
}

// Close shuts down both connections.
func (t *Transport) Close() {
	if t.primary != nil {
		t.primary.Close()
	}
	if t.secondary != nil {
		t.secondary.Close()
	}
}

// StartHeartbeat launches the raw websocket ping probe against the primary
// endpoint and invokes onUnhealthy (typically the orchestrator's Reconnect
// trigger) the moment it detects a stale socket. It only applies to ws(s)://
// endpoints; an http(s):// primary has no persistent socket to probe.
func (t *Transport) StartHeartbeat(ctx context.Context, interval time.Duration, onUnhealthy func()) {
	if !strings.HasPrefix(t.cfg.PrimaryURL, "ws") {
		return
	}
	go websocketHeartbeat(ctx, t.cfg.PrimaryURL, interval, onUnhealthy)
}

// websocketHeartbeat is a thin, independent health probe: a raw websocket
// ping/pong loop dialed directly (not through ethclient/rpc) so a half-open
// TCP connection that the JSON-RPC layer has not noticed yet is still
// detected promptly. Its only job is to call unhealthy() so the caller can
// force a Reconnect; it carries no protocol traffic itself.
func websocketHeartbeat(ctx context.Context, url string, interval time.Duration, unhealthy func()) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		unhealthy()
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				unhealthy()
				return
			}
		}
	}
}
