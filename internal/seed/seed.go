// Package seed implements the Seeder (C7): periodic ingestion of candidate
// addresses from an external user index, with a log-backfill fallback when
// that index is unavailable (§4.7, SPEC_FULL "Supplemented Features").
package seed

import (
	"context"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

// Sink is the subset of the candidate set a seeder needs (§4.7: "the seeder
// never emits directly; it only feeds C3").
type Sink interface {
	SeedBulk(addrs []common.Address, block uint64) int
}

// UserIndex is the external user-index collaborator (§6.2).
type UserIndex interface {
	ListUsersWithBorrows(ctx context.Context, limit int) ([]common.Address, error)
}

// LogBackfill is the alternative seed source: scan recent protocol logs
// over a bounded block window and extract affected users the way C2 would
// from a live event.
type LogBackfill interface {
	RecentAffectedUsers(ctx context.Context, window uint64) ([]common.Address, error)
}

// Config controls cadence and the recently-seeded dedupe cache (§6.3
// seed_interval_sec).
type Config struct {
	IntervalSec        int64
	JitterFraction      float64 // e.g. 0.2 for +-20%
	Limit              int
	FallbackBlockWindow uint64
	RateLimitPerSec     float64
}

func (c Config) withDefaults() Config {
	if c.IntervalSec <= 0 {
		c.IntervalSec = 45
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.2
	}
	if c.Limit <= 0 {
		c.Limit = 5000
	}
	if c.FallbackBlockWindow == 0 {
		c.FallbackBlockWindow = 5000
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 2
	}
	return c
}

// Seeder drives periodic seeding from the primary index, falling back to
// log backfill when the index call fails.
type Seeder struct {
	cfg     Config
	index   UserIndex
	backfill LogBackfill
	sink    Sink
	log     log.Logger

	limiter *rate.Limiter
	// recentlySeeded avoids re-touching (and so re-aging) a candidate the
	// previous seed cycle already added moments ago; a byte-cache is the
	// idiomatic fastcache shape (address bytes -> presence).
	recentlySeeded *fastcache.Cache
}

func New(cfg Config, index UserIndex, backfill LogBackfill, sink Sink, logger log.Logger) *Seeder {
	if logger == nil {
		logger = log.New("component", "seeder")
	}
	cfg = cfg.withDefaults()
	return &Seeder{
		cfg:            cfg,
		index:          index,
		backfill:       backfill,
		sink:           sink,
		log:            logger,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		recentlySeeded: fastcache.New(4 * 1024 * 1024),
	}
}

// Run seeds once immediately, then on a jittered interval, until ctx is
// cancelled (§4.7: "at startup and periodically with jitter").
func (s *Seeder) Run(ctx context.Context, block func() uint64) {
	s.cycle(ctx, block())
	for {
		wait := s.jitteredInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.cycle(ctx, block())
		}
	}
}

func (s *Seeder) jitteredInterval() time.Duration {
	base := time.Duration(s.cfg.IntervalSec) * time.Second
	jitter := float64(base) * s.cfg.JitterFraction * (2*rand.Float64() - 1)
	return base + time.Duration(jitter)
}

// cycle runs one seeding pass: primary index first, log backfill only if
// the index call fails (§4.7).
func (s *Seeder) cycle(ctx context.Context, block uint64) {
	if err := s.limiter.Wait(ctx); err != nil {
		return // context cancelled while waiting for the rate limiter
	}

	var (
		addrs []common.Address
		err   error
	)
	if s.index != nil {
		addrs, err = s.index.ListUsersWithBorrows(ctx, s.cfg.Limit)
	}
	if s.index == nil || err != nil {
		s.log.Warn("user index unavailable, falling back to log backfill", "err", err)
		if s.backfill == nil {
			return
		}
		addrs, err = s.backfill.RecentAffectedUsers(ctx, s.cfg.FallbackBlockWindow)
		if err != nil {
			s.log.Error("log backfill seed source failed", "err", err)
			return
		}
	}

	fresh := s.dedupeRecentlySeeded(addrs)
	if len(fresh) == 0 {
		return
	}
	added := s.sink.SeedBulk(fresh, block)
	s.log.Info("seed cycle complete", "candidates", len(fresh), "added", added)
}

func (s *Seeder) dedupeRecentlySeeded(addrs []common.Address) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		key := a.Bytes()
		if s.recentlySeeded.Has(key) {
			continue
		}
		s.recentlySeeded.Set(key, []byte{1})
		out = append(out, a)
	}
	return out
}
