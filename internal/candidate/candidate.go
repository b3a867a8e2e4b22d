// Package candidate implements the bounded, LRU-style address watch-list (C3)
// described in spec §3 and §4.3: a capacity-bounded mapping from address to
// Candidate, with eviction biased toward the least interesting entries.
package candidate

import (
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/ethereum/go-ethereum/log"
)

// Candidate is a single address under active HF monitoring. LastHF is nil
// until the first successful batch read updates it.
type Candidate struct {
	Address       common.Address
	LastHF        *float64
	LastSeenBlock uint64
	AddedAt       time.Time
}

func (c *Candidate) hf() float64 {
	if c.LastHF == nil {
		// An address with no observed HF yet is treated as maximally
		// uninteresting for eviction purposes: it sorts above any real HF.
		return math.MaxFloat64
	}
	return *c.LastHF
}

// staleEntry is what we push into the eviction heap. Every UpdateHF pushes a
// fresh entry and leaves the older ones in place, so an entry popped off the
// heap may no longer reflect the candidate's current HF; evictOneLocked
// reconciles against the map before acting on it (a lazy-deletion heap, same
// trick the teacher's txpool price heap relies on to avoid an update-in-heap
// operation).
type staleEntry struct {
	addr common.Address
	hf   float64
}

// Set is the capacity-bounded candidate collection. Writers (the
// orchestrator's worker pool and the seeder) take mu for writing; any number
// of goroutines may call the read-only methods concurrently while a write is
// not in flight (§5: the candidate set is the one shared mutable collection,
// reader-prefer locking).
type Set struct {
	mu  sync.RWMutex
	log log.Logger

	max               int
	alwaysIncludeBelow float64

	byAddr map[common.Address]*Candidate
	order  []common.Address // stable iteration order, insertion order

	evictHeap *prque.Prque[float64, staleEntry]
}

// Config controls capacity and eviction protection (§6.3 candidate_max,
// always_include_hf_below).
type Config struct {
	Max                int
	AlwaysIncludeBelow float64
}

func New(cfg Config, logger log.Logger) *Set {
	if logger == nil {
		logger = log.New("component", "candidate")
	}
	return &Set{
		log:                logger,
		max:                cfg.Max,
		alwaysIncludeBelow: cfg.AlwaysIncludeBelow,
		byAddr:             make(map[common.Address]*Candidate, cfg.Max),
		evictHeap:          prque.New[float64, staleEntry](nil),
	}
}

// Touch inserts addr if absent and bumps LastSeenBlock if present. Returns
// true if a new candidate was created.
func (s *Set) Touch(addr common.Address, block uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byAddr[addr]; ok {
		c.LastSeenBlock = block
		return false
	}
	s.insertLocked(addr, block)
	return true
}

// UpdateHF sets LastHF and LastSeenBlock for addr (§4.3). A call for an
// unknown address is a silent no-op, matching spec wording exactly.
func (s *Set) UpdateHF(addr common.Address, hf float64, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byAddr[addr]
	if !ok {
		return
	}
	c.LastHF = &hf
	c.LastSeenBlock = block
	s.evictHeap.Push(staleEntry{addr: addr, hf: hf}, hf)
	s.compactIfOversizedLocked()
}

// compactThresholdFloor is the minimum evictHeap size (regardless of
// candidate_max) before compaction is even considered, so a small,
// frequently-rechecked set doesn't pay the rebuild cost every few calls.
const compactThresholdFloor = 10000

// compactIfOversizedLocked rebuilds evictHeap from the live byAddr map once
// stale entries (pushed by every UpdateHF, discarded only lazily by
// evictOneLocked) have piled up well past what the set could ever legally
// hold. Without this, a canonical recheck that updates every candidate every
// block and evicts nothing grows the heap without bound even though byAddr
// stays capped at candidate_max.
func (s *Set) compactIfOversizedLocked() {
	threshold := compactThresholdFloor
	if s.max*4 > threshold {
		threshold = s.max * 4
	}
	if s.evictHeap.Size() <= threshold {
		return
	}
	s.evictHeap.Reset()
	for addr, c := range s.byAddr {
		s.evictHeap.Push(staleEntry{addr: addr, hf: c.hf()}, c.hf())
	}
}

// SeedBulk adds many addresses, de-duplicated against the existing set
// (§4.3 seed_bulk, §8 P8 idempotent-seed property).
func (s *Set) SeedBulk(addrs []common.Address, block uint64) (added int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range addrs {
		if _, ok := s.byAddr[addr]; ok {
			continue
		}
		s.insertLocked(addr, block)
		added++
	}
	return added
}

// insertLocked must be called with mu held for writing. It enforces capacity
// by evicting a victim first when the set is already full.
func (s *Set) insertLocked(addr common.Address, block uint64) {
	if s.max > 0 && len(s.byAddr) >= s.max {
		s.evictOneLocked()
	}
	c := &Candidate{
		Address:       addr,
		LastSeenBlock: block,
		AddedAt:       time.Now(),
	}
	s.byAddr[addr] = c
	s.order = append(s.order, addr)
	s.evictHeap.Push(staleEntry{addr: addr, hf: c.hf()}, c.hf())
}

// evictOneLocked removes one candidate, preferring the entry with the
// highest LastHF, tie-broken by the oldest LastSeenBlock (§3, §4.3). A
// candidate whose LastHF is below alwaysIncludeBelow is never chosen while
// any unprotected candidate remains (§8 P5).
func (s *Set) evictOneLocked() {
	var popped []staleEntry
	defer func() {
		// Push back every candidate we inspected but did not evict; their
		// heap priority is still current since we only inspect, never
		// mutate, HF here.
		for _, e := range popped {
			s.evictHeap.Push(e, e.hf)
		}
	}()

	for !s.evictHeap.Empty() {
		entry, prio := s.evictHeap.Pop()
		c, ok := s.byAddr[entry.addr]
		if !ok {
			continue // address was already removed; drop the stale heap entry
		}
		if c.hf() != prio {
			continue // stale priority from a since-superseded UpdateHF; drop it
		}
		if c.hf() < s.alwaysIncludeBelow && s.hasUnprotectedLocked(entry.addr) {
			// This candidate is protected and a better (unprotected) victim
			// exists somewhere in the set; keep looking.
			popped = append(popped, entry)
			continue
		}
		// Tie-break among candidates with the same HF: the oldest
		// LastSeenBlock goes first.
		victim, victimSeen := entry.addr, c.LastSeenBlock
		for addr, other := range s.byAddr {
			if other.hf() == c.hf() && other.LastSeenBlock < victimSeen {
				victim, victimSeen = addr, other.LastSeenBlock
			}
		}
		if victim != entry.addr {
			popped = append(popped, entry)
		}
		s.removeLocked(victim)
		s.log.Debug("evicted candidate", "address", victim, "hf", c.hf())
		return
	}
	// Heap exhausted without a removal: no live candidate had a current heap
	// entry. (When every candidate is protected, the loop above already
	// evicts the highest-HF one, since hasUnprotectedLocked reports false.)
	// As a last resort, evict the candidate with the oldest LastSeenBlock.
	s.evictOldestProtectedLocked()
}

// hasUnprotectedLocked reports whether any candidate other than except has
// LastHF >= alwaysIncludeBelow (i.e. is a legal eviction target).
func (s *Set) hasUnprotectedLocked(except common.Address) bool {
	for addr, c := range s.byAddr {
		if addr == except {
			continue
		}
		if c.hf() >= s.alwaysIncludeBelow {
			return true
		}
	}
	return false
}

func (s *Set) evictOldestProtectedLocked() {
	var victim common.Address
	var oldest uint64 = ^uint64(0)
	found := false
	for addr, c := range s.byAddr {
		if !found || c.LastSeenBlock < oldest {
			victim, oldest, found = addr, c.LastSeenBlock, true
		}
	}
	if found {
		s.removeLocked(victim)
	}
}

func (s *Set) removeLocked(addr common.Address) {
	delete(s.byAddr, addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// AddressesAll returns a stable-order snapshot of every candidate address.
func (s *Set) AddressesAll() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, len(s.order))
	copy(out, s.order)
	return out
}

// AddressesLowHF returns addresses whose LastHF <= ceiling, used by
// selective scans (§4.3, §4.4).
func (s *Set) AddressesLowHF(ceiling float64) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.Address
	for _, addr := range s.order {
		c := s.byAddr[addr]
		if c.LastHF != nil && *c.LastHF <= ceiling {
			out = append(out, addr)
		}
	}
	return out
}

// LowestHF returns the candidate with the smallest observed HF, if any.
func (s *Set) LowestHF() (common.Address, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best    common.Address
		bestHF  = math.MaxFloat64
		anySeen bool
	)
	for addr, c := range s.byAddr {
		if c.LastHF == nil {
			continue
		}
		if !anySeen || *c.LastHF < bestHF {
			best, bestHF, anySeen = addr, *c.LastHF, true
		}
	}
	return best, bestHF, anySeen
}

// Len returns the current candidate count.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddr)
}

// Snapshot returns a copy of one candidate, for diagnostics (§9 read-only
// views on the orchestrator).
func (s *Set) Snapshot(addr common.Address) (Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAddr[addr]
	if !ok {
		return Candidate{}, false
	}
	return *c, true
}
