// Package events implements the Event Router (C2): it decodes raw logs
// against a registered ABI set, classifies them as pool events or oracle
// updates, and extracts the affected users (§4.2).
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	mapset "github.com/deckarep/golang-set/v2"
)

// Kind tags a DecodedEvent's concrete shape (§3).
type Kind int

const (
	KindUnknown Kind = iota
	KindBorrow
	KindRepay
	KindSupply
	KindWithdraw
	KindLiquidationCall
	KindReserveDataUpdated
	KindAnswerUpdated
)

func (k Kind) String() string {
	switch k {
	case KindBorrow:
		return "Borrow"
	case KindRepay:
		return "Repay"
	case KindSupply:
		return "Supply"
	case KindWithdraw:
		return "Withdraw"
	case KindLiquidationCall:
		return "LiquidationCall"
	case KindReserveDataUpdated:
		return "ReserveDataUpdated"
	case KindAnswerUpdated:
		return "AnswerUpdated"
	default:
		return "Unknown"
	}
}

// Decoded is the tagged-variant DecodedEvent from §3. Only the fields
// relevant to Kind are populated; AffectedUsers is the §3 extraction-rule
// result (empty for ReserveDataUpdated/AnswerUpdated/Unknown).
type Decoded struct {
	Kind           Kind
	Reserve        common.Address
	User           common.Address
	OnBehalfOf     common.Address
	Repayer        common.Address
	To             common.Address
	CollateralAsset common.Address
	DebtAsset      common.Address
	Liquidator     common.Address
	AffectedUsers  []common.Address

	// Oracle fields (AnswerUpdated).
	Current   int64
	RoundID   int64
	UpdatedAt int64
}

// signatures are the canonical event signatures §6.1 names; topic0 is their
// Keccak256 hash, computed once at registry construction.
var signatures = map[Kind]string{
	KindBorrow:             "Borrow(address,address,address,uint256,uint8,uint256,uint16)",
	KindRepay:              "Repay(address,address,address,uint256,bool)",
	KindSupply:             "Supply(address,address,address,uint256,uint16)",
	KindWithdraw:           "Withdraw(address,address,address,uint256)",
	KindLiquidationCall:    "LiquidationCall(address,address,address,uint256,uint256,address,bool)",
	KindReserveDataUpdated: "ReserveDataUpdated(address,uint256,uint256,uint256,uint256,uint256)",
	KindAnswerUpdated:      "AnswerUpdated(int256,uint256,uint256)",
}

// Registry maps topic0 to {name, typed decoder}, built once at startup
// (§4.2). Beyond that mapping its only mutable state is unknownTopics, a
// thread-safe mapset, so it is safe for concurrent use without extra
// locking.
type Registry struct {
	log       log.Logger
	byTopic0  map[common.Hash]Kind
	poolAddr  common.Address
	oracles   map[common.Address]string // feed address -> symbol
	unknownTopics mapset.Set[common.Hash]
}

// NewRegistry builds the topic0 table and records the pool address plus the
// configured oracle feeds (§6.3 oracle_feeds) used for routing.
func NewRegistry(poolAddr common.Address, oracleFeeds map[common.Address]string, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.New("component", "event-router")
	}
	byTopic0 := make(map[common.Hash]Kind, len(signatures))
	for kind, sig := range signatures {
		byTopic0[crypto.Keccak256Hash([]byte(sig))] = kind
	}
	return &Registry{
		log:           logger,
		byTopic0:      byTopic0,
		poolAddr:      poolAddr,
		oracles:       oracleFeeds,
		unknownTopics: mapset.NewSet[common.Hash](),
	}
}

// IsPoolLog reports whether l originated from the protocol pool (§4.2
// routing rule 1). Address comparison is case-insensitive by construction:
// common.Address is a fixed-size byte array, not a string.
func (r *Registry) IsPoolLog(l types.Log) bool {
	return l.Address == r.poolAddr
}

// OracleSymbol returns the configured symbol for l's address, if l
// originated from a registered oracle feed (§4.2 routing rule 2).
func (r *Registry) OracleSymbol(l types.Log) (string, bool) {
	sym, ok := r.oracles[l.Address]
	return sym, ok
}

// Decode classifies and decodes one log (§4.2). An unregistered topic0
// yields KindUnknown and is logged the first time it is seen, not on every
// occurrence; no count of unknown-topic logs is kept.
func (r *Registry) Decode(l types.Log) Decoded {
	if len(l.Topics) == 0 {
		return Decoded{Kind: KindUnknown}
	}
	kind, ok := r.byTopic0[l.Topics[0]]
	if !ok {
		if r.unknownTopics.Add(l.Topics[0]) {
			r.log.Warn("unregistered event topic", "topic0", l.Topics[0])
		}
		return Decoded{Kind: KindUnknown}
	}

	d := Decoded{Kind: kind}
	switch kind {
	case KindBorrow:
		d.Reserve = topicAddr(l, 1)
		d.User = topicAddr(l, 2)
		d.OnBehalfOf = topicAddr(l, 2) // User and OnBehalfOf both come from topic 2; the Data words are not decoded
	case KindRepay:
		d.Reserve = topicAddr(l, 1)
		d.User = topicAddr(l, 2)
		d.Repayer = topicAddr(l, 3)
	case KindSupply:
		d.Reserve = topicAddr(l, 1)
		d.OnBehalfOf = topicAddr(l, 2)
	case KindWithdraw:
		d.Reserve = topicAddr(l, 1)
		d.User = topicAddr(l, 2)
		d.To = topicAddr(l, 3)
	case KindLiquidationCall:
		d.CollateralAsset = topicAddr(l, 1)
		d.DebtAsset = topicAddr(l, 2)
		d.User = topicAddr(l, 3)
	case KindReserveDataUpdated:
		d.Reserve = topicAddr(l, 1)
	case KindAnswerUpdated:
		// non-indexed fields live in Data; decoding them is the caller's
		// job via DecodeAnswerUpdated, since it needs the ABI-typed
		// unpacker rather than raw topics.
	}
	d.AffectedUsers = affectedUsers(d)
	return d
}

// topicAddr extracts the address packed into an indexed topic slot.
func topicAddr(l types.Log, idx int) common.Address {
	if idx >= len(l.Topics) {
		return common.Address{}
	}
	return common.BytesToAddress(l.Topics[idx].Bytes())
}

// affectedUsers implements §3's extraction rule: the union of
// {user, on_behalf_of, to, repayer} when present, deduplicated, empty for
// ReserveDataUpdated and AnswerUpdated.
func affectedUsers(d Decoded) []common.Address {
	switch d.Kind {
	case KindReserveDataUpdated, KindAnswerUpdated, KindUnknown:
		return nil
	}
	set := mapset.NewSet[common.Address]()
	for _, a := range []common.Address{d.User, d.OnBehalfOf, d.To, d.Repayer} {
		if a != (common.Address{}) {
			set.Add(a)
		}
	}
	return set.ToSlice()
}

// DecodeAnswerUpdated fills in the AnswerUpdated fields (§6.1): current and
// roundId are indexed topics, updatedAt is the sole non-indexed word in
// Data.
func DecodeAnswerUpdated(l types.Log) (current, roundID, updatedAt int64, err error) {
	if len(l.Topics) < 3 || len(l.Data) < 32 {
		return 0, 0, 0, errMalformedAnswerUpdated
	}
	current = new(big.Int).SetBytes(l.Topics[1].Bytes()).Int64()
	roundID = new(big.Int).SetBytes(l.Topics[2].Bytes()).Int64()
	updatedAt = new(big.Int).SetBytes(l.Data[:32]).Int64()
	return current, roundID, updatedAt, nil
}

var errMalformedAnswerUpdated = &DecodeError{Reason: "AnswerUpdated: missing indexed topics or data word"}

// DecodeError is the §7 "Decode" error taxonomy entry: malformed payload.
type DecodeError struct{ Reason string }

func (e *DecodeError) Error() string { return e.Reason }
