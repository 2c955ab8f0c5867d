// Package pevm defines the shared data model for the parallel transaction
// scheduler and executor: storage keys and values, transactions and blocks,
// estimated access sets, and execution results. Every other package in this
// module (oracle, conflict, schedule, executor, store) operates on the types
// defined here.
package pevm

import (
	"bytes"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Key is an opaque 256-bit storage-slot identifier. It is totally ordered,
// hashable (a plain array, usable as a map key), and cheap to copy.
type Key = common.Hash

// Value is an opaque 256-bit word. The all-zero value is the distinguished
// "unset" value returned for keys missing from a Store.
type Value = uint256.Int

// ZeroValue is the distinguished "unset" word.
var ZeroValue = Value{}

// CompareKeys imposes the total order required by Key: byte-lexicographic
// on the underlying 32 bytes.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a[:], b[:])
}

// TxId is the monotonically increasing, non-negative identifier assigned to
// a transaction by the generator. TxId order is the canonical serial order:
// executing a Block by ascending TxId must be equivalent to any correct
// parallel schedule.
type TxId uint64

// OpKind classifies a MicroOp for the purposes of static access scanning.
// The core treats every other aspect of a MicroOp's semantics as opaque;
// interpretation is delegated to an injected TxRunner (see package executor).
type OpKind uint8

const (
	// OpCompute is any micro-op that does not address storage: arithmetic,
	// hashing, no-ops. It contributes nothing to an AccessOracle's estimate.
	OpCompute OpKind = iota
	// OpLoad is a storage-load micro-op. It carries a Key and contributes
	// to the estimated read set.
	OpLoad
	// OpStore is a storage-store micro-op. It carries a Key (and, for the
	// interpreter's benefit, a Value) and contributes to the estimated
	// write set.
	OpStore
)

func (k OpKind) String() string {
	switch k {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	default:
		return "compute"
	}
}

// MicroOp is one instruction of a transaction's program. The core inspects
// only Kind and Key; Arg is opaque payload consumed by the injected executor
// (e.g. the value to store, or bytes to hash).
type MicroOp struct {
	Kind OpKind
	Key  Key
	Arg  Value
	Data []byte // auxiliary payload for ops the interpreter defines (e.g. hashing)
}

// AccessListEntry is an EIP-2930-style pre-declared access, tagged with
// whether it is a hint about a write. The tag is advisory, not authoritative:
// AccessOracle folds every access-list key into the read set and, when
// IsWrite is set, into the write set as well.
type AccessListEntry struct {
	Key     Key
	IsWrite bool
}

// Transaction is an immutable record of one unit of work against the shared
// store. Once placed in a Block, a Transaction is never mutated.
type Transaction struct {
	Id             TxId
	Program        []MicroOp
	DeclaredReads  []Key
	DeclaredWrites []Key
	AccessList     []AccessListEntry
	GasLimit       uint64
}

// Block is an ordered sequence of Transactions with strictly increasing Id.
// Sequence order is also the serial-equivalence order.
type Block struct {
	Number       uint64
	Transactions []Transaction
}

// Validate checks the Block invariant that transaction ids strictly
// increase, which the scheduler and executor both rely on.
func (b *Block) Validate() error {
	for i := 1; i < len(b.Transactions); i++ {
		if b.Transactions[i].Id <= b.Transactions[i-1].Id {
			return fmt.Errorf("pevm: block %d transaction ids not strictly increasing at index %d (%d <= %d)",
				b.Number, i, b.Transactions[i].Id, b.Transactions[i-1].Id)
		}
	}
	return nil
}

// TxIds returns the block's transaction ids in block order.
func (b *Block) TxIds() []TxId {
	ids := make([]TxId, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.Id
	}
	return ids
}

// AccessSets is a pair of read and write key sets. Reads and writes may
// overlap; both sets are finite. When produced by an AccessOracle the sets
// are expected (not guaranteed) to be supersets of the eventual actual sets.
type AccessSets struct {
	Reads  mapset.Set[Key]
	Writes mapset.Set[Key]
}

// NewAccessSets returns an AccessSets with empty, ready-to-use sets.
func NewAccessSets() AccessSets {
	return AccessSets{
		Reads:  mapset.NewThreadUnsafeSet[Key](),
		Writes: mapset.NewThreadUnsafeSet[Key](),
	}
}

// AddRead records a read of key.
func (a AccessSets) AddRead(key Key) { a.Reads.Add(key) }

// AddWrite records a write of key.
func (a AccessSets) AddWrite(key Key) { a.Writes.Add(key) }

// ConflictsWith reports whether a and b conflict under the WW/WR/RW rule:
// true iff a's writes intersect b's writes or reads, or a's reads intersect
// b's writes. Read-read pairs never conflict.
func (a AccessSets) ConflictsWith(b AccessSets) bool {
	if a.Writes.Intersect(b.Writes).Cardinality() > 0 {
		return true
	}
	if a.Writes.Intersect(b.Reads).Cardinality() > 0 {
		return true
	}
	if a.Reads.Intersect(b.Writes).Cardinality() > 0 {
		return true
	}
	return false
}

// ExecutionResult is the outcome of running one transaction against a
// (possibly private, possibly committed) store.
type ExecutionResult struct {
	Id           TxId
	GasUsed      uint64
	ActualReads  mapset.Set[Key]
	ActualWrites mapset.Set[Key]
	// WriteBuffer is the ordered log of (key, new-value) pairs the
	// transaction produced against its working store. Ordered by first
	// write so that repeated writes to the same key still apply
	// deterministically (last write wins on replay).
	WriteBuffer []WriteOp
	Success     bool
	Err         error
}

// WriteOp is a single (key, value) pair recorded in a WriteBuffer.
type WriteOp struct {
	Key   Key
	Value Value
}
