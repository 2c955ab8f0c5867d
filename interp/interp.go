// Package interp is the reference micro-operation interpreter: the "run one
// transaction against a store" collaborator the core specification treats
// as opaque. It exists so the CLI and test suite have a concrete, injectable
// executor.TxRunner; the scheduler and executor packages never import it
// directly.
//
// The warm/cold status of a key resets at the start of every transaction
// (an explicit choice among the open questions the core specification
// leaves unresolved): EIP-2929 pricing normally warms a key for the rest of
// the enclosing block, but tracking that across a wave of speculatively
// executed, possibly-requeued transactions would leak scheduling order into
// gas accounting. A fresh warm set per transaction keeps gas usage a pure
// function of the transaction and its pre-state.
package interp

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/crypto/sha3"

	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/store"
)

// ComputeTag distinguishes the compute-only micro-ops (arithmetic, hashing,
// no-op) that AccessOracle ignores because they never address storage.
type ComputeTag uint8

const (
	Add ComputeTag = iota
	Sub
	Keccak
	NoOp
)

// LoadOp constructs a storage-load micro-op.
func LoadOp(key pevm.Key) pevm.MicroOp {
	return pevm.MicroOp{Kind: pevm.OpLoad, Key: key}
}

// StoreOp constructs a storage-store micro-op.
func StoreOp(key pevm.Key, value pevm.Value) pevm.MicroOp {
	return pevm.MicroOp{Kind: pevm.OpStore, Key: key, Arg: value}
}

// AddOp constructs a compute micro-op that adds value to the stack top.
func AddOp(value pevm.Value) pevm.MicroOp {
	return pevm.MicroOp{Kind: pevm.OpCompute, Arg: value, Data: []byte{byte(Add)}}
}

// SubOp constructs a compute micro-op that subtracts value from the stack top.
func SubOp(value pevm.Value) pevm.MicroOp {
	return pevm.MicroOp{Kind: pevm.OpCompute, Arg: value, Data: []byte{byte(Sub)}}
}

// KeccakOp constructs a compute micro-op that hashes data and pushes the
// result.
func KeccakOp(data []byte) pevm.MicroOp {
	payload := append([]byte{byte(Keccak)}, data...)
	return pevm.MicroOp{Kind: pevm.OpCompute, Data: payload}
}

// NoOpOp constructs a no-op micro-op.
func NoOpOp() pevm.MicroOp {
	return pevm.MicroOp{Kind: pevm.OpCompute, Data: []byte{byte(NoOp)}}
}

// context is per-transaction interpreter state. warmKeys resets every
// transaction; see the package doc comment for why.
type context struct {
	working     store.Store
	warmKeys    mapset.Set[pevm.Key]
	gasUsed     uint64
	gasLimit    uint64
	stack       []pevm.Value
	actualReads mapset.Set[pevm.Key]
	actualWrite mapset.Set[pevm.Key]
	writeBuf    []pevm.WriteOp
	writeSeen   map[pevm.Key]int // key -> index into writeBuf, for last-write-wins ordering
}

func newContext(working store.Store, gasLimit uint64) *context {
	if gasLimit == 0 {
		gasLimit = ^uint64(0)
	}
	return &context{
		working:     working,
		warmKeys:    mapset.NewThreadUnsafeSet[pevm.Key](),
		gasLimit:    gasLimit,
		actualReads: mapset.NewThreadUnsafeSet[pevm.Key](),
		actualWrite: mapset.NewThreadUnsafeSet[pevm.Key](),
		writeSeen:   make(map[pevm.Key]int),
	}
}

func (c *context) consume(amount uint64) error {
	c.gasUsed += amount
	if c.gasUsed > c.gasLimit {
		return fmt.Errorf("interp: out of gas: used %d > limit %d", c.gasUsed, c.gasLimit)
	}
	return nil
}

func (c *context) recordWrite(key pevm.Key, value pevm.Value) {
	if idx, ok := c.writeSeen[key]; ok {
		c.writeBuf[idx].Value = value
		return
	}
	c.writeSeen[key] = len(c.writeBuf)
	c.writeBuf = append(c.writeBuf, pevm.WriteOp{Key: key, Value: value})
}

// Run executes tx's program against working, a private store the caller
// owns exclusively for the duration of the call, and returns an
// ExecutionResult recording actual accesses, the write buffer, and gas
// used. Run never mutates any store other than working.
func Run(tx *pevm.Transaction, working store.Store) pevm.ExecutionResult {
	ctx := newContext(working, tx.GasLimit)

	for _, k := range tx.AccessList {
		ctx.warmKeys.Add(k.Key)
	}

	for i, op := range tx.Program {
		if err := ctx.execOp(op); err != nil {
			return pevm.ExecutionResult{
				Id:      tx.Id,
				Success: false,
				Err:     fmt.Errorf("tx %d op %d: %w", tx.Id, i, err),
			}
		}
	}

	return pevm.ExecutionResult{
		Id:           tx.Id,
		GasUsed:      ctx.gasUsed,
		ActualReads:  ctx.actualReads,
		ActualWrites: ctx.actualWrite,
		WriteBuffer:  ctx.writeBuf,
		Success:      true,
	}
}

func (c *context) execOp(op pevm.MicroOp) error {
	switch op.Kind {
	case pevm.OpLoad:
		return c.execLoad(op.Key)
	case pevm.OpStore:
		return c.execStore(op.Key, op.Arg)
	default:
		return c.execCompute(op)
	}
}

func (c *context) execLoad(key pevm.Key) error {
	cold := !c.warmKeys.Contains(key)
	if err := c.consume(sloadGas(cold)); err != nil {
		return err
	}
	c.warmKeys.Add(key)
	c.actualReads.Add(key)
	c.stack = append(c.stack, c.working.Get(key))
	return nil
}

func (c *context) execStore(key pevm.Key, value pevm.Value) error {
	cold := !c.warmKeys.Contains(key)
	if err := c.consume(sstoreGas(cold)); err != nil {
		return err
	}
	c.warmKeys.Add(key)
	c.actualWrite.Add(key)
	c.working.Set(key, value)
	c.recordWrite(key, value)
	return nil
}

func (c *context) execCompute(op pevm.MicroOp) error {
	if len(op.Data) == 0 {
		return c.consume(NoOpCost)
	}
	switch ComputeTag(op.Data[0]) {
	case Add:
		if err := c.consume(AddCost); err != nil {
			return err
		}
		return c.binaryOp(op.Arg, func(a, b *pevm.Value) pevm.Value {
			var out pevm.Value
			out.Add(a, b)
			return out
		})
	case Sub:
		if err := c.consume(SubCost); err != nil {
			return err
		}
		return c.binaryOp(op.Arg, func(a, b *pevm.Value) pevm.Value {
			var out pevm.Value
			out.Sub(a, b)
			return out
		})
	case Keccak:
		data := op.Data[1:]
		if err := c.consume(keccakGas(len(data))); err != nil {
			return err
		}
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		var digest [32]byte
		h.Sum(digest[:0])
		var v pevm.Value
		v.SetBytes(digest[:])
		c.stack = append(c.stack, v)
		return nil
	default:
		return c.consume(NoOpCost)
	}
}

func (c *context) binaryOp(rhs pevm.Value, apply func(a, b *pevm.Value) pevm.Value) error {
	if len(c.stack) == 0 {
		return fmt.Errorf("interp: stack underflow")
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.stack = append(c.stack, apply(&top, &rhs))
	return nil
}
