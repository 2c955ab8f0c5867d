// Package blockio encodes and decodes the block file format used by the
// generate and execute CLI verbs: transactions and their micro-op programs
// as JSON, with 256-bit keys and values hex-encoded per go-ethereum's
// hexutil conventions.
package blockio

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/parallax-labs/pevm"
)

type wireMicroOp struct {
	Kind string         `json:"kind"`
	Key  *hexutil.Bytes `json:"key,omitempty"`
	Arg  *hexutil.Big   `json:"arg,omitempty"`
	Data hexutil.Bytes  `json:"data,omitempty"`
}

type wireAccessListEntry struct {
	Key     hexutil.Bytes `json:"key"`
	IsWrite bool          `json:"is_write"`
}

type wireTransaction struct {
	Id             uint64                `json:"id"`
	Program        []wireMicroOp         `json:"program"`
	DeclaredReads  []hexutil.Bytes       `json:"declared_reads,omitempty"`
	DeclaredWrites []hexutil.Bytes       `json:"declared_writes,omitempty"`
	AccessList     []wireAccessListEntry `json:"access_list,omitempty"`
	GasLimit       uint64                `json:"gas_limit,omitempty"`
}

type wireBlock struct {
	Number       uint64            `json:"number,omitempty"`
	Transactions []wireTransaction `json:"transactions"`
}

func kindToWire(k pevm.OpKind) string {
	switch k {
	case pevm.OpLoad:
		return "load"
	case pevm.OpStore:
		return "store"
	default:
		return "compute"
	}
}

func wireToKind(s string) (pevm.OpKind, error) {
	switch s {
	case "load":
		return pevm.OpLoad, nil
	case "store":
		return pevm.OpStore, nil
	case "compute":
		return pevm.OpCompute, nil
	default:
		return 0, fmt.Errorf("blockio: unknown op kind %q", s)
	}
}

// Encode writes block to w as JSON in the block file format.
func Encode(w io.Writer, block *pevm.Block) error {
	wb := wireBlock{
		Number:       block.Number,
		Transactions: make([]wireTransaction, len(block.Transactions)),
	}
	for i, tx := range block.Transactions {
		wb.Transactions[i] = toWireTx(tx)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(wb)
}

// WriteFile encodes block as JSON and writes it to path.
func WriteFile(path string, block *pevm.Block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("blockio: create %s: %w", path, err)
	}
	defer f.Close()
	if err := Encode(f, block); err != nil {
		return fmt.Errorf("blockio: encode %s: %w", path, err)
	}
	return nil
}

// Decode reads a block from r in the block file format.
func Decode(r io.Reader) (*pevm.Block, error) {
	var wb wireBlock
	if err := json.NewDecoder(r).Decode(&wb); err != nil {
		return nil, fmt.Errorf("blockio: decode: %w", err)
	}
	block := &pevm.Block{
		Number:       wb.Number,
		Transactions: make([]pevm.Transaction, len(wb.Transactions)),
	}
	for i, wt := range wb.Transactions {
		tx, err := fromWireTx(wt)
		if err != nil {
			return nil, fmt.Errorf("blockio: tx %d: %w", wt.Id, err)
		}
		block.Transactions[i] = tx
	}
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("blockio: %w", err)
	}
	return block, nil
}

// ReadFile decodes a block from the JSON file at path.
func ReadFile(path string) (*pevm.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockio: open %s: %w", path, err)
	}
	defer f.Close()
	block, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("blockio: %s: %w", path, err)
	}
	return block, nil
}

func toWireTx(tx pevm.Transaction) wireTransaction {
	wt := wireTransaction{
		Id:       uint64(tx.Id),
		Program:  make([]wireMicroOp, len(tx.Program)),
		GasLimit: tx.GasLimit,
	}
	for i, op := range tx.Program {
		wt.Program[i] = toWireOp(op)
	}
	for _, k := range tx.DeclaredReads {
		wt.DeclaredReads = append(wt.DeclaredReads, hexutil.Bytes(k[:]))
	}
	for _, k := range tx.DeclaredWrites {
		wt.DeclaredWrites = append(wt.DeclaredWrites, hexutil.Bytes(k[:]))
	}
	for _, e := range tx.AccessList {
		wt.AccessList = append(wt.AccessList, wireAccessListEntry{
			Key:     hexutil.Bytes(e.Key[:]),
			IsWrite: e.IsWrite,
		})
	}
	return wt
}

func toWireOp(op pevm.MicroOp) wireMicroOp {
	w := wireMicroOp{Kind: kindToWire(op.Kind)}
	switch op.Kind {
	case pevm.OpLoad:
		key := hexutil.Bytes(op.Key[:])
		w.Key = &key
	case pevm.OpStore:
		key := hexutil.Bytes(op.Key[:])
		w.Key = &key
		big := hexutil.Big(*op.Arg.ToBig())
		w.Arg = &big
	default:
		if len(op.Data) > 0 {
			w.Data = hexutil.Bytes(op.Data)
		}
		if (op.Arg != pevm.Value{}) {
			big := hexutil.Big(*op.Arg.ToBig())
			w.Arg = &big
		}
	}
	return w
}

func fromWireTx(wt wireTransaction) (pevm.Transaction, error) {
	tx := pevm.Transaction{
		Id:       pevm.TxId(wt.Id),
		Program:  make([]pevm.MicroOp, len(wt.Program)),
		GasLimit: wt.GasLimit,
	}
	for i, w := range wt.Program {
		op, err := fromWireOp(w)
		if err != nil {
			return tx, fmt.Errorf("op %d: %w", i, err)
		}
		tx.Program[i] = op
	}
	for _, kb := range wt.DeclaredReads {
		tx.DeclaredReads = append(tx.DeclaredReads, keyFromBytes(kb))
	}
	for _, kb := range wt.DeclaredWrites {
		tx.DeclaredWrites = append(tx.DeclaredWrites, keyFromBytes(kb))
	}
	for _, e := range wt.AccessList {
		tx.AccessList = append(tx.AccessList, pevm.AccessListEntry{
			Key:     keyFromBytes(e.Key),
			IsWrite: e.IsWrite,
		})
	}
	return tx, nil
}

func fromWireOp(w wireMicroOp) (pevm.MicroOp, error) {
	kind, err := wireToKind(w.Kind)
	if err != nil {
		return pevm.MicroOp{}, err
	}
	op := pevm.MicroOp{Kind: kind}
	if w.Key != nil {
		op.Key = keyFromBytes(*w.Key)
	}
	if w.Arg != nil {
		v, overflow := uint256.FromBig((*big.Int)(w.Arg))
		if overflow {
			return pevm.MicroOp{}, fmt.Errorf("blockio: arg overflows 256 bits")
		}
		op.Arg = *v
	}
	if len(w.Data) > 0 {
		op.Data = []byte(w.Data)
	}
	return op, nil
}

func keyFromBytes(b hexutil.Bytes) pevm.Key {
	var k pevm.Key
	if len(b) > len(k) {
		b = b[len(b)-len(k):]
	}
	copy(k[len(k)-len(b):], b)
	return k
}
