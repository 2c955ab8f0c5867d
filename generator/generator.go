// Package generator synthesizes benchmark blocks with a controllable
// degree of cross-transaction conflict, mirroring the CLI's `generate`
// verb. Programs are built from package interp's micro-op constructors,
// whose load and store ops the AccessOracle's static scanner recognizes.
package generator

import (
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/interp"
	"github.com/parallax-labs/pevm/log"
)

var logger = log.Module("generator")

// Params configures Generate. ConflictRatio controls how often a
// transaction's reads/writes are drawn from a shared key pool instead of a
// fresh unique key; ColdRatio controls how often a key is drawn from a
// per-transaction-fresh pool even when a hot pool key would otherwise be
// picked, biasing gas accounting toward cold accesses.
type Params struct {
	NTx          int
	KeySpace     int
	ConflictRatio float64
	ColdRatio     float64
	Seed          int64
}

// Generate synthesizes a Block of p.NTx transactions. The same Params
// (including Seed) always produce byte-identical output.
func Generate(p Params) *pevm.Block {
	rng := rand.New(rand.NewSource(p.Seed))

	keyPool := make([]pevm.Key, p.KeySpace)
	for i := range keyPool {
		keyPool[i] = poolKey(i)
	}

	logger.Info("generating block",
		"n_tx", p.NTx, "key_space", p.KeySpace,
		"conflict_ratio", p.ConflictRatio, "cold_ratio", p.ColdRatio, "seed", p.Seed)

	txs := make([]pevm.Transaction, p.NTx)
	for id := 0; id < p.NTx; id++ {
		readCount := 1 + rng.Intn(5)
		writeCount := 1 + rng.Intn(3)

		reads := make([]pevm.Key, readCount)
		for i := range reads {
			reads[i] = p.pickKey(rng, keyPool)
		}
		writes := make([]pevm.Key, writeCount)
		for i := range writes {
			writes[i] = p.pickKey(rng, keyPool)
		}

		txs[id] = pevm.Transaction{
			Id:             pevm.TxId(id),
			Program:        generateProgram(rng, reads, writes),
			DeclaredReads:  reads,
			DeclaredWrites: writes,
			GasLimit:       100_000,
		}
	}

	block := &pevm.Block{Number: 1, Transactions: txs}
	logger.Info("generated block", "transactions", len(block.Transactions))
	return block
}

// pickKey draws a key from the pool with probability ConflictRatio,
// otherwise a fresh unique key; ColdRatio then overrides that choice with a
// forced-fresh key even on a pool hit, to independently control how many
// accesses land cold regardless of the conflict structure.
func (p Params) pickKey(rng *rand.Rand, pool []pevm.Key) pevm.Key {
	if len(pool) > 0 && rng.Float64() < p.ConflictRatio && rng.Float64() >= p.ColdRatio {
		return pool[rng.Intn(len(pool))]
	}
	return randomKey(rng)
}

func generateProgram(rng *rand.Rand, reads, writes []pevm.Key) []pevm.MicroOp {
	var program []pevm.MicroOp
	for _, k := range reads {
		program = append(program, interp.LoadOp(k))
	}
	if len(reads) > 0 {
		program = append(program, interp.AddOp(randomValue(rng, 1, 100)))
	}
	for _, k := range writes {
		program = append(program, interp.StoreOp(k, randomValue(rng, 1, 1000)))
	}
	if rng.Float64() < 0.2 {
		data := make([]byte, 32)
		rng.Read(data)
		program = append(program, interp.KeccakOp(data))
	}
	for i, n := 0, rng.Intn(3); i < n; i++ {
		program = append(program, interp.NoOpOp())
	}
	return program
}

func randomValue(rng *rand.Rand, lo, hi uint64) pevm.Value {
	return *uint256.NewInt(lo + uint64(rng.Int63n(int64(hi-lo))))
}

func randomKey(rng *rand.Rand) pevm.Key {
	var h common.Hash
	rng.Read(h[:])
	return h
}

func poolKey(i int) pevm.Key {
	var h common.Hash
	h[30] = byte(i >> 8)
	h[31] = byte(i)
	return h
}
