package interp

// Gas costs loosely modeled on EIP-2929's warm/cold storage access pricing.
// Gas refund semantics on SSTORE overwrites are left unspecified by the core
// (see design notes); this reference interpreter only sums gas used and
// issues no refunds.
const (
	ColdSloadCost  uint64 = 2100
	WarmSloadCost  uint64 = 100
	ColdSstoreCost uint64 = 20000
	WarmSstoreCost uint64 = 2900

	AddCost    uint64 = 3
	SubCost    uint64 = 3
	KeccakBase uint64 = 30
	KeccakWord uint64 = 6
	NoOpCost   uint64 = 1
)

func sloadGas(cold bool) uint64 {
	if cold {
		return ColdSloadCost
	}
	return WarmSloadCost
}

func sstoreGas(cold bool) uint64 {
	if cold {
		return ColdSstoreCost
	}
	return WarmSstoreCost
}

func keccakGas(dataLen int) uint64 {
	words := (dataLen + 31) / 32
	return KeccakBase + KeccakWord*uint64(words)
}
