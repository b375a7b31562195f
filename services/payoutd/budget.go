package payoutd

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Budget is the outcome of splitting a custodial balance across recipients.
type Budget struct {
	PerRecipient *big.Int
	GasBudget    *big.Int
	Pool         *big.Int
	OK           bool
}

// ComputeBudget reserves network fees and the safety floor from balance and splits the rest
// evenly across recipientCount recipients. The division remainder stays in the account.
// Any negative input, overflow or empty pool yields a budget that is not OK.
func ComputeBudget(balance *big.Int, recipientCount, chunkCount int, perTxFee, perMessageFee, safetyFloor *big.Int) Budget {
	notOK := Budget{PerRecipient: new(big.Int), GasBudget: new(big.Int), Pool: new(big.Int)}
	if recipientCount <= 0 || chunkCount < 0 {
		return notOK
	}
	bal, ok := toUint256(balance)
	if !ok {
		return notOK
	}
	txFee, ok := toUint256(perTxFee)
	if !ok {
		return notOK
	}
	msgFee, ok := toUint256(perMessageFee)
	if !ok {
		return notOK
	}
	floor, ok := toUint256(safetyFloor)
	if !ok {
		return notOK
	}

	txCost, overflow := new(uint256.Int).MulOverflow(txFee, uint256.NewInt(uint64(chunkCount)))
	if overflow {
		return notOK
	}
	msgCost, overflow := new(uint256.Int).MulOverflow(msgFee, uint256.NewInt(uint64(recipientCount)))
	if overflow {
		return notOK
	}
	gas, overflow := new(uint256.Int).AddOverflow(txCost, msgCost)
	if overflow {
		return notOK
	}
	notOK.GasBudget = gas.ToBig()

	reserved, overflow := new(uint256.Int).AddOverflow(gas, floor)
	if overflow {
		return notOK
	}
	pool, underflow := new(uint256.Int).SubOverflow(bal, reserved)
	if underflow || pool.IsZero() {
		return notOK
	}
	notOK.Pool = pool.ToBig()

	per := new(uint256.Int).Div(pool, uint256.NewInt(uint64(recipientCount)))
	if per.IsZero() {
		return notOK
	}
	return Budget{
		PerRecipient: per.ToBig(),
		GasBudget:    gas.ToBig(),
		Pool:         pool.ToBig(),
		OK:           true,
	}
}

// ChunkCount returns how many transactions n recipients need at maxBatch messages each.
func ChunkCount(n, maxBatch int) int {
	if n <= 0 || maxBatch <= 0 {
		return 0
	}
	return (n + maxBatch - 1) / maxBatch
}

// Total returns PerRecipient times n.
func (b Budget) Total(n int) *big.Int {
	if b.PerRecipient == nil || n <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(b.PerRecipient, big.NewInt(int64(n)))
}

func toUint256(v *big.Int) (*uint256.Int, bool) {
	if v == nil {
		return new(uint256.Int), true
	}
	if v.Sign() < 0 {
		return nil, false
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, false
	}
	return out, true
}
