package types

import "math/big"

// AccountState is the live view of an account as reported by the network.
type AccountState struct {
	Address  string   `json:"address"`
	Balance  *big.Int `json:"balance"`
	Sequence uint64   `json:"sequence"`
	Active   bool     `json:"active"`
}

// IsActive reports whether the account can originate transactions. A wallet that already
// consumed a sequence number is active even if the node omits the flag.
func (a AccountState) IsActive() bool {
	return a.Active || a.Sequence > 0
}

// Receipt describes what the network knows about a previously broadcast transaction.
type Receipt struct {
	Hash     string `json:"hash"`
	Found    bool   `json:"found"`
	Success  bool   `json:"success"`
	Sequence uint64 `json:"sequence"`
}

// ChainID returns the default chain identifier embedded in payout transactions.
func ChainID() *big.Int {
	return big.NewInt(0x0207)
}
