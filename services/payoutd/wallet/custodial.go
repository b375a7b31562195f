package wallet

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
)

// ErrAddressMismatch reports that the decrypted key does not control the stored address.
var ErrAddressMismatch = errors.New("wallet: signing key does not control custodial address")

// ErrClosed is returned when signing with a wallet whose key has been wiped.
var ErrClosed = errors.New("wallet: key material wiped")

// Custodial binds a stored custodial address to the signing key decrypted for it. The key
// lives only as long as the wallet; Close wipes it.
type Custodial struct {
	stored crypto.Address

	mu  sync.Mutex
	key *crypto.PrivateKey
}

// NewCustodial validates the stored address and takes ownership of key.
func NewCustodial(storedAddress string, key *crypto.PrivateKey) (*Custodial, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("wallet: signing key required")
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(storedAddress))
	if err != nil {
		return nil, fmt.Errorf("wallet: stored address: %w", err)
	}
	return &Custodial{stored: addr, key: key}, nil
}

// Address returns the stored custodial address.
func (c *Custodial) Address() string {
	return c.stored.String()
}

// DerivedAddress returns the address controlled by the decrypted key.
func (c *Custodial) DerivedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return ""
	}
	return c.key.Address().String()
}

// Matches reports whether the decrypted key controls the stored address.
func (c *Custodial) Matches() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return false
	}
	return c.key.Address().Equal(c.stored)
}

// Sign signs tx with the custodial key after checking it controls the stored address.
func (c *Custodial) Sign(tx *types.Transaction) error {
	if tx == nil {
		return errors.New("wallet: transaction required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return ErrClosed
	}
	if !c.key.Address().Equal(c.stored) {
		return ErrAddressMismatch
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	return tx.Sign(c.key.PrivateKey)
}

// Close zeroes the key material. It is safe to call more than once.
func (c *Custodial) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		c.key.Zero()
		c.key = nil
	}
}
