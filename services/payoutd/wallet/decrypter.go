package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/PomeGroup/ontonbot-sub004/crypto"
	"github.com/PomeGroup/ontonbot-sub004/observability/logging"
)

// KeystoreDecrypter opens custodial secrets stored as Ethereum v3 keystore JSON sealed with a
// single service passphrase.
type KeystoreDecrypter struct {
	passphrase string
}

// NewKeystoreDecrypter returns a decrypter using the supplied passphrase.
func NewKeystoreDecrypter(passphrase string) (*KeystoreDecrypter, error) {
	if passphrase == "" {
		return nil, errors.New("wallet: keystore passphrase required")
	}
	return &KeystoreDecrypter{passphrase: passphrase}, nil
}

// Decrypt opens the sealed key material for ownerID.
func (d *KeystoreDecrypter) Decrypt(ctx context.Context, ownerID string, sealed []byte) (*crypto.PrivateKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(sealed) == 0 {
		return nil, fmt.Errorf("wallet: owner %s has no sealed key", ownerID)
	}
	key, err := crypto.DecryptKey(sealed, d.passphrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt key for owner %s: %w", ownerID, err)
	}
	return key, nil
}

// String keeps the passphrase out of formatted output.
func (d *KeystoreDecrypter) String() string {
	return "KeystoreDecrypter{passphrase:" + logging.MaskValue(d.passphrase) + "}"
}

// FuncDecrypter adapts a callback to the decrypter contract.
type FuncDecrypter func(ctx context.Context, ownerID string, sealed []byte) (*crypto.PrivateKey, error)

// Decrypt delegates to the callback.
func (f FuncDecrypter) Decrypt(ctx context.Context, ownerID string, sealed []byte) (*crypto.PrivateKey, error) {
	if f == nil {
		return nil, errors.New("wallet: decrypter not configured")
	}
	return f(ctx, ownerID, sealed)
}
