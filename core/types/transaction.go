package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransferBatch TxType = 0x01 // One transfer message per recipient
	TxTypeActivate      TxType = 0x02 // Self-activation of a fresh wallet, carries no messages
)

// MaxMessagesPerTx is the protocol ceiling on messages carried by a single transaction.
const MaxMessagesPerTx = 255

// SendMode controls how the network charges fees for an outgoing message.
type SendMode uint8

const (
	// SendModePayFeesSeparately charges fees to the sender on top of the message value, so the
	// recipient receives exactly Value.
	SendModePayFeesSeparately SendMode = 1
	// SendModeIgnoreErrors lets the remaining messages proceed if one of them bounces.
	SendModeIgnoreErrors SendMode = 2
)

// TransferMessage moves Value smallest units to the To account.
type TransferMessage struct {
	To    []byte   `json:"to"`
	Value *big.Int `json:"value"`
	Memo  string   `json:"memo,omitempty"`
	Mode  SendMode `json:"mode"`
}

// Transaction is an outgoing wallet transaction guarded by the sender's sequence number.
type Transaction struct {
	ChainID  *big.Int          `json:"chainId"`
	Type     TxType            `json:"type"`
	Sequence uint64            `json:"sequence"`
	Messages []TransferMessage `json:"messages,omitempty"`

	// Signature
	R *big.Int `json:"r,omitempty"`
	S *big.Int `json:"s,omitempty"`
	V *big.Int `json:"v,omitempty"`

	from []byte
}

// Hash covers every field except the signature.
func (tx *Transaction) Hash() ([]byte, error) {
	txData := struct {
		ChainID  *big.Int
		Type     TxType
		Sequence uint64
		Messages []TransferMessage
	}{tx.ChainID, tx.Type, tx.Sequence, tx.Messages}

	b, err := json.Marshal(txData)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// HashHex returns the hex encoded transaction hash used as a settlement reference.
func (tx *Transaction) HashHex() (string, error) {
	hash, err := tx.Hash()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(hash), nil
}

// Validate checks structural limits before signing.
func (tx *Transaction) Validate() error {
	switch tx.Type {
	case TxTypeActivate:
		if len(tx.Messages) != 0 {
			return errors.New("activation transaction must not carry messages")
		}
	case TxTypeTransferBatch:
		if len(tx.Messages) == 0 {
			return errors.New("transfer batch requires at least one message")
		}
		if len(tx.Messages) > MaxMessagesPerTx {
			return fmt.Errorf("transfer batch carries %d messages, limit is %d", len(tx.Messages), MaxMessagesPerTx)
		}
		for i, msg := range tx.Messages {
			if len(msg.To) != 20 {
				return fmt.Errorf("message %d: destination must be 20 bytes", i)
			}
			if msg.Value == nil || msg.Value.Sign() <= 0 {
				return fmt.Errorf("message %d: value must be positive", i)
			}
		}
	default:
		return fmt.Errorf("unknown transaction type %d", tx.Type)
	}
	return nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, errors.New("transaction is not signed")
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}
