package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignerClosed is returned when a signer is used after Close.
var ErrSignerClosed = errors.New("crypto: signer closed")

// Signer authorises transactions on behalf of a single address. Signers are
// short lived: obtain one immediately before signing and Close it right after.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Close()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte big-endian representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the ledger address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Zero overwrites the secret scalar in place.
func (k *PrivateKey) Zero() {
	if k == nil || k.PrivateKey == nil || k.D == nil {
		return
	}
	words := k.D.Bits()
	for i := range words {
		words[i] = 0
	}
	k.D.SetUint64(0)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key *PrivateKey
}

// NewKeySigner wraps key as a Signer. Close zeroes the key.
func NewKeySigner(key *PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

func (s *KeySigner) Address() common.Address {
	if s.key == nil {
		return common.Address{}
	}
	return s.key.Address()
}

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil {
		return nil, ErrSignerClosed
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key.PrivateKey)
}

func (s *KeySigner) Close() {
	s.key.Zero()
	s.key = nil
}
