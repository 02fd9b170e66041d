package crypto

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// Scrypt cost presets for EncryptKey.
const (
	StandardScryptN = keystore.StandardScryptN
	StandardScryptP = keystore.StandardScryptP
	LightScryptN    = keystore.LightScryptN
	LightScryptP    = keystore.LightScryptP
)

// EncryptKey seals key into an Ethereum v3 keystore JSON document. Every call
// draws a fresh salt and IV.
func EncryptKey(key *PrivateKey, passphrase string, scryptN, scryptP int) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
}

// DecryptKey opens a v3 keystore JSON document using the supplied passphrase.
func DecryptKey(keyJSON []byte, passphrase string) (*PrivateKey, error) {
	if len(keyJSON) == 0 {
		return nil, errors.New("crypto: empty keystore document")
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeystoreSigner holds an encrypted key and only decrypts it for the duration
// of a single SignTx call.
type KeystoreSigner struct {
	address    common.Address
	passphrase string

	mu      sync.Mutex
	keyJSON []byte
}

// NewKeystoreSigner returns a signer for address backed by keyJSON.
func NewKeystoreSigner(address common.Address, keyJSON []byte, passphrase string) *KeystoreSigner {
	buf := make([]byte, len(keyJSON))
	copy(buf, keyJSON)
	return &KeystoreSigner{address: address, keyJSON: buf, passphrase: passphrase}
}

func (s *KeystoreSigner) Address() common.Address { return s.address }

func (s *KeystoreSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyJSON == nil {
		return nil, ErrSignerClosed
	}
	key, err := DecryptKey(s.keyJSON, s.passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	if key.Address() != s.address {
		return nil, errors.New("crypto: keystore address mismatch")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key.PrivateKey)
}

func (s *KeystoreSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keyJSON {
		s.keyJSON[i] = 0
	}
	s.keyJSON = nil
	s.passphrase = ""
}
