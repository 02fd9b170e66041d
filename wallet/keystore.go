// Package wallet stores one encrypted signing key per user.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tyler-smith/go-bip39"
	bolt "go.etcd.io/bbolt"

	"rootbot/crypto"
)

var (
	bucketWallets = []byte("wallets")

	// ErrNoWallet is returned when the user has no wallet.
	ErrNoWallet = errors.New("wallet: no wallet for user")
	// ErrWalletExists is returned when creating or importing over an existing wallet.
	ErrWalletExists = errors.New("wallet: wallet already exists")
	// ErrInvalidMnemonic is returned for recovery phrases that do not decode to a key.
	ErrInvalidMnemonic = errors.New("wallet: invalid recovery phrase")
)

// Provider hands out short-lived signers.
type Provider interface {
	Signer(ctx context.Context, userID string) (crypto.Signer, error)
}

// Created is returned once when a wallet is generated. The mnemonic is not stored.
type Created struct {
	Address  common.Address
	Mnemonic string
}

type record struct {
	Address   string          `json:"address"`
	Key       json.RawMessage `json:"key"`
	CreatedAt time.Time       `json:"createdAt"`
	Imported  bool            `json:"imported,omitempty"`
}

// Keystore persists v3-encrypted keys in a Bolt database keyed by user id.
type Keystore struct {
	db         *bolt.DB
	passphrase string
	scryptN    int
	scryptP    int
	clock      func() time.Time
	boltOpts   *bolt.Options
}

// Option customises the keystore.
type Option func(*Keystore)

// WithScrypt overrides the key derivation cost.
func WithScrypt(n, p int) Option {
	return func(k *Keystore) {
		if n > 0 && p > 0 {
			k.scryptN, k.scryptP = n, p
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(k *Keystore) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithBoltOptions overrides the Bolt open options.
func WithBoltOptions(opts *bolt.Options) Option {
	return func(k *Keystore) { k.boltOpts = opts }
}

// Open initialises the Bolt-backed keystore at path.
func Open(path, passphrase string, opts ...Option) (*Keystore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("wallet: path required")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("wallet: passphrase required")
	}
	k := &Keystore{
		passphrase: passphrase,
		scryptN:    crypto.StandardScryptN,
		scryptP:    crypto.StandardScryptP,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	options := k.boltOpts
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWallets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	k.db = db
	return k, nil
}

// Close releases the underlying Bolt database handle.
func (k *Keystore) Close() error {
	if k == nil || k.db == nil {
		return nil
	}
	return k.db.Close()
}

// Create generates a key for userID and returns its recovery phrase.
func (k *Keystore) Create(ctx context.Context, userID string) (Created, error) {
	if err := ctx.Err(); err != nil {
		return Created{}, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return Created{}, fmt.Errorf("wallet: generate key: %w", err)
	}
	defer key.Zero()
	raw := key.Bytes()
	defer zero(raw)
	mnemonic, err := bip39.NewMnemonic(raw)
	if err != nil {
		return Created{}, fmt.Errorf("wallet: encode recovery phrase: %w", err)
	}
	if err := k.put(userID, key, false); err != nil {
		return Created{}, err
	}
	return Created{Address: key.Address(), Mnemonic: mnemonic}, nil
}

// Import restores a wallet from a 24-word recovery phrase.
func (k *Keystore) Import(ctx context.Context, userID, mnemonic string) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	phrase := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil || len(entropy) != 32 {
		return common.Address{}, ErrInvalidMnemonic
	}
	defer zero(entropy)
	key, err := crypto.PrivateKeyFromBytes(entropy)
	if err != nil {
		return common.Address{}, ErrInvalidMnemonic
	}
	defer key.Zero()
	if err := k.put(userID, key, true); err != nil {
		return common.Address{}, err
	}
	return key.Address(), nil
}

// Address returns the address of the user's wallet.
func (k *Keystore) Address(ctx context.Context, userID string) (common.Address, error) {
	rec, err := k.get(ctx, userID)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(rec.Address), nil
}

// Signer returns a handle that decrypts the user's key only while signing.
// Callers must Close it as soon as the transaction is signed.
func (k *Keystore) Signer(ctx context.Context, userID string) (crypto.Signer, error) {
	rec, err := k.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return crypto.NewKeystoreSigner(common.HexToAddress(rec.Address), rec.Key, k.passphrase), nil
}

func (k *Keystore) put(userID string, key *crypto.PrivateKey, imported bool) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("wallet: user id required")
	}
	sealed, err := crypto.EncryptKey(key, k.passphrase, k.scryptN, k.scryptP)
	if err != nil {
		return fmt.Errorf("wallet: encrypt key: %w", err)
	}
	encoded, err := json.Marshal(record{
		Address:   key.Address().Hex(),
		Key:       sealed,
		CreatedAt: k.clock().UTC(),
		Imported:  imported,
	})
	if err != nil {
		return err
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWallets)
		if bucket.Get([]byte(userID)) != nil {
			return ErrWalletExists
		}
		return bucket.Put([]byte(userID), encoded)
	})
}

func (k *Keystore) get(ctx context.Context, userID string) (record, error) {
	if err := ctx.Err(); err != nil {
		return record{}, err
	}
	var rec record
	found := false
	err := k.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWallets).Get([]byte(userID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return record{}, err
	}
	if !found {
		return record{}, ErrNoWallet
	}
	return rec, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ Provider = (*Keystore)(nil)
