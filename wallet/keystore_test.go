package wallet

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"rootbot/crypto"
)

func openTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := Open(filepath.Join(t.TempDir(), "wallets.db"), "hunter2", WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

func TestCreateAndSign(t *testing.T) {
	ks := openTestKeystore(t)
	ctx := context.Background()

	created, err := ks.Create(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, strings.Fields(created.Mnemonic), 24)

	addr, err := ks.Address(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, created.Address, addr)

	_, err = ks.Create(ctx, "alice")
	require.ErrorIs(t, err, ErrWalletExists)

	signer, err := ks.Signer(ctx, "alice")
	require.NoError(t, err)
	chainID := big.NewInt(7672)
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: chainID, Nonce: 3, Gas: 21000, GasFeeCap: big.NewInt(2), GasTipCap: big.NewInt(1)})
	signed, err := signer.SignTx(tx, chainID)
	require.NoError(t, err)
	signer.Close()

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, addr, from)

	_, err = signer.SignTx(tx, chainID)
	require.ErrorIs(t, err, crypto.ErrSignerClosed)
}

func TestImportRestoresSameAddress(t *testing.T) {
	ctx := context.Background()
	src := openTestKeystore(t)
	created, err := src.Create(ctx, "bob")
	require.NoError(t, err)

	dst := openTestKeystore(t)
	addr, err := dst.Import(ctx, "bob", "  "+strings.ToUpper(created.Mnemonic)+"\n")
	require.NoError(t, err)
	require.Equal(t, created.Address, addr)

	_, err = dst.Import(ctx, "carol", "not a real phrase at all")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	_, err = dst.Import(ctx, "bob", created.Mnemonic)
	require.ErrorIs(t, err, ErrWalletExists)
}

func TestMissingWallet(t *testing.T) {
	ks := openTestKeystore(t)
	_, err := ks.Address(context.Background(), "nobody")
	require.True(t, errors.Is(err, ErrNoWallet))
	_, err = ks.Signer(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNoWallet)
}

func TestRecordsAreEncrypted(t *testing.T) {
	ks := openTestKeystore(t)
	ctx := context.Background()
	_, err := ks.Create(ctx, "dave")
	require.NoError(t, err)
	rec, err := ks.get(ctx, "dave")
	require.NoError(t, err)
	require.Contains(t, string(rec.Key), `"crypto"`)
	require.Contains(t, string(rec.Key), `"scrypt"`)

	_, err = crypto.DecryptKey(rec.Key, "wrong")
	require.Error(t, err)
	key, err := crypto.DecryptKey(rec.Key, "hunter2")
	require.NoError(t, err)
	require.Equal(t, rec.Address, key.Address().Hex())
}

func TestOpenValidates(t *testing.T) {
	_, err := Open("", "x")
	require.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "w.db"), "")
	require.Error(t, err)
}
