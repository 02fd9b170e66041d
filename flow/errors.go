package flow

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"rootbot/amount"
	"rootbot/assets"
)

var (
	ErrNoWalletFound       = errors.New("flow: no wallet found")
	ErrInvalidAsset        = errors.New("flow: invalid asset")
	ErrInvalidAddress      = errors.New("flow: invalid address")
	ErrInvalidAmount       = errors.New("flow: invalid amount")
	ErrInsufficientBalance = errors.New("flow: insufficient balance")
	ErrFeeEstimationFailed = errors.New("flow: fee estimation failed")
	ErrSessionExpired      = errors.New("flow: session expired")
	// ErrUnexpectedInput is returned when the confirm step receives something
	// other than confirm or cancel.
	ErrUnexpectedInput = errors.New("flow: unexpected input")
)

// InsufficientBalanceError reports how much of Asset is missing.
type InsufficientBalanceError struct {
	Asset     assets.Asset
	Required  *uint256.Int
	Available *uint256.Int
	Shortfall *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("flow: insufficient balance: short by %s %s",
		amount.ToHuman(e.Shortfall, e.Asset.Decimals), e.Asset.Symbol)
}

// Is matches ErrInsufficientBalance.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

func shortfall(asset assets.Asset, required, available *uint256.Int) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		Asset:     asset,
		Required:  required.Clone(),
		Available: available.Clone(),
		Shortfall: new(uint256.Int).Sub(required, available),
	}
}

// checkFunds verifies the cached balances cover amt plus fee. The fee is always
// paid in the native asset.
func checkFunds(asset, native assets.Asset, amt, fee, balance, nativeBalance *uint256.Int) error {
	if asset.Native {
		required, overflow := new(uint256.Int).AddOverflow(amt, fee)
		if overflow {
			return fmt.Errorf("%w: amount too large", ErrInvalidAmount)
		}
		if required.Gt(balance) {
			return shortfall(asset, required, balance)
		}
		return nil
	}
	if fee.Gt(nativeBalance) {
		return shortfall(native, fee, nativeBalance)
	}
	if amt.Gt(balance) {
		return shortfall(asset, amt, balance)
	}
	return nil
}
