package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AddressHexLength is the number of hex characters following the 0x prefix.
const AddressHexLength = 2 * common.AddressLength

// ErrInvalidAddress is returned when an address does not match 0x + 40 hex characters.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// IsValidAddress reports whether s is exactly "0x" followed by 40 hexadecimal
// characters. Checksums are not enforced; mixed case is accepted.
func IsValidAddress(s string) bool {
	if len(s) != 2+AddressHexLength {
		return false
	}
	if s[0] != '0' || s[1] != 'x' {
		return false
	}
	for i := 2; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseAddress validates s and converts it into a ledger address.
func ParseAddress(s string) (common.Address, error) {
	if !IsValidAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
