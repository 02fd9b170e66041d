// Package session holds the per-user transaction sessions driven by the flows.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rootbot/assets"
)

// ErrUnknownKind is returned by ParseKind for unrecognised flow names.
var ErrUnknownKind = errors.New("session: unknown flow kind")

// Kind identifies which flow owns a session.
type Kind string

const (
	KindSend  Kind = "send"
	KindStake Kind = "stake"
	KindSwap  Kind = "swap"
)

// ParseKind maps a case-insensitive flow name to a Kind.
func ParseKind(value string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(value))); k {
	case KindSend, KindStake, KindSwap:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
}

// Valid reports whether k names a known flow.
func (k Kind) Valid() bool {
	switch k {
	case KindSend, KindStake, KindSwap:
		return true
	}
	return false
}

// Step is a position in a flow.
type Step string

const (
	StepSelectAsset        Step = "select_asset"
	StepSelectCounterAsset Step = "select_counter_asset"
	StepEnterRecipient     Step = "enter_recipient"
	StepEnterAmount        Step = "enter_amount"
	StepConfirm            Step = "confirm"
	StepExecuted           Step = "executed"
	StepCancelled          Step = "cancelled"
	StepFailed             Step = "failed"
)

// Terminal reports whether reaching s ends the session.
func (s Step) Terminal() bool {
	switch s {
	case StepExecuted, StepCancelled, StepFailed:
		return true
	}
	return false
}

// Fields carries the values collected so far. Unset values are zero or nil.
type Fields struct {
	Asset        assets.ID
	CounterAsset assets.ID
	Recipient    *common.Address
	Amount       *uint256.Int
	HumanAmount  string
	// Balance snapshots taken when each asset was selected.
	Balance        *uint256.Int
	NativeBalance  *uint256.Int
	CounterBalance *uint256.Int
	Fee           *uint256.Int
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := f
	if f.Recipient != nil {
		r := *f.Recipient
		out.Recipient = &r
	}
	out.Amount = cloneInt(f.Amount)
	out.Balance = cloneInt(f.Balance)
	out.NativeBalance = cloneInt(f.NativeBalance)
	out.CounterBalance = cloneInt(f.CounterBalance)
	out.Fee = cloneInt(f.Fee)
	return out
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

// Session is one user's in-progress transaction. Key material never lives here.
type Session struct {
	UserID         string
	Kind           Kind
	Step           Step
	Token          uint64
	Owner          common.Address
	Fields         Fields
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.Fields = s.Fields.Clone()
	return out
}
