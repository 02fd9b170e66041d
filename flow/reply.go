package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rootbot/ledger"
	"rootbot/session"
)

// Outcome is how a flow ended.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result is the terminal part of a reply.
type Result struct {
	Outcome  Outcome
	TxID     common.Hash
	Block    ledger.BlockRef
	Dispatch *ledger.DispatchError
	Detail   string
}

// Summary describes a transaction awaiting confirmation. Amounts are rendered
// in human units.
type Summary struct {
	Flow         session.Kind
	Asset        string
	CounterAsset string
	Recipient    string
	Amount       string
	Fee          string
	FeeAsset     string
	MinOut       string
	Deadline     time.Duration
}

func (s Summary) String() string {
	var b strings.Builder
	switch s.Flow {
	case session.KindSend:
		fmt.Fprintf(&b, "Send %s %s to %s", s.Amount, s.Asset, s.Recipient)
	case session.KindStake:
		fmt.Fprintf(&b, "Stake %s %s", s.Amount, s.Asset)
	case session.KindSwap:
		fmt.Fprintf(&b, "Swap %s %s for at least %s %s", s.Amount, s.Asset, s.MinOut, s.CounterAsset)
	}
	fmt.Fprintf(&b, "\nEstimated fee: %s %s", s.Fee, s.FeeAsset)
	if s.Deadline > 0 {
		fmt.Fprintf(&b, "\nExpires %s after confirmation", s.Deadline)
	}
	return b.String()
}

// Reply is what the transport renders for one inbound event. Exactly one of a
// prompt (the flow waits for more input) or a Result is meaningful.
type Reply struct {
	Flow    session.Kind
	Step    session.Step
	Prompt  string
	Options []string
	// Notice explains why the previous input was not accepted.
	Notice  string
	Summary *Summary
	Result  *Result
}

// Terminal reports whether the flow has ended.
func (r Reply) Terminal() bool { return r.Result != nil }
