package flow

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"rootbot/ledger"
	"rootbot/session"
)

func sendFlow() *definition {
	return &definition{
		kind:  session.KindSend,
		verb:  "send",
		shape: ledger.ShapeTransfer,
		steps: []session.Step{
			session.StepSelectAsset,
			session.StepEnterRecipient,
			session.StepEnterAmount,
			session.StepConfirm,
		},
		build: buildTransfer,
	}
}

func buildTransfer(r *Router, s *session.Session, amt *uint256.Int, _ time.Time) (plan, error) {
	asset, err := r.asset(s.Fields.Asset)
	if err != nil {
		return plan{}, err
	}
	if s.Fields.Recipient == nil {
		return plan{}, fmt.Errorf("flow: recipient not set")
	}
	call, err := r.calls.Transfer(asset, *s.Fields.Recipient, amt)
	if err != nil {
		return plan{}, err
	}
	return plan{call: call}, nil
}
