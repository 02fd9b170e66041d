package flow

import (
	"time"

	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/ledger"
	"rootbot/session"
)

// Stake bonds from the signer's own account, which also acts as controller.
func stakeFlow() *definition {
	return &definition{
		kind:  session.KindStake,
		verb:  "stake",
		shape: ledger.ShapeBond,
		steps: []session.Step{
			session.StepSelectAsset,
			session.StepEnterAmount,
			session.StepConfirm,
		},
		eligible: func(a assets.Asset) bool { return a.Stakeable },
		build:    buildBond,
	}
}

func buildBond(r *Router, s *session.Session, amt *uint256.Int, _ time.Time) (plan, error) {
	asset, err := r.asset(s.Fields.Asset)
	if err != nil {
		return plan{}, err
	}
	call, err := r.calls.Bond(asset, s.Owner, amt)
	if err != nil {
		return plan{}, err
	}
	return plan{call: call}, nil
}
