package flow

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"rootbot/amount"
	"rootbot/assets"
	"rootbot/ledger"
	"rootbot/session"
)

// swapFlow asks for the counter asset before the amount: the swap call has to
// be built in full before its fee can be estimated.
func swapFlow() *definition {
	return &definition{
		kind:  session.KindSwap,
		verb:  "swap",
		shape: ledger.ShapeSwap,
		steps: []session.Step{
			session.StepSelectAsset,
			session.StepSelectCounterAsset,
			session.StepEnterAmount,
			session.StepConfirm,
		},
		build: buildSwap,
	}
}

// buildSwap sells exactly amt and accepts no less than amt reduced by the
// configured slippage, valid until now plus the swap deadline.
func buildSwap(r *Router, s *session.Session, amt *uint256.Int, now time.Time) (plan, error) {
	in, err := r.asset(s.Fields.Asset)
	if err != nil {
		return plan{}, err
	}
	out, err := r.asset(s.Fields.CounterAsset)
	if err != nil {
		return plan{}, err
	}
	minOut, err := r.minOutput(in, out, amt)
	if err != nil {
		return plan{}, err
	}
	deadline := now.Add(r.cfg.SwapDeadline)
	call, err := r.calls.Swap(in, out, amt, minOut, s.Owner, deadline)
	if err != nil {
		return plan{}, err
	}
	return plan{call: call, minOut: minOut, deadline: deadline}, nil
}

// minOutput is amt less the slippage tolerance, expressed in the output
// asset's base units. A result that rounds to zero is rejected.
func (r *Router) minOutput(in, out assets.Asset, amt *uint256.Int) (*uint256.Int, error) {
	kept, err := amount.ApplyBps(amt, r.cfg.SlippageBps)
	if err != nil {
		return nil, err
	}
	minOut, err := amount.Rescale(kept, in.Decimals, out.Decimals)
	if err != nil {
		return nil, err
	}
	if minOut.IsZero() {
		return nil, fmt.Errorf("%w: too small to receive any %s", amount.ErrInvalidAmount, out.Symbol)
	}
	return minOut, nil
}
