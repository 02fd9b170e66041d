package flow

import (
	"errors"
	"fmt"
	"strings"

	"rootbot/amount"
	"rootbot/assets"
	"rootbot/session"
)

func (r *Router) prompt(s session.Session) Reply {
	reply := Reply{Flow: s.Kind, Step: s.Step}
	def, ok := r.defs[s.Kind]
	if !ok {
		return reply
	}
	switch s.Step {
	case session.StepSelectAsset:
		reply.Prompt = fmt.Sprintf("Which asset would you like to %s?", def.verb)
		reply.Options = r.symbols(func(a assets.Asset) bool { return def.accepts(a) })
	case session.StepSelectCounterAsset:
		reply.Prompt = "Which asset would you like to receive?"
		reply.Options = r.symbols(func(a assets.Asset) bool { return a.ID != s.Fields.Asset })
	case session.StepEnterRecipient:
		reply.Prompt = "Enter the recipient address (0x followed by 40 hex characters)."
	case session.StepEnterAmount:
		asset, err := r.asset(s.Fields.Asset)
		if err != nil {
			return reply
		}
		reply.Prompt = fmt.Sprintf("How much %s would you like to %s? Available: %s %s",
			asset.Symbol, def.verb, amount.ToHuman(orZero(s.Fields.Balance), asset.Decimals), asset.Symbol)
	case session.StepConfirm:
		summary := r.summary(s)
		reply.Summary = &summary
		reply.Prompt = summary.String() + fmt.Sprintf("\nReply %s or %s.", confirmWord, cancelWord)
		reply.Options = []string{confirmWord, cancelWord}
	}
	if !s.Step.Terminal() && s.Step != session.StepConfirm {
		reply.Options = append(reply.Options, cancelWord)
	}
	return reply
}

func (r *Router) summary(s session.Session) Summary {
	native := r.registry.Native()
	out := Summary{
		Flow:     s.Kind,
		Amount:   s.Fields.HumanAmount,
		Fee:      amount.ToHuman(orZero(s.Fields.Fee), native.Decimals),
		FeeAsset: native.Symbol,
	}
	if asset, err := r.asset(s.Fields.Asset); err == nil {
		out.Asset = asset.Symbol
	}
	if s.Fields.Recipient != nil {
		out.Recipient = s.Fields.Recipient.Hex()
	}
	if s.Kind == session.KindSwap {
		if counter, err := r.asset(s.Fields.CounterAsset); err == nil {
			out.CounterAsset = counter.Symbol
			if in, err := r.asset(s.Fields.Asset); err == nil && s.Fields.Amount != nil {
				if minOut, err := r.minOutput(in, counter, s.Fields.Amount); err == nil {
					out.MinOut = amount.ToHuman(minOut, counter.Decimals)
				}
			}
		}
		out.Deadline = r.cfg.SwapDeadline
	}
	return out
}

func (r *Router) symbols(keep func(assets.Asset) bool) []string {
	list := r.registry.List()
	out := make([]string, 0, len(list))
	for _, a := range list {
		if keep(a) {
			out = append(out, a.Symbol)
		}
	}
	return out
}

// notice renders err for the user without package prefixes.
func notice(err error) string {
	var short *InsufficientBalanceError
	if errors.As(err, &short) {
		return fmt.Sprintf("Insufficient balance: you need %s more %s.",
			amount.ToHuman(short.Shortfall, short.Asset.Decimals), short.Asset.Symbol)
	}
	switch {
	case errors.Is(err, ErrFeeEstimationFailed):
		return "Could not estimate the network fee. Try again or enter a different amount."
	case errors.Is(err, ErrInvalidAmount):
		return "Enter a positive number, for example 1.5."
	case errors.Is(err, ErrInvalidAddress):
		return "That is not a valid address."
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, "flow: "); idx >= 0 {
		msg = msg[idx+len("flow: "):]
	}
	return msg
}
