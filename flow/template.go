// Package flow drives the Send, Stake and Swap conversations. All three share
// one step template; each flow only supplies the steps it uses, which assets it
// accepts, and how its ledger call is built.
package flow

import (
	"time"

	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/ledger"
	"rootbot/session"
)

const (
	confirmWord = "confirm"
	cancelWord  = "cancel"
)

// plan is the ledger call a flow would submit for a given amount.
type plan struct {
	call     ledger.Call
	minOut   *uint256.Int
	deadline time.Time
}

type definition struct {
	kind  session.Kind
	verb  string
	shape ledger.ShapeKind
	// steps lists the input steps in order, ending at StepConfirm.
	steps    []session.Step
	eligible func(assets.Asset) bool
	build    func(r *Router, s *session.Session, amt *uint256.Int, now time.Time) (plan, error)
}

func (d *definition) next(step session.Step) session.Step {
	for i, candidate := range d.steps {
		if candidate == step && i+1 < len(d.steps) {
			return d.steps[i+1]
		}
	}
	return session.StepConfirm
}

func (d *definition) accepts(asset assets.Asset) bool {
	return d.eligible == nil || d.eligible(asset)
}

func definitions() map[session.Kind]*definition {
	defs := make(map[session.Kind]*definition, 3)
	for _, def := range []*definition{sendFlow(), stakeFlow(), swapFlow()} {
		defs[def.kind] = def
	}
	return defs
}
