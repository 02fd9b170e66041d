package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/ledger"
)

const (
	erc20JSON = `[
		{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`
	stakingJSON = `[
		{"type":"function","name":"bond","stateMutability":"nonpayable","inputs":[{"name":"controller","type":"address"},{"name":"value","type":"uint256"},{"name":"payee","type":"uint8"}],"outputs":[]}
	]`
	dexJSON = `[
		{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
	]`
)

// PayeeStaked directs staking rewards back into the bonded balance.
const PayeeStaked uint8 = 0

var (
	// DefaultStakingAddress is the staking precompile.
	DefaultStakingAddress = common.HexToAddress("0x0000000000000000000000000000000000000800")
	// DefaultDEXAddress is the DEX precompile.
	DefaultDEXAddress = common.HexToAddress("0xDDDDDDDD00000000000000000000000000000000")

	erc20ABI   = mustParseABI(erc20JSON)
	stakingABI = mustParseABI(stakingJSON)
	dexABI     = mustParseABI(dexJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}

// Calls builds ABI-encoded ledger calls and labels contracts for diagnostics.
type Calls struct {
	registry *assets.Registry
	staking  common.Address
	dex      common.Address
}

// NewCalls returns a CallBuilder bound to the supplied registry and precompiles.
// Zero addresses fall back to the defaults.
func NewCalls(registry *assets.Registry, staking, dex common.Address) *Calls {
	if registry == nil {
		registry = assets.Default()
	}
	if (staking == common.Address{}) {
		staking = DefaultStakingAddress
	}
	if (dex == common.Address{}) {
		dex = DefaultDEXAddress
	}
	return &Calls{registry: registry, staking: staking, dex: dex}
}

// Transfer moves amount of asset to the recipient. The native asset travels as
// call value; everything else goes through its token contract.
func (c *Calls) Transfer(asset assets.Asset, to common.Address, amt *uint256.Int) (ledger.Call, error) {
	if amt == nil || amt.IsZero() {
		return ledger.Call{}, fmt.Errorf("evm: transfer amount required")
	}
	if asset.Native {
		return ledger.Call{To: to, Value: amt.Clone(), Module: "native", Method: "transfer"}, nil
	}
	data, err := erc20ABI.Pack("transfer", to, amt.ToBig())
	if err != nil {
		return ledger.Call{}, fmt.Errorf("evm: pack transfer: %w", err)
	}
	return ledger.Call{To: tokenAddress(asset), Data: data, Module: asset.Symbol, Method: "transfer"}, nil
}

// Bond stakes amount with controller as both stash controller and reward payee target.
func (c *Calls) Bond(asset assets.Asset, controller common.Address, amt *uint256.Int) (ledger.Call, error) {
	if !asset.Stakeable {
		return ledger.Call{}, fmt.Errorf("evm: %s is not stakeable", asset.Symbol)
	}
	if amt == nil || amt.IsZero() {
		return ledger.Call{}, fmt.Errorf("evm: bond amount required")
	}
	data, err := stakingABI.Pack("bond", controller, amt.ToBig(), PayeeStaked)
	if err != nil {
		return ledger.Call{}, fmt.Errorf("evm: pack bond: %w", err)
	}
	return ledger.Call{To: c.staking, Data: data, Module: "staking", Method: "bond"}, nil
}

// Swap trades exactly amountIn of in for at least minOut of out.
func (c *Calls) Swap(in, out assets.Asset, amountIn, minOut *uint256.Int, to common.Address, deadline time.Time) (ledger.Call, error) {
	if in.ID == out.ID {
		return ledger.Call{}, fmt.Errorf("evm: swap requires distinct assets")
	}
	if amountIn == nil || amountIn.IsZero() || minOut == nil {
		return ledger.Call{}, fmt.Errorf("evm: swap amounts required")
	}
	path := []common.Address{tokenAddress(in), tokenAddress(out)}
	data, err := dexABI.Pack("swapExactTokensForTokens", amountIn.ToBig(), minOut.ToBig(), path, to, big.NewInt(deadline.Unix()))
	if err != nil {
		return ledger.Call{}, fmt.Errorf("evm: pack swap: %w", err)
	}
	return ledger.Call{To: c.dex, Data: data, Module: "dex", Method: "swapExactTokensForTokens"}, nil
}

// Label names the module a contract address belongs to.
func (c *Calls) Label(addr common.Address) string {
	switch addr {
	case c.staking:
		return "staking"
	case c.dex:
		return "dex"
	}
	if asset, ok := c.registry.ByContract(addr); ok {
		return asset.Symbol
	}
	for _, asset := range c.registry.List() {
		if tokenAddress(asset) == addr {
			return asset.Symbol
		}
	}
	return ""
}

// Method resolves the ABI method name for calldata.
func (c *Calls) Method(data []byte) string {
	if len(data) < 4 {
		if len(data) == 0 {
			return "transfer"
		}
		return ""
	}
	for _, parsed := range []abi.ABI{erc20ABI, stakingABI, dexABI} {
		if method, err := parsed.MethodById(data[:4]); err == nil {
			return method.Name
		}
	}
	return ""
}

// tokenAddress returns the contract used to address asset in token calls. The
// native asset is reachable through its precompile.
func tokenAddress(asset assets.Asset) common.Address {
	if (asset.Contract != common.Address{}) {
		return asset.Contract
	}
	return assets.PrecompileAddress(asset.ID)
}

var _ ledger.CallBuilder = (*Calls)(nil)
