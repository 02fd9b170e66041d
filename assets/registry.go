package assets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"rootbot/amount"
)

// ErrUnknownAsset is returned when an input does not resolve to a registered asset.
var ErrUnknownAsset = errors.New("assets: unknown asset")

// ID is the ledger's numeric asset identifier.
type ID uint32

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Asset describes a fungible asset the service can move.
type Asset struct {
	ID        ID
	Symbol    string
	Decimals  uint8
	Native    bool
	Stakeable bool
	// Contract is the ERC-20 facade used for balance queries and transfers of
	// non-native assets. Zero for the native asset.
	Contract common.Address
}

// PrecompileAddress derives the ERC-20 precompile address the ledger exposes
// for an asset id: 0xCCCCCCCC followed by the big-endian id and zero padding.
func PrecompileAddress(id ID) common.Address {
	var addr common.Address
	copy(addr[:4], []byte{0xCC, 0xCC, 0xCC, 0xCC})
	binary.BigEndian.PutUint32(addr[4:8], uint32(id))
	return addr
}

// Registry is an immutable symbol/id index over a fixed asset list.
type Registry struct {
	order    []ID
	byID     map[ID]Asset
	bySymbol map[string]ID
	native   ID
}

// New validates the supplied list and builds a registry. Exactly one asset
// must be native; ids must be non-zero and ids/symbols unique.
func New(list []Asset) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("assets: at least one asset must be configured")
	}
	reg := &Registry{
		order:    make([]ID, 0, len(list)),
		byID:     make(map[ID]Asset, len(list)),
		bySymbol: make(map[string]ID, len(list)),
	}
	natives := 0
	for _, asset := range list {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("assets: symbol required for asset %d", asset.ID)
		}
		if asset.ID == 0 {
			return nil, fmt.Errorf("assets: asset %s has zero id", symbol)
		}
		if asset.Decimals > amount.MaxPrecision {
			return nil, fmt.Errorf("assets: asset %s declares %d decimals (max %d)", symbol, asset.Decimals, amount.MaxPrecision)
		}
		if _, exists := reg.byID[asset.ID]; exists {
			return nil, fmt.Errorf("assets: duplicate asset id %d", asset.ID)
		}
		if _, exists := reg.bySymbol[symbol]; exists {
			return nil, fmt.Errorf("assets: duplicate asset symbol %s", symbol)
		}
		asset.Symbol = symbol
		if asset.Native {
			natives++
			reg.native = asset.ID
			asset.Contract = common.Address{}
		} else if (asset.Contract == common.Address{}) {
			asset.Contract = PrecompileAddress(asset.ID)
		}
		reg.order = append(reg.order, asset.ID)
		reg.byID[asset.ID] = asset
		reg.bySymbol[symbol] = asset.ID
	}
	if natives != 1 {
		return nil, fmt.Errorf("assets: exactly one native asset required, found %d", natives)
	}
	return reg, nil
}

// Default returns the registry the bot has always shipped with.
func Default() *Registry {
	reg, err := New([]Asset{
		{ID: 1, Symbol: "ROOT", Decimals: 6, Native: true, Stakeable: true},
		{ID: 2, Symbol: "XRP", Decimals: 6},
		{ID: 17508, Symbol: "ASTO", Decimals: 6},
		{ID: 3172, Symbol: "SYLO", Decimals: 6},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

// Resolve maps user input, either a numeric id or a symbol, to an asset.
func (r *Registry) Resolve(input string) (Asset, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Asset{}, ErrUnknownAsset
	}
	if n, err := strconv.ParseUint(trimmed, 10, 32); err == nil {
		if asset, ok := r.byID[ID(n)]; ok {
			return asset, nil
		}
		return Asset{}, fmt.Errorf("%w: id %s", ErrUnknownAsset, trimmed)
	}
	if id, ok := r.bySymbol[strings.ToUpper(trimmed)]; ok {
		return r.byID[id], nil
	}
	return Asset{}, fmt.Errorf("%w: %q", ErrUnknownAsset, trimmed)
}

// Lookup returns the asset registered under id.
func (r *Registry) Lookup(id ID) (Asset, bool) {
	asset, ok := r.byID[id]
	return asset, ok
}

// ByContract returns the non-native asset whose ERC-20 facade lives at addr.
func (r *Registry) ByContract(addr common.Address) (Asset, bool) {
	for _, id := range r.order {
		asset := r.byID[id]
		if !asset.Native && asset.Contract == addr {
			return asset, true
		}
	}
	return Asset{}, false
}

// Native returns the fee-paying asset.
func (r *Registry) Native() Asset { return r.byID[r.native] }

// List returns the assets in declaration order.
func (r *Registry) List() []Asset {
	out := make([]Asset, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
