package assets

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"rootbot/crypto"
)

type fileEntry struct {
	ID        uint32 `toml:"id"`
	Symbol    string `toml:"symbol"`
	Decimals  uint8  `toml:"decimals"`
	Native    bool   `toml:"native"`
	Stakeable bool   `toml:"stakeable"`
	Contract  string `toml:"contract"`
}

type assetFile struct {
	Assets []fileEntry `toml:"asset"`
}

// LoadFile reads an asset table from a TOML document of [[asset]] entries.
func LoadFile(path string) (*Registry, error) {
	var doc assetFile
	meta, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("assets: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("assets: unknown key %s in %s", undecoded[0], path)
	}
	list := make([]Asset, 0, len(doc.Assets))
	for _, entry := range doc.Assets {
		asset := Asset{
			ID:        ID(entry.ID),
			Symbol:    entry.Symbol,
			Decimals:  entry.Decimals,
			Native:    entry.Native,
			Stakeable: entry.Stakeable,
		}
		if contract := strings.TrimSpace(entry.Contract); contract != "" {
			addr, err := crypto.ParseAddress(contract)
			if err != nil {
				return nil, fmt.Errorf("assets: %s contract: %w", entry.Symbol, err)
			}
			asset.Contract = addr
		}
		list = append(list, asset)
	}
	return New(list)
}
