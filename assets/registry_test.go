package assets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultRegistryResolve(t *testing.T) {
	reg := Default()

	root, err := reg.Resolve("1")
	if err != nil {
		t.Fatalf("resolve id: %v", err)
	}
	if root.Symbol != "ROOT" || !root.Native || !root.Stakeable || root.Decimals != 6 {
		t.Fatalf("unexpected ROOT entry: %+v", root)
	}
	if (root.Contract != common.Address{}) {
		t.Fatalf("native asset must not carry a contract, got %s", root.Contract.Hex())
	}

	xrp, err := reg.Resolve(" xrp ")
	if err != nil || xrp.ID != 2 {
		t.Fatalf("resolve symbol: %+v %v", xrp, err)
	}
	if xrp.Contract != common.HexToAddress("0xCCCCCCCC00000002000000000000000000000000") {
		t.Fatalf("unexpected precompile address %s", xrp.Contract.Hex())
	}

	for _, input := range []string{"", "99", "DOGE", "-1", "4294967296"} {
		if _, err := reg.Resolve(input); !errors.Is(err, ErrUnknownAsset) {
			t.Fatalf("Resolve(%q): expected ErrUnknownAsset, got %v", input, err)
		}
	}

	if reg.Native().ID != 1 {
		t.Fatalf("expected ROOT to be native")
	}
	list := reg.List()
	if len(list) != 4 || list[0].Symbol != "ROOT" || list[3].Symbol != "SYLO" {
		t.Fatalf("unexpected list order: %+v", list)
	}
	asto, ok := reg.ByContract(PrecompileAddress(17508))
	if !ok || asto.Symbol != "ASTO" {
		t.Fatalf("ByContract lookup failed: %+v %v", asto, ok)
	}
}

func TestNewValidates(t *testing.T) {
	cases := map[string][]Asset{
		"empty":        nil,
		"no native":    {{ID: 1, Symbol: "A"}},
		"two natives":  {{ID: 1, Symbol: "A", Native: true}, {ID: 2, Symbol: "B", Native: true}},
		"dup id":       {{ID: 1, Symbol: "A", Native: true}, {ID: 1, Symbol: "B"}},
		"dup symbol":   {{ID: 1, Symbol: "A", Native: true}, {ID: 2, Symbol: "a"}},
		"zero id":      {{ID: 0, Symbol: "A", Native: true}},
		"no symbol":    {{ID: 1, Native: true}},
		"wide decimal": {{ID: 1, Symbol: "A", Native: true, Decimals: 40}},
	}
	for name, list := range cases {
		if _, err := New(list); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.toml")
	doc := `
[[asset]]
id = 1
symbol = "root"
decimals = 6
native = true
stakeable = true

[[asset]]
id = 2
symbol = "XRP"
decimals = 6
contract = "0x00000000000000000000000000000000000000aa"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	xrp, err := reg.Resolve("XRP")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if xrp.Contract != common.HexToAddress("0xaa") {
		t.Fatalf("contract override ignored: %s", xrp.Contract.Hex())
	}
	if reg.Native().Symbol != "ROOT" {
		t.Fatalf("expected upper-cased native symbol")
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[[asset]]\nid = 1\nsymbol = \"A\"\nnative = true\ncolour = \"red\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}
