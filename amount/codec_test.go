package amount

import (
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in        string
		precision uint8
		want      string
	}{
		{"10", 6, "10000000"},
		{"0.01", 6, "10000"},
		{".5", 6, "500000"},
		{"12.", 6, "12000000"},
		{" 50 ", 6, "50000000"},
		{"1.2345678", 6, "1234567"},
		{"007", 0, "7"},
		{"0.000001", 6, "1"},
		{"18446744073709551616", 0, "18446744073709551616"},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.in, tc.precision)
		if err != nil {
			t.Fatalf("ToBaseUnits(%q, %d): unexpected error %v", tc.in, tc.precision, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("ToBaseUnits(%q, %d) = %s, want %s", tc.in, tc.precision, got.Dec(), tc.want)
		}
	}
}

func TestToBaseUnitsRejects(t *testing.T) {
	inputs := []string{
		"", ".", "abc", "-1", "+1", "1e6", "1,000", "0", "0.0000001", "1.2.3", "NaN", "Inf", " ",
		strings.Repeat("9", 80),
	}
	for _, in := range inputs {
		if _, err := ToBaseUnits(in, 6); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ToBaseUnits(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
	if _, err := ToBaseUnits("1", MaxPrecision+1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected precision bound to be enforced, got %v", err)
	}
}

func TestToHuman(t *testing.T) {
	cases := []struct {
		v         *uint256.Int
		precision uint8
		want      string
	}{
		{uint256.NewInt(10_000_000), 6, "10.000000"},
		{uint256.NewInt(1), 6, "0.000001"},
		{uint256.NewInt(0), 6, "0.000000"},
		{nil, 2, "0.00"},
		{uint256.NewInt(42), 0, "42"},
		{new(uint256.Int).SetAllOne(), 18, "115792089237316195423570985008687907853269984665640564039457.584007913129639935"},
		{uint256.NewInt(^uint64(0)), 6, "18446744073709.551615"},
	}
	for _, tc := range cases {
		if got := ToHuman(tc.v, tc.precision); got != tc.want {
			t.Fatalf("ToHuman(%v, %d) = %s, want %s", tc.v, tc.precision, got, tc.want)
		}
	}
}

func TestRoundTripNormalizes(t *testing.T) {
	cases := map[string]string{
		"10":        "10.000000",
		"0.5":       "0.500000",
		".25":       "0.250000",
		"3.141592":  "3.141592",
		"0001.0100": "1.010000",
		"99999999":  "99999999.000000",
	}
	for in, want := range cases {
		base, err := ToBaseUnits(in, 6)
		if err != nil {
			t.Fatalf("ToBaseUnits(%q): %v", in, err)
		}
		if got := ToHuman(base, 6); got != want {
			t.Fatalf("round trip of %q = %s, want %s", in, got, want)
		}
		normalized, err := Normalize(in, 6)
		if err != nil || normalized != want {
			t.Fatalf("Normalize(%q) = %q, %v", in, normalized, err)
		}
	}
}

func TestApplyBps(t *testing.T) {
	got, err := ApplyBps(uint256.NewInt(100_000_000), 500)
	if err != nil {
		t.Fatalf("ApplyBps: %v", err)
	}
	if got.Uint64() != 95_000_000 {
		t.Fatalf("expected 95000000, got %s", got.Dec())
	}
	got, err = ApplyBps(uint256.NewInt(7), 500)
	if err != nil || got.Uint64() != 6 {
		t.Fatalf("expected floor rounding to 6, got %v (%v)", got, err)
	}
	if _, err := ApplyBps(uint256.NewInt(1), 10_001); err == nil {
		t.Fatalf("expected error for bps above 10000")
	}
}

func TestRescale(t *testing.T) {
	cases := []struct {
		in       string
		from, to uint8
		want     string
	}{
		{"95000000", 6, 18, "95000000000000000000"},
		{"95000000000000000000", 18, 6, "95000000"},
		{"1999999999999", 18, 6, "1"},
		{"123", 6, 6, "123"},
	}
	for _, tc := range cases {
		v := uint256.MustFromDecimal(tc.in)
		got, err := Rescale(v, tc.from, tc.to)
		if err != nil {
			t.Fatalf("Rescale(%s, %d, %d): %v", tc.in, tc.from, tc.to, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("Rescale(%s, %d, %d) = %s, want %s", tc.in, tc.from, tc.to, got.Dec(), tc.want)
		}
	}
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	if _, err := Rescale(huge, 0, 36); err == nil {
		t.Fatalf("expected overflow error")
	}
}
