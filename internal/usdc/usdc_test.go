package usdc

import (
	"math/big"
	"testing"
)

func TestCentsUnitsRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 99, 100, 1050, 5250, 110250, 1_000_000_00}
	for _, c := range cases {
		units := CentsToUnits(c)
		if got := UnitsToCents(units); got != c {
			t.Errorf("round trip %d cents: got %d via %d units", c, got, units)
		}
	}
}

func TestCentsToUnits(t *testing.T) {
	if got := CentsToUnits(5250); got != 52_500_000 {
		t.Errorf("CentsToUnits(5250) = %d, want 52500000", got)
	}
}

func TestUnitsToCentsTruncatesDust(t *testing.T) {
	// Sub-cent dust truncates toward zero.
	if got := UnitsToCents(52_509_999); got != 5250 {
		t.Errorf("UnitsToCents(52509999) = %d, want 5250", got)
	}
}

func TestCentsDisplay(t *testing.T) {
	cases := map[int64]string{
		0:    "0.00",
		5:    "0.05",
		1050: "10.50",
		1102: "11.02",
	}
	for cents, want := range cases {
		if got := CentsDisplay(cents); got != want {
			t.Errorf("CentsDisplay(%d) = %q, want %q", cents, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"1.50", 1_500_000, true},
		{"10.50", 10_500_000, true},
		{"0.000001", 1, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Cmp(big.NewInt(tt.want)) != 0 {
			t.Errorf("Parse(%q) = %s, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(big.NewInt(10_500_000)); got != "10.500000" {
		t.Errorf("Format = %q, want 10.500000", got)
	}
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}
