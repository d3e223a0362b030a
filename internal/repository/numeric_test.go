package repository

import (
	"math/big"
	"testing"
)

func TestNumericScan(t *testing.T) {
	var x *big.Int
	if err := (numeric{&x}).Scan("115792089237316195423570985008687907853269984665640564039457584007913129639935"); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if x.BitLen() != 256 {
		t.Errorf("BitLen = %d, want 256", x.BitLen())
	}
	if err := (numeric{&x}).Scan([]byte("42")); err != nil || x.Int64() != 42 {
		t.Errorf("Scan bytes = %v, %v", x, err)
	}
}

func TestNumericScanRejects(t *testing.T) {
	var x *big.Int
	for _, src := range []any{"-1", "1.5", nil, int64(3)} {
		if err := (numeric{&x}).Scan(src); err == nil {
			t.Errorf("Scan(%v) succeeded", src)
		}
	}
}

func TestAmountArg(t *testing.T) {
	if got := amountArg(nil); got != "0" {
		t.Errorf("amountArg(nil) = %q", got)
	}
	if got := amountArg(big.NewInt(1500)); got != "1500" {
		t.Errorf("amountArg(1500) = %q", got)
	}
}
