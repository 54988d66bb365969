package common

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMulDivKeepsPrecisionPastOverflow(t *testing.T) {
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	out, err := MulDiv(big, uint256.NewInt(1<<40), uint256.NewInt(1<<40))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if !out.Eq(big) {
		t.Fatalf("unexpected result %s", out.Dec())
	}
	if _, err := Mul(big, big); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestScaleDecimals(t *testing.T) {
	up, err := ScaleDecimals(uint256.NewInt(5), 6, 18)
	if err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if up.Dec() != "5000000000000" {
		t.Fatalf("unexpected scale up %s", up.Dec())
	}
	down, err := ScaleDecimals(uint256.NewInt(1_999), 3, 0)
	if err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if down.Uint64() != 1 {
		t.Fatalf("unexpected scale down %s", down.Dec())
	}
}

func TestReentrancyGuardRejectsNestedEntry(t *testing.T) {
	var guard ReentrancyGuard
	release, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}
	release()
	release2, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter after release: %v", err)
	}
	release2()
}

func TestGuardReportsPausedModule(t *testing.T) {
	if err := Guard(pauses{"locker": true}, "locker"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := Guard(pauses{}, "locker"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type pauses map[string]bool

func (p pauses) IsPaused(module string) bool { return p[module] }
