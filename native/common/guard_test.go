package common

import (
	"errors"
	"testing"
)

func TestGuard(t *testing.T) {
	if err := Guard(nil, "swap"); err != nil {
		t.Fatalf("nil view should allow: %v", err)
	}
	set := NewPauseSet(" Swap ", "")
	if err := Guard(set, "swap"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := Guard(set, "comet"); err != nil {
		t.Fatalf("comet should run: %v", err)
	}
	set.Pause("liquidation")
	if got := set.Modules(); len(got) != 2 || got[0] != "liquidation" || got[1] != "swap" {
		t.Fatalf("unexpected modules %v", got)
	}
	set.Resume("SWAP")
	if set.IsPaused("swap") {
		t.Fatalf("swap should be resumed")
	}
}
