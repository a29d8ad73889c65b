package mathx

import "testing"

func TestClampBetween(t *testing.T) {
	if got := Clamp(300, 110, 115200); got != 300 {
		t.Fatalf("Clamp in range = %d", got)
	}
	if got := Clamp(uint32(50), 110, 115200); got != 110 {
		t.Fatalf("Clamp low = %d", got)
	}
	if got := Clamp(9, 8, 4); got != 8 {
		t.Fatalf("Clamp swapped bounds = %d", got)
	}
	if !Between(uint32(9600), 110, 115200) || Between(uint32(230400), 110, 115200) {
		t.Fatal("Between mismatch")
	}
}

func TestPow2(t *testing.T) {
	for _, n := range []int{1, 2, 64, 512} {
		if !IsPow2(n) {
			t.Fatalf("IsPow2(%d) = false", n)
		}
	}
	for _, n := range []int{0, -4, 3, 100} {
		if IsPow2(n) {
			t.Fatalf("IsPow2(%d) = true", n)
		}
	}
	if got := CeilPow2(uint(100)); got != 128 {
		t.Fatalf("CeilPow2(100) = %d", got)
	}
	if got := CeilPow2(uint8(0)); got != 1 {
		t.Fatalf("CeilPow2(0) = %d", got)
	}
}

func TestRoundDiv(t *testing.T) {
	if got := RoundDiv(uint32(7), 2); got != 4 {
		t.Fatalf("RoundDiv(7,2) = %d", got)
	}
	if got := CeilDiv(uint32(10), 4); got != 3 {
		t.Fatalf("CeilDiv(10,4) = %d", got)
	}
}
