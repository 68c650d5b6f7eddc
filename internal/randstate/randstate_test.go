package randstate

import "testing"

func TestFloat64InUnitRange(t *testing.T) {
	s := New()
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64() = %v, want [0,1)", v)
		}
	}
}

func TestIndependentStatesDiverge(t *testing.T) {
	a := New()
	b := New()
	same := true
	for i := 0; i < 8; i++ {
		if a.Uint32() != b.Uint32() {
			same = false
			break
		}
	}
	if same {
		t.Fatal("two independently-seeded states produced identical sequences")
	}
}
