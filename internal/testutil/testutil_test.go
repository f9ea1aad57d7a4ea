package testutil

import "testing"

func TestFixturesAreDeterministic(t *testing.T) {
	t.Parallel()

	a := RandomMaps(Rand(7), 1, 2, 3, 4, 5)
	b := RandomMaps(Rand(7), 1, 2, 3, 4, 5)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs: %v vs %v", i, a.Data[i], b.Data[i])
		}
		if a.Data[i] < -1 || a.Data[i] >= 1 {
			t.Fatalf("value %d out of range: %v", i, a.Data[i])
		}
	}

	c := RandomCoords(Rand(3), 1, 2, 4, 6, 8)
	for i := 0; i < len(c.Data); i += 2 {
		if c.Data[i] < 0 || c.Data[i] > 7 || c.Data[i+1] < 0 || c.Data[i+1] > 5 {
			t.Fatalf("coordinate %d out of bounds: (%v, %v)", i/2, c.Data[i], c.Data[i+1])
		}
	}
}
