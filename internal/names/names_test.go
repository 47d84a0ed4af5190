package names

import "testing"

func TestGenerateFormat(t *testing.T) {
	g := New(42)
	name := g.Generate()
	if name == "" {
		t.Fatal("Generate returned empty string")
	}
	found := false
	for i, c := range name {
		if c == '-' {
			found = true
			if i == 0 || i == len(name)-1 {
				t.Errorf("dash should not be at either end: %q", name)
			}
			break
		}
	}
	if !found {
		t.Errorf("expected an adjective-noun name with a dash, got %q", name)
	}
}

func TestGenerateIsDeterministicForSameSeed(t *testing.T) {
	a := New(123).Generate()
	b := New(123).Generate()
	if a != b {
		t.Errorf("same seed should produce same first candidate: %q vs %q", a, b)
	}
}

func TestNextAvoidsCollisions(t *testing.T) {
	g := New(7)
	taken := map[string]bool{}
	for i := 0; i < 20; i++ {
		name := g.Next(func(n string) bool { return taken[n] })
		if taken[name] {
			t.Fatalf("Next returned a name already taken: %q", name)
		}
		taken[name] = true
	}
}

func TestNextFallsBackToNumericSuffix(t *testing.T) {
	g := New(1)
	first := g.Generate()
	g2 := New(1)
	calls := 0
	name := g2.Next(func(n string) bool {
		calls++
		return calls <= 10 // taken long enough to exhaust the fresh-candidate loop
	})
	if name == first {
		t.Errorf("Next should not return an already-taken name")
	}
}
