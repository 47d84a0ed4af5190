// Package names generates short, memorable session identifiers when a
// caller spawns a session without naming one explicitly.
package names

import (
	"fmt"
	"sync"
)

var adjectives = []string{
	"able", "amber", "ancient", "arid", "bold", "brave", "bright", "brisk",
	"calm", "clever", "cobalt", "coral", "crimson", "dapper", "deft", "eager",
	"early", "ember", "fleet", "fond", "frank", "gentle", "golden", "gritty",
	"honest", "humble", "jade", "keen", "kind", "lively", "lucid", "lunar",
	"mellow", "modest", "nimble", "noble", "olive", "patient", "plain", "quiet",
	"quick", "rapid", "rustic", "sage", "sharp", "silent", "solar", "spry",
	"stark", "steady", "stout", "sturdy", "subtle", "sunny", "swift", "tidy",
	"tranquil", "true", "vivid", "warm", "wise", "zesty",
}

var nouns = []string{
	"anchor", "arbor", "atlas", "badger", "basin", "beacon", "birch", "bramble",
	"canyon", "cedar", "comet", "compass", "condor", "coral", "delta", "egret",
	"falcon", "fern", "finch", "ford", "glade", "grove", "harbor", "hawk",
	"heron", "hollow", "inlet", "ivy", "kestrel", "lagoon", "lantern", "maple",
	"marsh", "meadow", "mesa", "otter", "owl", "pebble", "pine", "plateau",
	"quarry", "ridge", "river", "sable", "sparrow", "spruce", "summit", "tern",
	"thicket", "thistle", "timber", "trail", "vale", "viper", "warbler", "willow",
	"wren", "yarrow",
}

// Generator produces candidate session names. Generate() alone need not
// be unique; Next rejects collisions against a caller-supplied predicate.
type Generator struct {
	mu   sync.Mutex
	rand uint64 // xorshift64 state, seeded by New
}

// New returns a Generator. Unlike most of this package's callers, it
// does not depend on time.Now or math/rand/v2's global source so that
// sequences are reproducible across a process's lifetime for the same
// seed.
func New(seed uint64) *Generator {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Generator{rand: seed}
}

func (g *Generator) next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	x := g.rand
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	g.rand = x
	return x
}

// Generate returns a single "adjective-noun" candidate name.
func (g *Generator) Generate() string {
	x := g.next()
	adj := adjectives[x%uint64(len(adjectives))]
	noun := nouns[(x/uint64(len(adjectives)))%uint64(len(nouns))]
	return adj + "-" + noun
}

// Exists reports whether name is already taken. Implemented by callers
// against the live session set (internal/sessionmgr).
type Exists func(name string) bool

// Next generates a name unique against exists, appending "-2", "-3", ...
// on collision. It tries a handful of fresh adjective-noun pairs first
// before falling back to numeric suffixes on the first candidate, so
// that a persistently busy namespace still terminates quickly.
func (g *Generator) Next(exists Exists) string {
	var first string
	for i := 0; i < 8; i++ {
		candidate := g.Generate()
		if i == 0 {
			first = candidate
		}
		if !exists(candidate) {
			return candidate
		}
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", first, n)
		if !exists(candidate) {
			return candidate
		}
	}
}
