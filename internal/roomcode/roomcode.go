package roomcode

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "civil",
	"clear", "coral", "crisp", "deep", "dusky",
	"eager", "early", "fair", "fleet", "fond",
	"glad", "grand", "green", "hardy", "keen",
	"late", "lucid", "mellow", "noble", "pale",
	"plain", "proud", "quiet", "rapid", "rare",
	"ripe", "royal", "sage", "sharp", "sleek",
	"solid", "spry", "stout", "swift", "tidy",
	"trim", "vivid", "warm", "wide", "wild",
}

var nouns = []string{
	"anchor", "basin", "beacon", "bridge", "brook",
	"canyon", "cedar", "cliff", "comet", "cove",
	"delta", "dune", "ember", "fjord", "gale",
	"glade", "grove", "harbor", "inlet", "isle",
	"knoll", "lagoon", "ledge", "marsh", "meadow",
	"mesa", "oasis", "orbit", "pier", "pine",
	"quarry", "reef", "ridge", "shoal", "shore",
	"spire", "summit", "thicket", "tide", "trail",
	"vale", "vista", "wharf", "willow", "zenith",
}

var rng *rand.Rand

func init() {
	rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Generate creates a memorable room code in adjective-noun-NN format.
func Generate() string {
	adj := adjectives[rng.Intn(len(adjectives))]
	noun := nouns[rng.Intn(len(nouns))]
	num := rng.Intn(100)
	return fmt.Sprintf("%s-%s-%02d", adj, noun, num)
}

// Normalize ensures consistent formatting (lowercase, trimmed).
func Normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Validate checks whether a room code has the expected shape.
func Validate(code string) bool {
	parts := strings.Split(code, "-")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
