package dice

import (
	"math/rand"
	"time"

	"github.com/dicecast/dicecast/internal/protocol"
)

// Roller provides dice rolling functionality
type Roller struct {
	random *rand.Rand
}

// Config for dice roller
type Config struct {
	// Optional seed for testing
	Seed int64
}

// New creates a new dice roller
func New(cfg *Config) *Roller {
	var seed int64
	if cfg != nil && cfg.Seed != 0 {
		seed = cfg.Seed
	} else {
		seed = time.Now().UnixNano()
	}

	source := rand.NewSource(seed)

	return &Roller{
		random: rand.New(source),
	}
}

// Roll generates one full outcome: six dice, each in 1..6.
func (r *Roller) Roll() []int {
	values := make([]int, protocol.DiceCount)
	for i := range values {
		values[i] = r.random.Intn(6) + 1
	}
	return values
}
