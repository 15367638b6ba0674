package game

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"sync"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000.00

	FALLBACK_MIN = 1.0
	FALLBACK_MAX = 10.0
)

// MultiplierBand is one segment of the piecewise-weighted crash distribution.
type MultiplierBand struct {
	MinMultiplier float64 `json:"minMultiplier"`
	MaxMultiplier float64 `json:"maxMultiplier"`
	Probability   float64 `json:"probability"`
}

// MultiplierConfig is loaded once from disk at startup; band probabilities
// are expected to sum to 1.
type MultiplierConfig struct {
	Bands []MultiplierBand `json:"bands"`
}

// MultiplierGenerator draws crash multipliers by inverse-CDF over the
// configured bands, uniform within the selected band. With no config it
// falls back to uniform [1.0, 10.0).
type MultiplierGenerator struct {
	mu     sync.Mutex
	config *MultiplierConfig
	rng    *rand.Rand
}

func NewMultiplierGenerator(config *MultiplierConfig) *MultiplierGenerator {
	return &MultiplierGenerator{
		config: config,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeededMultiplierGenerator fixes the RNG seed. Tests only.
func NewSeededMultiplierGenerator(config *MultiplierConfig, seed uint64) *MultiplierGenerator {
	return &MultiplierGenerator{
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed)),
	}
}

// LoadMultiplierConfig reads the weighted-band file. A missing file is not
// an error: the generator runs on the uniform fallback.
func LoadMultiplierConfig(path string) (*MultiplierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[MULTIPLIER] Config %s not found, using uniform fallback", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read multiplier config: %w", err)
	}

	var cfg MultiplierConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse multiplier config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Printf("[MULTIPLIER] Loaded %d bands from %s", len(cfg.Bands), path)
	return &cfg, nil
}

func (c *MultiplierConfig) validate() error {
	if len(c.Bands) == 0 {
		return fmt.Errorf("multiplier config has no bands")
	}
	sum := 0.0
	for i, b := range c.Bands {
		if b.MinMultiplier < MIN_MULTIPLIER {
			return fmt.Errorf("band %d: minMultiplier %.2f below %.2f", i, b.MinMultiplier, MIN_MULTIPLIER)
		}
		if b.MaxMultiplier <= b.MinMultiplier {
			return fmt.Errorf("band %d: maxMultiplier %.2f not above minMultiplier %.2f", i, b.MaxMultiplier, b.MinMultiplier)
		}
		if b.Probability < 0 {
			return fmt.Errorf("band %d: negative probability", i)
		}
		sum += b.Probability
	}
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("band probabilities sum to %.4f, want 1.0", sum)
	}
	return nil
}

// Config returns the loaded band config, or nil when running on the fallback.
func (g *MultiplierGenerator) Config() *MultiplierConfig {
	return g.config
}

// Draw selects a band by inverse-CDF on a uniform u in [0,1), then draws
// uniformly within [min, max). If floating error leaves u beyond the
// cumulative sum, the last band wins. Results are rounded to two decimals
// and never below 1.0.
func (g *MultiplierGenerator) Draw() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.config == nil || len(g.config.Bands) == 0 {
		return roundWithin(FALLBACK_MIN+g.rng.Float64()*(FALLBACK_MAX-FALLBACK_MIN), FALLBACK_MAX)
	}

	u := g.rng.Float64()
	band := g.config.Bands[len(g.config.Bands)-1]
	cumulative := 0.0
	for _, b := range g.config.Bands {
		cumulative += b.Probability
		if u < cumulative {
			band = b
			break
		}
	}

	value := band.MinMultiplier + g.rng.Float64()*(band.MaxMultiplier-band.MinMultiplier)
	return roundWithin(value, band.MaxMultiplier)
}

// roundWithin rounds to two decimals without letting the result escape the
// half-open band: a value that rounds up onto the bound is floored instead.
func roundWithin(v, bound float64) float64 {
	rounded := math.Round(v*100) / 100
	if rounded >= bound {
		rounded = math.Floor(v*100) / 100
	}
	if rounded < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	return rounded
}
