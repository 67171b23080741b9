package overlay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridfeed/config"
	"gridfeed/readings"
)

// randomSource abstracts the random number generator used by the baseline
// generator.
type randomSource interface {
	Float64() (float64, error)
	Int63() (int64, error)
}

// pseudoSource wraps math/rand to provide deterministic pseudo random
// numbers when seeded.
type pseudoSource struct {
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSource{rng: mathrand.New(src)}
}

func (s *pseudoSource) Float64() (float64, error) {
	return s.rng.Float64(), nil
}

func (s *pseudoSource) Int63() (int64, error) {
	return s.rng.Int63(), nil
}

// secureSource uses crypto/rand to provide cryptographically strong
// randomness.
type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	v, err := secureSource{}.Int63()
	if err != nil {
		return 0, err
	}
	return float64(v) / float64(math.MaxInt64), nil
}

func (secureSource) Int63() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	// Mask the sign bit to keep the value in the positive range.
	val := binary.BigEndian.Uint64(buf[:]) & math.MaxInt64
	return int64(val), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch normalized := strings.TrimSpace(strings.ToLower(source)); normalized {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

// perturb returns the baseline shifted by a random fraction within
// [-jitter, +jitter] of itself, bounded below at zero for physical
// quantities.
func perturb(src randomSource, baseline, jitter float64) (float64, error) {
	if jitter <= 0 {
		return baseline, nil
	}
	sample, err := src.Float64()
	if err != nil {
		return 0, err
	}
	value := baseline + baseline*jitter*(2*sample-1)
	if value < 0 {
		value = 0
	}
	return value, nil
}

// pickState draws one of the enumerated categorical states.
func pickState(src randomSource, states []string) (string, error) {
	if len(states) == 0 {
		return "", fmt.Errorf("state set must not be empty")
	}
	if len(states) == 1 {
		return states[0], nil
	}
	value, err := src.Int63()
	if err != nil {
		return "", err
	}
	return states[value%int64(len(states))], nil
}

// Generator produces a full synthetic parameter set per category on demand.
type Generator struct {
	src        randomSource
	categories map[string][]config.ParameterConfig
	order      []string
}

// NewGenerator builds a generator from the overlay configuration.
func NewGenerator(cfg config.OverlayConfig) (*Generator, error) {
	src, err := newRandomSource(cfg.Source, cfg.Seed)
	if err != nil {
		return nil, err
	}
	categories := make(map[string][]config.ParameterConfig, len(cfg.Categories))
	order := make([]string, 0, len(cfg.Categories))
	for _, category := range cfg.Categories {
		categories[category.Name] = category.Parameters
		order = append(order, category.Name)
	}
	return &Generator{src: src, categories: categories, order: order}, nil
}

// Categories lists the configured category names in declaration order.
func (g *Generator) Categories() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Generate produces a full parameter set for one category.
func (g *Generator) Generate(category string) (readings.Snapshot, error) {
	params, ok := g.categories[category]
	if !ok {
		return nil, fmt.Errorf("unknown overlay category %q", category)
	}
	snapshot := make(readings.Snapshot, len(params))
	for _, param := range params {
		if param.Categorical() {
			state, err := pickState(g.src, param.States)
			if err != nil {
				return nil, fmt.Errorf("category %s parameter %s: %w", category, param.Name, err)
			}
			snapshot[param.Name] = state
			continue
		}
		value, err := perturb(g.src, param.Baseline, param.Jitter)
		if err != nil {
			return nil, fmt.Errorf("category %s parameter %s: %w", category, param.Name, err)
		}
		snapshot[param.Name] = decimal.NewFromFloat(value).Round(3)
	}
	return snapshot, nil
}
