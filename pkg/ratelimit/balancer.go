package ratelimit

import (
	"math/rand"
	"sync"

	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/log"
)

// Balancing strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
	StrategyWeighted   = "weighted"
)

// Balancer picks a route among an alias's vendor candidates. It
// implements the provider gateway's Selector.
type Balancer struct {
	strategy string
	weights  map[string]int

	mu    sync.Mutex
	rrPos map[string]int
	rng   *rand.Rand
}

// NewBalancer creates a balancer. Weights are clamped to [0,100] and
// normalized to sum to exactly 100; an all-zero weight set splits
// evenly.
func NewBalancer(strategy string, weights map[string]int) *Balancer {
	switch strategy {
	case StrategyRoundRobin, StrategyRandom, StrategyWeighted:
	default:
		if strategy != "" {
			log.WithComponent("ratelimit").Warn().
				Str("strategy", strategy).
				Msg("unknown balancing strategy, using round_robin")
		}
		strategy = StrategyRoundRobin
	}
	return &Balancer{
		strategy: strategy,
		weights:  config.NormalizeWeights(weights),
		rrPos:    map[string]int{},
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// Pick returns the index of the chosen vendor.
func (b *Balancer) Pick(alias string, vendors []string) int {
	if len(vendors) <= 1 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case StrategyRandom:
		return b.rng.Intn(len(vendors))
	case StrategyWeighted:
		return b.pickWeighted(vendors)
	default:
		pos := b.rrPos[alias]
		b.rrPos[alias] = pos + 1
		return pos % len(vendors)
	}
}

// pickWeighted draws proportionally to the normalized weights of the
// candidates. Vendors missing from the weight table weigh zero; an
// all-zero candidate set degrades to uniform.
func (b *Balancer) pickWeighted(vendors []string) int {
	weights := make([]int, len(vendors))
	total := 0
	for i, v := range vendors {
		weights[i] = b.weights[v]
		total += weights[i]
	}
	if total == 0 {
		return b.rng.Intn(len(vendors))
	}

	draw := b.rng.Intn(total)
	for i, w := range weights {
		if draw < w {
			return i
		}
		draw -= w
	}
	return len(vendors) - 1
}
