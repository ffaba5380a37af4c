package keypool

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	porter "github.com/akarpov/porter/internal"
)

// Strategy picks one key from a non-empty candidate list. Candidates are
// always sorted by ID ascending, so stable ranking breaks ties toward the
// lowest ID. The request context supplies the resolved provider/model pair
// and the route priority.
type Strategy interface {
	Name() string
	Select(candidates []porter.ProviderKey, rc porter.RequestContext) porter.ProviderKey
}

// NewStrategy returns the named selection strategy. The empty name selects
// hybrid.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "hybrid":
		return &Hybrid{rr: NewRoundRobin()}, nil
	case "round_robin":
		return NewRoundRobin(), nil
	case "success_rate":
		return SuccessRate{}, nil
	case "least_used":
		return LeastUsed{}, nil
	case "weighted_random":
		return WeightedRandom{}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q: %w", name, porter.ErrConfiguration)
	}
}

// RoundRobin cycles through candidates with an independent counter per
// provider/model pair.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewRoundRobin creates a RoundRobin strategy with fresh counters.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[string]int)}
}

func (*RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(candidates []porter.ProviderKey, rc porter.RequestContext) porter.ProviderKey {
	key := rc.Provider + "/" + rc.TargetModel
	r.mu.Lock()
	n := r.counters[key]
	r.counters[key] = n + 1
	r.mu.Unlock()
	return candidates[n%len(candidates)]
}

// SuccessRate prefers the highest success rate, then the least-used key.
type SuccessRate struct{}

func (SuccessRate) Name() string { return "success_rate" }

func (SuccessRate) Select(candidates []porter.ProviderKey, _ porter.RequestContext) porter.ProviderKey {
	ranked := slices.Clone(candidates)
	slices.SortStableFunc(ranked, func(a, b porter.ProviderKey) int {
		if a.SuccessRate() != b.SuccessRate() {
			if a.SuccessRate() > b.SuccessRate() {
				return -1
			}
			return 1
		}
		return int(a.RequestsCount - b.RequestsCount)
	})
	return ranked[0]
}

// LeastUsed prefers the lowest request count, then the highest success rate.
type LeastUsed struct{}

func (LeastUsed) Name() string { return "least_used" }

func (LeastUsed) Select(candidates []porter.ProviderKey, _ porter.RequestContext) porter.ProviderKey {
	ranked := slices.Clone(candidates)
	slices.SortStableFunc(ranked, func(a, b porter.ProviderKey) int {
		if a.RequestsCount != b.RequestsCount {
			return int(a.RequestsCount - b.RequestsCount)
		}
		if a.SuccessRate() > b.SuccessRate() {
			return -1
		}
		if a.SuccessRate() < b.SuccessRate() {
			return 1
		}
		return 0
	})
	return ranked[0]
}

// WeightedRandom samples proportionally to success_rate / (requests + 1),
// favoring reliable and lightly loaded keys while keeping exploration.
type WeightedRandom struct{}

func (WeightedRandom) Name() string { return "weighted_random" }

func (WeightedRandom) Select(candidates []porter.ProviderKey, _ porter.RequestContext) porter.ProviderKey {
	weights := make([]float64, len(candidates))
	var total float64
	for i, k := range candidates {
		weights[i] = k.SuccessRate() / float64(k.RequestsCount+1)
		total += weights[i]
	}
	if total <= 0 {
		// All weights zero: every candidate is equally (un)attractive.
		return candidates[rand.IntN(len(candidates))]
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Hybrid picks a strategy from request urgency and pool shape: high-priority
// requests rank by success rate, cold pools spread load evenly, warm pools
// round-robin.
type Hybrid struct {
	rr *RoundRobin
}

func (*Hybrid) Name() string { return "hybrid" }

func (h *Hybrid) Select(candidates []porter.ProviderKey, rc porter.RequestContext) porter.ProviderKey {
	if rc.Priority > 5 {
		return SuccessRate{}.Select(candidates, rc)
	}
	var totalRequests int64
	for _, k := range candidates {
		totalRequests += k.RequestsCount
	}
	if totalRequests/int64(len(candidates)) < 10 {
		return LeastUsed{}.Select(candidates, rc)
	}
	return h.rr.Select(candidates, rc)
}
