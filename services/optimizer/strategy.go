package optimizer

import (
	"math"
	"math/rand/v2"
	"sync"
)

const (
	StrategyUCB1          = "ucb1"
	StrategyEpsilonGreedy = "epsilon_greedy"
)

// Strategy picks among arms that have all been pulled at least once. Arms are
// sorted by key; on equal scores the earliest arm wins.
type Strategy interface {
	Name() string
	Select(arms []Arm) string
}

type UCB1 struct {
	C float64
}

func (UCB1) Name() string { return StrategyUCB1 }

func (s UCB1) Select(arms []Arm) string {
	var total int64
	for _, a := range arms {
		total += a.Pulls
	}
	logTotal := math.Log(float64(total))

	best, bestScore := "", math.Inf(-1)
	for _, a := range arms {
		score := a.Mean() + math.Sqrt(s.C*logTotal/float64(a.Pulls))
		if score > bestScore {
			best, bestScore = a.Key, score
		}
	}
	return best
}

type EpsilonGreedy struct {
	mu      sync.Mutex
	epsilon float64
	rng     *rand.Rand
}

func NewEpsilonGreedy(epsilon float64, seed uint64) *EpsilonGreedy {
	return &EpsilonGreedy{
		epsilon: epsilon,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (*EpsilonGreedy) Name() string { return StrategyEpsilonGreedy }

func (s *EpsilonGreedy) Select(arms []Arm) string {
	s.mu.Lock()
	explore := s.rng.Float64() < s.epsilon
	pick := s.rng.IntN(len(arms))
	s.mu.Unlock()

	if explore {
		return arms[pick].Key
	}
	return greedy(arms)
}

// SetEpsilon changes the exploration rate, e.g. after a config reload.
func (s *EpsilonGreedy) SetEpsilon(epsilon float64) {
	s.mu.Lock()
	s.epsilon = epsilon
	s.mu.Unlock()
}

func greedy(arms []Arm) string {
	best, bestMean := "", math.Inf(-1)
	for _, a := range arms {
		if m := a.Mean(); m > bestMean {
			best, bestMean = a.Key, m
		}
	}
	return best
}
