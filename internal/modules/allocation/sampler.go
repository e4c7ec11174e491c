package allocation

import (
	crand "crypto/rand"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler draws from a Beta(alpha, beta) distribution
type Sampler interface {
	Beta(alpha, beta float64) float64
}

type betaSampler struct {
	mu  sync.Mutex
	src rand.Source
}

// NewSampler returns a sampler seeded from the operating system's entropy source
func NewSampler() Sampler {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return &betaSampler{src: rand.NewChaCha8(seed)}
}

// NewSeededSampler returns a reproducible sampler
func NewSeededSampler(seed uint64) Sampler {
	return &betaSampler{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

func (s *betaSampler) Beta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return distuv.Beta{Alpha: alpha, Beta: beta, Src: s.src}.Rand()
}

// MeanSampler returns the posterior mean instead of a random draw
type MeanSampler struct{}

// Beta returns alpha / (alpha + beta)
func (MeanSampler) Beta(alpha, beta float64) float64 {
	return alpha / (alpha + beta)
}
