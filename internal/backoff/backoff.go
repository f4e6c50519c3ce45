// Package backoff computes the delay before a failed conversion task or a
// result webhook is retried.
package backoff

import (
	"math/rand"
	"time"
)

const (
	PolicyFixed          = "fixed"
	PolicyLinear         = "linear"
	PolicyExponential    = "exponential"
	PolicyExpEqualJitter = "exp_equal_jitter"
	PolicyExpFullJitter  = "exp_full_jitter"
)

// maxShift bounds the exponent so base<<attempts cannot overflow.
const maxShift = 30

var policies = map[string]bool{
	PolicyFixed:          true,
	PolicyLinear:         true,
	PolicyExponential:    true,
	PolicyExpEqualJitter: true,
	PolicyExpFullJitter:  true,
}

// Valid reports whether name is a known policy.
func Valid(name string) bool { return policies[name] }

// Policy is a retry schedule. Unknown names behave as exp_full_jitter.
type Policy struct {
	Name        string
	BaseSeconds int
	MaxSeconds  int
}

// Seconds is the delay after attempts failures. attempts below zero count as zero.
// A nil rng uses a fixed seed.
func (p Policy) Seconds(attempts int, rng *rand.Rand) int {
	base, ceiling := p.BaseSeconds, p.MaxSeconds
	if base <= 0 {
		base = 1
	}
	if ceiling <= 0 {
		ceiling = base
	}
	attempts = max(attempts, 0)

	switch p.Name {
	case PolicyFixed:
		return min(base, ceiling)
	case PolicyLinear:
		return min(base*max(1, attempts), ceiling)
	}

	top := exponential(base, attempts, ceiling)
	switch p.Name {
	case PolicyExponential:
		return top
	case PolicyExpEqualJitter:
		return top/2 + intn(rng, top/2+1)
	}
	if top <= 0 {
		return 0
	}
	return intn(rng, top+1)
}

// Delay is Seconds as a time.Duration.
func (p Policy) Delay(attempts int, rng *rand.Rand) time.Duration {
	return time.Duration(p.Seconds(attempts, rng)) * time.Second
}

// Compute is Policy{policy, base, max}.Seconds(attempts, rng).
func Compute(policy string, baseSeconds int, maxSeconds int, attempts int, rng *rand.Rand) int {
	return Policy{Name: policy, BaseSeconds: baseSeconds, MaxSeconds: maxSeconds}.Seconds(attempts, rng)
}

func exponential(base, attempts, ceiling int) int {
	if attempts > maxShift {
		return ceiling
	}
	return min(base<<attempts, ceiling)
}

func intn(rng *rand.Rand, n int) int {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return rng.Intn(n)
}
