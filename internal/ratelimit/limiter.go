// Package ratelimit meters uploads, result polls and webhook deliveries with
// per-client token buckets.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Scopes name the independent buckets kept per client.
const (
	ScopeUpload  = "upload"
	ScopePoll    = "poll"
	ScopeWebhook = "webhook"
)

// Bucket refills at RequestsPerMinute up to BurstSize tokens.
type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

func (b Bucket) perSecond() float64 { return float64(b.RequestsPerMinute) / 60 }

// Request asks for Cost tokens from Subject's bucket in Scope. A batch upload
// costs one token per document.
type Request struct {
	Scope   string
	Subject string
	Cost    int
}

func (r Request) normalize(b Bucket) Request {
	r.Scope = strings.TrimSpace(r.Scope)
	if r.Scope == "" {
		r.Scope = "default"
	}
	r.Subject = strings.TrimSpace(r.Subject)
	if r.Subject == "" {
		r.Subject = "unknown"
	}
	r.Cost = max(r.Cost, 1)
	return r
}

// Decision is the outcome of a Take. Oversize is set when Cost exceeds the
// burst, so no amount of waiting would admit the request.
type Decision struct {
	Allowed    bool
	Oversize   bool
	RetryAfter time.Duration
}

func oversize(req Request, b Bucket) bool { return req.Cost > b.BurstSize }

// Limiter takes tokens for a request. Disabled buckets always allow.
type Limiter interface {
	Take(ctx context.Context, req Request, bucket Bucket) (Decision, error)
}

// retryAfter is how long until missing tokens refill, at least one second.
func retryAfter(missing, perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Minute
	}
	return time.Duration(max(1, math.Ceil(missing/perSecond))) * time.Second
}

type localState struct {
	tokens float64
	at     time.Time
}

// LocalLimiter keeps buckets in process memory. It serves single-process
// deployments that run without Redis.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localState
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: map[string]*localState{}, now: time.Now}
}

func (l *LocalLimiter) Take(ctx context.Context, req Request, bucket Bucket) (Decision, error) {
	if l == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	req = req.normalize(bucket)
	if oversize(req, bucket) {
		return Decision{Oversize: true}, nil
	}
	key := req.Scope + "\x00" + req.Subject
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.buckets[key]
	if !ok {
		st = &localState{tokens: float64(bucket.BurstSize), at: now}
		l.buckets[key] = st
	}
	if elapsed := now.Sub(st.at).Seconds(); elapsed > 0 {
		st.tokens = math.Min(float64(bucket.BurstSize), st.tokens+elapsed*bucket.perSecond())
	}
	st.at = now

	cost := float64(req.Cost)
	if st.tokens >= cost {
		st.tokens -= cost
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: retryAfter(cost-st.tokens, bucket.perSecond())}, nil
}
