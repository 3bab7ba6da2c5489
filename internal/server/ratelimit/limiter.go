// Package ratelimit provides token-bucket limiting for the state API: one
// global bucket plus a lazily created bucket per state type, so a hot
// session workload cannot starve system or workflow state traffic.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

type Limiter struct {
	limiters     map[string]*rate.Limiter
	global       *rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

type Config struct {
	GlobalRPS      float64
	GlobalBurst    int
	StateTypeRPS   float64
	StateTypeBurst int
}

func DefaultConfig() Config {
	return Config{
		GlobalRPS:      2000,
		GlobalBurst:    4000,
		StateTypeRPS:   500,
		StateTypeBurst: 1000,
	}
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		global:       rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		defaultRate:  rate.Limit(cfg.StateTypeRPS),
		defaultBurst: cfg.StateTypeBurst,
	}
}

// Allow reports whether one request for the given state type may proceed.
func (l *Limiter) Allow(stateType string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.getOrCreateLimiter(stateType).Allow()
}

func (l *Limiter) getOrCreateLimiter(stateType string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[stateType]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok = l.limiters[stateType]; ok {
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[stateType] = limiter
	return limiter
}

// SetLimit overrides one state type's bucket.
func (l *Limiter) SetLimit(stateType string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[stateType] = rate.NewLimiter(rate.Limit(rps), burst)
}
