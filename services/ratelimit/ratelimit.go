// Package ratelimit gates outbound notifications with a per-kind cooldown.
package ratelimit

import (
	"sync"
	"time"
)

// Kind is the notification category being limited.
type Kind string

const (
	SafetyShutdown   Kind = "safety_shutdown"
	TemperatureAlert Kind = "temperature_alert"
)

// Decision is the result of Allow.
type Decision struct {
	Allowed   bool
	Remaining time.Duration // time left in the window when denied
}

// Limiter holds the last-send ledger. Allow is pure (no side effects);
// MarkSent is the only writer and must be called only after a successful
// notify, so denied or failed attempts never shift the window.
type Limiter struct {
	mu       sync.Mutex
	cooldown map[Kind]time.Duration
	lastSent map[Kind]time.Time
}

func New(cooldowns map[Kind]time.Duration) *Limiter {
	cd := make(map[Kind]time.Duration, len(cooldowns))
	for k, d := range cooldowns {
		cd[k] = d
	}
	return &Limiter{
		cooldown: cd,
		lastSent: map[Kind]time.Time{},
	}
}

// Allow reports whether a notification of kind may be sent at now.
func (l *Limiter) Allow(kind Kind, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cd, ok := l.cooldown[kind]
	if !ok {
		return Decision{Allowed: true}
	}
	last, ok := l.lastSent[kind]
	if !ok {
		return Decision{Allowed: true}
	}
	elapsed := now.Sub(last)
	if elapsed >= cd {
		return Decision{Allowed: true}
	}
	return Decision{Remaining: cd - elapsed}
}

// MarkSent records a successful send. Ledger entries only move forward.
func (l *Limiter) MarkSent(kind Kind, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastSent[kind]; ok && now.Before(last) {
		return
	}
	l.lastSent[kind] = now
}
