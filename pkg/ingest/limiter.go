/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActorLimiter rate-limits uploads per actor id: maxAttempts tokens
// replenishing over the decay window.
type ActorLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewActorLimiter allows maxAttempts uploads per actor per decay
// window. A non-positive maxAttempts disables limiting (Allow always
// true).
func NewActorLimiter(maxAttempts int, decay time.Duration) *ActorLimiter {
	if maxAttempts <= 0 {
		return nil
	}
	if decay <= 0 {
		decay = time.Minute
	}
	return &ActorLimiter{
		limit:    rate.Limit(float64(maxAttempts) / decay.Seconds()),
		burst:    maxAttempts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether actorID may upload now.
func (l *ActorLimiter) Allow(actorID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
