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

package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBus is an in-process event bus. Listeners run synchronously in
// dispatch order; a panicking listener does not stop the others.
type MemoryBus struct {
	log *zap.Logger

	mu         sync.Mutex
	listeners  map[string][]func(context.Context, Event)
	dispatched []Event
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus(log *zap.Logger) *MemoryBus {
	return &MemoryBus{
		log:       log,
		listeners: make(map[string][]func(context.Context, Event)),
	}
}

// Subscribe registers fn for events with the given name.
func (b *MemoryBus) Subscribe(name string, fn func(context.Context, Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], fn)
}

func (b *MemoryBus) Dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	b.dispatched = append(b.dispatched, ev)
	fns := make([]func(context.Context, Event), len(b.listeners[ev.EventName()]))
	copy(fns, b.listeners[ev.EventName()])
	b.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event listener panicked",
						zap.String("event", ev.EventName()),
						zap.Any("panic", r))
				}
			}()
			fn(ctx, ev)
		}()
	}
}

// Dispatched returns a copy of all events dispatched so far.
func (b *MemoryBus) Dispatched() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.dispatched...)
}

// MemoryJobBus runs jobs on background goroutines, or inline when
// Synchronous is set (tests).
type MemoryJobBus struct {
	log         *zap.Logger
	Synchronous bool

	mu      sync.Mutex
	pending int
	wg      sync.WaitGroup
}

// NewMemoryJobBus returns an empty MemoryJobBus.
func NewMemoryJobBus(log *zap.Logger) *MemoryJobBus {
	return &MemoryJobBus{log: log}
}

func (b *MemoryJobBus) Dispatch(ctx context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()

	run := func() {
		defer func() {
			b.mu.Lock()
			b.pending--
			b.mu.Unlock()
		}()
		if err := job.Run(ctx); err != nil {
			b.log.Warn("job failed", zap.String("job", job.JobName()), zap.Error(err))
		}
	}

	if b.Synchronous {
		run()
		return nil
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				b.mu.Lock()
				b.pending--
				b.mu.Unlock()
				return
			}
		}
		run()
	}()
	return nil
}

func (b *MemoryJobBus) Pending() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending, nil
}

// Wait blocks until all asynchronously dispatched jobs have finished.
func (b *MemoryJobBus) Wait() {
	b.wg.Wait()
}
