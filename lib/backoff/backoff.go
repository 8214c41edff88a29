/*
Copyright 2024 Gravitational, Inc.

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

package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Backoff waits between attempts of something that keeps failing.
type Backoff interface {
	// Do blocks for the next delay or until ctx is done.
	Do(ctx context.Context) error
	// Next returns the next delay without waiting.
	Next() time.Duration
	// Reset starts over from the base delay.
	Reset()
}

type decorr struct {
	base  int64
	cap   int64
	clock clockwork.Clock

	mu    sync.Mutex
	sleep int64
}

// Decorr is a "decorrelated jitter" backoff: every delay is picked at random
// between base and three times the previous delay, and never exceeds cap.
func Decorr(base, cap time.Duration, clock clockwork.Clock) Backoff {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cap < base {
		cap = base
	}
	return &decorr{
		base:  int64(base),
		cap:   int64(cap),
		clock: clock,
		sleep: int64(base),
	}
}

func (b *decorr) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	upper := b.sleep * 3
	if upper > b.cap {
		upper = b.cap
	}
	sleep := b.base
	if upper > b.base {
		sleep += rand.Int63n(upper - b.base)
	}
	b.sleep = sleep
	return time.Duration(sleep)
}

func (b *decorr) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sleep = b.base
}

func (b *decorr) Do(ctx context.Context) error {
	timer := b.clock.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
