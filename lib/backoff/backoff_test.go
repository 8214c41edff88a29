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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDecorr(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	base := 20 * time.Millisecond
	cap := 200 * time.Millisecond
	slack := 50 * time.Millisecond // measure advances the clock in 5ms steps
	backoff := Decorr(base, cap, clock)

	// Check exponential bounds.
	for max := 3 * base; max < cap; max = 3 * max {
		dur, err := measure(ctx, clock, func() error { return backoff.Do(ctx) })
		require.NoError(t, err)
		require.GreaterOrEqual(t, dur, base)
		require.LessOrEqual(t, dur, max+slack)
	}

	// Check that exponential growth threshold.
	for i := 0; i < 2; i++ {
		dur, err := measure(ctx, clock, func() error { return backoff.Do(ctx) })
		require.NoError(t, err)
		require.GreaterOrEqual(t, dur, base)
		require.LessOrEqual(t, dur, cap+slack)
	}
}

func TestDecorrNextStaysInBounds(t *testing.T) {
	t.Parallel()
	base := time.Second
	cap := time.Minute
	backoff := Decorr(base, cap, clockwork.NewFakeClock())

	prev := base
	for i := 0; i < 100; i++ {
		next := backoff.Next()
		require.GreaterOrEqual(t, next, base)
		require.LessOrEqual(t, next, cap)
		require.LessOrEqual(t, next, 3*prev)
		prev = next
	}

	backoff.Reset()
	require.LessOrEqual(t, backoff.Next(), 3*base)
}

func TestDecorrCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backoff := Decorr(time.Hour, time.Hour, clockwork.NewFakeClock())
	require.ErrorIs(t, backoff.Do(ctx), context.Canceled)
}
