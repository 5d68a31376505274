// Copyright 2024 The NStack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netcore

import (
	"math/rand"
	"time"
)

// InstantContext is a context that provides access to a monotonic clock.
type InstantContext interface {
	// Now returns the current instant. It has no side effects and is
	// non-decreasing across calls on one context.
	Now() MonotonicTime
}

// TimerContext is a context that supports scheduling timers keyed by an
// opaque, protocol-specific identifier type.
//
// Timers never fire in the past: an implementation fires a timer scheduled
// for an instant at or before "now" on the next pass of its event loop, not
// synchronously from within the schedule call.
type TimerContext[ID comparable] interface {
	InstantContext

	// ScheduleTimerInstant schedules a timer to fire at the given instant,
	// overwriting any timer with the same id. It returns the previously
	// scheduled instant for id, if there was one.
	ScheduleTimerInstant(t MonotonicTime, id ID) (MonotonicTime, bool)

	// ScheduleTimer is ScheduleTimerInstant at Now()+d. Overflow of the
	// resulting instant is a caller contract violation and panics.
	ScheduleTimer(d time.Duration, id ID) (MonotonicTime, bool)

	// CancelTimer unschedules the timer with the given id, returning the
	// instant it was scheduled for. Cancelling an unscheduled id is a no-op.
	CancelTimer(id ID) (MonotonicTime, bool)

	// CancelTimersWith unschedules every timer whose id satisfies the
	// predicate.
	CancelTimersWith(pred func(ID) bool)

	// ScheduledInstant returns the instant the timer with the given id will
	// fire at, if it is scheduled. It has no side effects.
	ScheduledInstant(id ID) (MonotonicTime, bool)
}

// ScheduleTimer implements the TimerContext.ScheduleTimer contract in terms
// of ScheduleTimerInstant. Concrete contexts embed this by calling it.
func ScheduleTimer[ID comparable](ctx TimerContext[ID], d time.Duration, id ID) (MonotonicTime, bool) {
	t, ok := ctx.Now().AddChecked(d)
	if !ok {
		panic("netcore: timer instant overflow")
	}
	return ctx.ScheduleTimerInstant(t, id)
}

// RandContext is a context that provides a source of randomness.
type RandContext interface {
	// Rand returns the context's random number generator. Production
	// dispatchers seed it from a cryptographically secure source; the test
	// harness uses a fixed seed for reproducibility.
	Rand() *rand.Rand
}

// FrameContext is a context that can emit frames with addressing metadata.
type FrameContext[Meta any] interface {
	// SendFrame hands a serialized frame to the egress path. A nil return
	// means the frame was accepted for transmission, not that it was
	// delivered. On failure the caller still owns the payload and may retry
	// without re-serializing.
	SendFrame(meta Meta, payload []byte) error
}

// FrameHandler is the receive dual of FrameContext.
type FrameHandler[Meta any] interface {
	// HandleFrame processes one inbound frame.
	HandleFrame(meta Meta, payload []byte)
}

// CounterContext is a context that counts named diagnostic events. The
// no-op implementation must be elidable with zero cost.
type CounterContext interface {
	IncrementCounter(name string)
}
