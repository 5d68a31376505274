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

// Package testutil provides deterministic, in-memory implementations of the
// execution-context capabilities, plus a multi-node network simulator. The
// protocol engines are tested exclusively against this package; no test
// touches a real clock or socket.
package testutil

import (
	"container/heap"
	"fmt"
	"math/rand"
	"time"

	"nstack.dev/nstack/pkg/netcore"
)

// timerEntry is one scheduled timer in a FakeTimerCtx.
type timerEntry[ID comparable] struct {
	instant netcore.MonotonicTime
	id      ID
}

// timerHeap is a min-heap of timer entries ordered by instant. Duplicate
// instants are legal; each entry pops independently.
type timerHeap[ID comparable] []timerEntry[ID]

var _ heap.Interface = (*timerHeap[int])(nil)

func (h timerHeap[ID]) Len() int { return len(h) }

func (h timerHeap[ID]) Less(i, j int) bool { return h[i].instant.Before(h[j].instant) }

func (h timerHeap[ID]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap[ID]) Push(x any) { *h = append(*h, x.(timerEntry[ID])) }

func (h *timerHeap[ID]) Pop() any {
	last := (*h)[len(*h)-1]
	*h = (*h)[:len(*h)-1]
	return last
}

// FakeTimerCtx implements netcore.TimerContext over a manually advanced
// clock and a binary-heap timer queue. Cancellation is a linear scan, which
// is fine for a test harness.
type FakeTimerCtx[ID comparable] struct {
	now    netcore.MonotonicTime
	timers timerHeap[ID]
}

var _ netcore.TimerContext[int] = (*FakeTimerCtx[int])(nil)

// NewFakeTimerCtx creates a FakeTimerCtx whose clock starts at the epoch
// with no timers scheduled.
func NewFakeTimerCtx[ID comparable]() *FakeTimerCtx[ID] {
	return &FakeTimerCtx[ID]{}
}

// Now implements netcore.InstantContext.
func (c *FakeTimerCtx[ID]) Now() netcore.MonotonicTime {
	return c.now
}

// AdvanceTo moves the clock forward to t. Moving it backward panics; the
// clock is monotonic by contract.
func (c *FakeTimerCtx[ID]) AdvanceTo(t netcore.MonotonicTime) {
	if t.Before(c.now) {
		panic(fmt.Sprintf("fake clock moved backward: now=%s, target=%s", c.now, t))
	}
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeTimerCtx[ID]) Advance(d time.Duration) {
	if d < 0 {
		panic(fmt.Sprintf("fake clock moved backward by %s", d))
	}
	c.now = c.now.Add(d)
}

// ScheduleTimerInstant implements netcore.TimerContext.
func (c *FakeTimerCtx[ID]) ScheduleTimerInstant(t netcore.MonotonicTime, id ID) (netcore.MonotonicTime, bool) {
	prev, hadPrev := c.CancelTimer(id)
	heap.Push(&c.timers, timerEntry[ID]{instant: t, id: id})
	return prev, hadPrev
}

// ScheduleTimer implements netcore.TimerContext.
func (c *FakeTimerCtx[ID]) ScheduleTimer(d time.Duration, id ID) (netcore.MonotonicTime, bool) {
	return netcore.ScheduleTimer[ID](c, d, id)
}

// CancelTimer implements netcore.TimerContext.
func (c *FakeTimerCtx[ID]) CancelTimer(id ID) (netcore.MonotonicTime, bool) {
	for i, e := range c.timers {
		if e.id == id {
			heap.Remove(&c.timers, i)
			return e.instant, true
		}
	}
	return netcore.MonotonicTime{}, false
}

// CancelTimersWith implements netcore.TimerContext.
func (c *FakeTimerCtx[ID]) CancelTimersWith(pred func(ID) bool) {
	kept := c.timers[:0]
	for _, e := range c.timers {
		if !pred(e.id) {
			kept = append(kept, e)
		}
	}
	c.timers = kept
	heap.Init(&c.timers)
}

// ScheduledInstant implements netcore.TimerContext.
func (c *FakeTimerCtx[ID]) ScheduledInstant(id ID) (netcore.MonotonicTime, bool) {
	for _, e := range c.timers {
		if e.id == id {
			return e.instant, true
		}
	}
	return netcore.MonotonicTime{}, false
}

// PendingTimers returns the number of scheduled timers.
func (c *FakeTimerCtx[ID]) PendingTimers() int {
	return len(c.timers)
}

// NextTimerInstant returns the earliest scheduled instant, if any timer is
// scheduled.
func (c *FakeTimerCtx[ID]) NextTimerInstant() (netcore.MonotonicTime, bool) {
	if len(c.timers) == 0 {
		return netcore.MonotonicTime{}, false
	}
	return c.timers[0].instant, true
}

// PopDueTimers removes and returns, in non-decreasing instant order, the ids
// of every timer scheduled at or before t. Callers collect the returned ids
// fully before invoking any handler, so a handler that reschedules a timer
// for "now" is picked up on a later pass, not the current one.
func (c *FakeTimerCtx[ID]) PopDueTimers(t netcore.MonotonicTime) []ID {
	var due []ID
	for len(c.timers) > 0 && !c.timers[0].instant.After(t) {
		due = append(due, heap.Pop(&c.timers).(timerEntry[ID]).id)
	}
	return due
}

// TriggerTimersUntil advances the clock to t and invokes handle for each due
// timer in firing order, returning the number fired. Single-context tests
// use this in place of a full FakeNetwork.
func (c *FakeTimerCtx[ID]) TriggerTimersUntil(t netcore.MonotonicTime, handle func(ID)) int {
	c.AdvanceTo(t)
	due := c.PopDueTimers(t)
	for _, id := range due {
		handle(id)
	}
	return len(due)
}

// SentFrame is one frame captured by a FakeFrameCtx.
type SentFrame[Meta any] struct {
	Meta    Meta
	Payload []byte
}

// FakeFrameCtx implements netcore.FrameContext by buffering sent frames in
// order. A predicate can be injected to simulate send failures
// deterministically.
type FakeFrameCtx[Meta any] struct {
	frames   []SentFrame[Meta]
	failFor  func(Meta) bool
	sendErrs int
}

var _ netcore.FrameContext[int] = (*FakeFrameCtx[int])(nil)

// SendFrame implements netcore.FrameContext.
func (c *FakeFrameCtx[Meta]) SendFrame(meta Meta, payload []byte) error {
	if c.failFor != nil && c.failFor(meta) {
		c.sendErrs++
		return fmt.Errorf("injected send failure for %+v", meta)
	}
	c.frames = append(c.frames, SentFrame[Meta]{
		Meta:    meta,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// SetSendShouldFail injects a failure predicate; frames whose metadata
// satisfies it are rejected instead of buffered. Pass nil to clear.
func (c *FakeFrameCtx[Meta]) SetSendShouldFail(pred func(Meta) bool) {
	c.failFor = pred
}

// Frames returns the captured frames without draining them.
func (c *FakeFrameCtx[Meta]) Frames() []SentFrame[Meta] {
	return c.frames
}

// TakeFrames drains and returns the captured frames.
func (c *FakeFrameCtx[Meta]) TakeFrames() []SentFrame[Meta] {
	frames := c.frames
	c.frames = nil
	return frames
}

// SendErrors returns how many sends the injected predicate rejected.
func (c *FakeFrameCtx[Meta]) SendErrors() int {
	return c.sendErrs
}

// FakeCounterCtx implements netcore.CounterContext in a map.
type FakeCounterCtx struct {
	counters map[string]uint64
}

var _ netcore.CounterContext = (*FakeCounterCtx)(nil)

// IncrementCounter implements netcore.CounterContext.
func (c *FakeCounterCtx) IncrementCounter(name string) {
	if c.counters == nil {
		c.counters = make(map[string]uint64)
	}
	c.counters[name]++
}

// Counter returns the current value of the named counter.
func (c *FakeCounterCtx) Counter(name string) uint64 {
	return c.counters[name]
}

// FakeCoreCtx bundles the timer, frame, counter and randomness fakes that a
// protocol test context embeds. It satisfies the generic capability
// interfaces; the per-protocol hooks (state access, notifications) are
// supplied by the embedding test type.
type FakeCoreCtx[ID comparable, Meta any] struct {
	*FakeTimerCtx[ID]
	FakeFrameCtx[Meta]
	FakeCounterCtx

	rand *rand.Rand
}

// NewFakeCoreCtx creates a FakeCoreCtx with a clock at the epoch, no timers,
// and an RNG with the given seed.
func NewFakeCoreCtx[ID comparable, Meta any](seed int64) *FakeCoreCtx[ID, Meta] {
	return &FakeCoreCtx[ID, Meta]{
		FakeTimerCtx: NewFakeTimerCtx[ID](),
		rand:         rand.New(rand.NewSource(seed)),
	}
}

// Rand implements netcore.RandContext.
func (c *FakeCoreCtx[ID, Meta]) Rand() *rand.Rand {
	return c.rand
}

// TimerCtx returns the embedded timer context. Part of the FakeNode
// interface used by FakeNetwork.
func (c *FakeCoreCtx[ID, Meta]) TimerCtx() *FakeTimerCtx[ID] {
	return c.FakeTimerCtx
}

// FrameCtx returns the embedded frame context. Part of the FakeNode
// interface used by FakeNetwork.
func (c *FakeCoreCtx[ID, Meta]) FrameCtx() *FakeFrameCtx[Meta] {
	return &c.FakeFrameCtx
}
