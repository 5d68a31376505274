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

package testutil

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"nstack.dev/nstack/pkg/netcore"
)

// FakeNode is the view of a single simulated node the network needs: its
// timer queue (which doubles as its clock) and its frame outbox.
type FakeNode[TID comparable, Meta any] interface {
	TimerCtx() *FakeTimerCtx[TID]
	FrameCtx() *FakeFrameCtx[Meta]
}

// Delivery describes one recipient of a sent frame, as resolved by a
// network's link function.
type Delivery[CtxID comparable, Meta any] struct {
	// To is the receiving node.
	To CtxID

	// Meta is the receive-side metadata handed to the frame handler.
	Meta Meta

	// Latency is how long the frame is in flight. Zero means delivery at
	// the current instant (on the next step).
	Latency time.Duration
}

// NetworkNode names one node of a FakeNetwork. Nodes are processed in the
// order given, keeping runs reproducible.
type NetworkNode[CtxID comparable, C any] struct {
	ID  CtxID
	Ctx C
}

// pendingFrame is an in-flight frame awaiting delivery.
type pendingFrame[CtxID comparable, Meta any] struct {
	deliverAt netcore.MonotonicTime
	seq       uint64
	to        CtxID
	meta      Meta
	payload   []byte
}

// StepResult reports what one network step did.
type StepResult struct {
	FramesDelivered int
	TimersFired     int
}

// IsIdle reports whether the step found no work, the network's quiescence
// signal.
func (r StepResult) IsIdle() bool {
	return r.FramesDelivered == 0 && r.TimersFired == 0
}

func (r *StepResult) accumulate(o StepResult) {
	r.FramesDelivered += o.FramesDelivered
	r.TimersFired += o.TimersFired
}

// FakeNetwork composes several complete per-node contexts into a discrete
// event simulation: nodes exchange frames through a caller-supplied link
// function and advance a shared logical clock in lockstep.
type FakeNetwork[CtxID comparable, TID comparable, Meta any, C FakeNode[TID, Meta]] struct {
	order []CtxID
	nodes map[CtxID]C

	links       func(from CtxID, meta Meta) []Delivery[CtxID, Meta]
	handleFrame func(id CtxID, ctx C, meta Meta, payload []byte)
	handleTimer func(id CtxID, ctx C, timer TID)

	pending *btree.BTreeG[pendingFrame[CtxID, Meta]]
	seq     uint64
	now     netcore.MonotonicTime
}

// NewFakeNetwork creates a network over the given nodes. Every node must
// start with zero pending timers so that all nodes' clocks can be forced
// into lockstep; violating that is a programmer error and panics.
//
// links resolves a sent frame's metadata to its recipients. handleFrame and
// handleTimer are the per-node entry points for inbound frames and fired
// timers, typically thin wrappers around a protocol engine's
// receive-packet and handle-timer operations.
func NewFakeNetwork[CtxID comparable, TID comparable, Meta any, C FakeNode[TID, Meta]](
	nodes []NetworkNode[CtxID, C],
	links func(from CtxID, meta Meta) []Delivery[CtxID, Meta],
	handleFrame func(id CtxID, ctx C, meta Meta, payload []byte),
	handleTimer func(id CtxID, ctx C, timer TID),
) *FakeNetwork[CtxID, TID, Meta, C] {
	n := &FakeNetwork[CtxID, TID, Meta, C]{
		nodes:       make(map[CtxID]C, len(nodes)),
		links:       links,
		handleFrame: handleFrame,
		handleTimer: handleTimer,
		pending: btree.NewG(2, func(a, b pendingFrame[CtxID, Meta]) bool {
			if a.deliverAt != b.deliverAt {
				return a.deliverAt.Before(b.deliverAt)
			}
			return a.seq < b.seq
		}),
	}
	for _, node := range nodes {
		if _, ok := n.nodes[node.ID]; ok {
			panic(fmt.Sprintf("duplicate node id %v", node.ID))
		}
		if pending := node.Ctx.TimerCtx().PendingTimers(); pending != 0 {
			panic(fmt.Sprintf("node %v constructed with %d pending timers, want 0", node.ID, pending))
		}
		n.order = append(n.order, node.ID)
		n.nodes[node.ID] = node.Ctx
	}
	return n
}

// Ctx returns the context of the named node.
func (n *FakeNetwork[CtxID, TID, Meta, C]) Ctx(id CtxID) C {
	ctx, ok := n.nodes[id]
	if !ok {
		panic(fmt.Sprintf("unknown node id %v", id))
	}
	return ctx
}

// Now returns the network's logical clock. It never moves backward.
func (n *FakeNetwork[CtxID, TID, Meta, C]) Now() netcore.MonotonicTime {
	return n.now
}

// Step runs a single discrete event step: collect outbound frames, advance
// the shared clock to the next event, deliver due frames, then fire due
// timers. An idle result means no event existed.
func (n *FakeNetwork[CtxID, TID, Meta, C]) Step() StepResult {
	// Collect every node's outbound frames into the in-flight queue.
	for _, id := range n.order {
		for _, frame := range n.nodes[id].FrameCtx().TakeFrames() {
			for _, delivery := range n.links(id, frame.Meta) {
				n.pending.ReplaceOrInsert(pendingFrame[CtxID, Meta]{
					deliverAt: n.now.Add(delivery.Latency),
					seq:       n.seq,
					to:        delivery.To,
					meta:      delivery.Meta,
					payload:   frame.Payload,
				})
				n.seq++
			}
		}
	}

	next, ok := n.nextEventInstant()
	if !ok {
		return StepResult{}
	}
	// The clock never moves backward, even for an event that was due in
	// the past.
	if next.Before(n.now) {
		next = n.now
	}

	// All nodes share one clock value after each step.
	n.now = next
	for _, id := range n.order {
		n.nodes[id].TimerCtx().AdvanceTo(next)
	}

	var result StepResult
	for {
		frame, ok := n.pending.Min()
		if !ok || frame.deliverAt.After(next) {
			break
		}
		n.pending.DeleteMin()
		n.handleFrame(frame.to, n.nodes[frame.to], frame.meta, frame.payload)
		result.FramesDelivered++
	}

	// Collect each node's due timers fully before invoking any handler, so
	// a handler that reschedules for "now" cannot run in the same step.
	for _, id := range n.order {
		for _, timer := range n.nodes[id].TimerCtx().PopDueTimers(next) {
			n.handleTimer(id, n.nodes[id], timer)
			result.TimersFired++
		}
	}
	return result
}

func (n *FakeNetwork[CtxID, TID, Meta, C]) nextEventInstant() (netcore.MonotonicTime, bool) {
	var next netcore.MonotonicTime
	ok := false
	if frame, found := n.pending.Min(); found {
		next, ok = frame.deliverAt, true
	}
	for _, id := range n.order {
		if t, found := n.nodes[id].TimerCtx().NextTimerInstant(); found {
			if !ok || t.Before(next) {
				next, ok = t, true
			}
		}
	}
	return next, ok
}

// RunUntilIdle steps the network until a step finds no work, returning the
// accumulated counts. It fails with an error after maxSteps, turning a
// runaway schedule into a test failure rather than a hang.
func (n *FakeNetwork[CtxID, TID, Meta, C]) RunUntilIdle(maxSteps int) (StepResult, error) {
	var total StepResult
	for i := 0; i < maxSteps; i++ {
		result := n.Step()
		if result.IsIdle() {
			return total, nil
		}
		total.accumulate(result)
	}
	return total, fmt.Errorf("network not idle after %d steps (%d frames, %d timers so far)", maxSteps, total.FramesDelivered, total.TimersFired)
}
