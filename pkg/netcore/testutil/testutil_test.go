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

package testutil_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nstack.dev/nstack/pkg/netcore"
	"nstack.dev/nstack/pkg/netcore/testutil"
)

func TestFakeTimerCtxScheduleOverwrites(t *testing.T) {
	c := testutil.NewFakeTimerCtx[string]()

	if _, had := c.ScheduleTimer(time.Second, "a"); had {
		t.Error("got previous instant for first schedule, want none")
	}
	prev, had := c.ScheduleTimer(2*time.Second, "a")
	if !had {
		t.Fatal("got no previous instant for overwrite, want one")
	}
	if want := (netcore.MonotonicTime{}).Add(time.Second); prev != want {
		t.Errorf("got previous instant = %s, want = %s", prev, want)
	}
	if got := c.PendingTimers(); got != 1 {
		t.Errorf("got PendingTimers() = %d, want = 1", got)
	}
	if at, ok := c.ScheduledInstant("a"); !ok || at != (netcore.MonotonicTime{}.Add(2*time.Second)) {
		t.Errorf("got ScheduledInstant(a) = %s, %t, want = %s, true", at, ok, netcore.MonotonicTime{}.Add(2*time.Second))
	}
}

func TestFakeTimerCtxCancel(t *testing.T) {
	c := testutil.NewFakeTimerCtx[string]()

	if _, had := c.CancelTimer("missing"); had {
		t.Error("got CancelTimer(missing) = true, want false")
	}

	c.ScheduleTimer(time.Second, "a")
	c.ScheduleTimer(2*time.Second, "b")
	c.ScheduleTimer(3*time.Second, "c")
	c.CancelTimersWith(func(id string) bool { return id != "b" })
	if got := c.PendingTimers(); got != 1 {
		t.Fatalf("got PendingTimers() = %d, want = 1", got)
	}
	if _, ok := c.ScheduledInstant("b"); !ok {
		t.Error("got ScheduledInstant(b) scheduled = false, want = true")
	}
}

func TestFakeTimerCtxPopOrder(t *testing.T) {
	c := testutil.NewFakeTimerCtx[int]()
	c.ScheduleTimer(3*time.Second, 3)
	c.ScheduleTimer(time.Second, 1)
	c.ScheduleTimer(2*time.Second, 2)
	c.ScheduleTimer(10*time.Second, 10)

	c.AdvanceTo(netcore.MonotonicTime{}.Add(5 * time.Second))
	got := c.PopDueTimers(c.Now())
	if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
		t.Errorf("due timers mismatch (-want +got):\n%s", diff)
	}
	if got := c.PendingTimers(); got != 1 {
		t.Errorf("got PendingTimers() = %d, want = 1", got)
	}
}

func TestFakeFrameCtxFailureInjection(t *testing.T) {
	var c testutil.FakeFrameCtx[string]
	c.SetSendShouldFail(func(meta string) bool { return meta == "bad" })

	if err := c.SendFrame("good", []byte{1}); err != nil {
		t.Fatalf("SendFrame(good): %s", err)
	}
	if err := c.SendFrame("bad", []byte{2}); err == nil {
		t.Fatal("got SendFrame(bad) = nil, want error")
	}
	if got := c.SendErrors(); got != 1 {
		t.Errorf("got SendErrors() = %d, want = 1", got)
	}
	frames := c.TakeFrames()
	if len(frames) != 1 || frames[0].Meta != "good" {
		t.Errorf("got frames = %+v, want single frame with meta good", frames)
	}
	if got := len(c.Frames()); got != 0 {
		t.Errorf("got %d frames after TakeFrames, want 0", got)
	}
}

// pingNode bounces every received frame back with a fixed per-node delay,
// up to a hop budget, exercising frame delivery and timers together.
type pingNode struct {
	*testutil.FakeCoreCtx[string, string]

	hopsLeft int
	delay    time.Duration
	received int
}

func newPingNode(hops int, delay time.Duration) *pingNode {
	return &pingNode{
		FakeCoreCtx: testutil.NewFakeCoreCtx[string, string](1),
		hopsLeft:    hops,
		delay:       delay,
	}
}

func (p *pingNode) handleFrame(payload []byte) {
	p.received++
	if p.hopsLeft == 0 {
		return
	}
	p.hopsLeft--
	p.ScheduleTimer(p.delay, "reply")
}

func (p *pingNode) handleTimer(id string) {
	if err := p.SendFrame("peer", []byte("ping")); err != nil {
		panic(err)
	}
}

func newPingNetwork(t *testing.T) *testutil.FakeNetwork[string, string, string, *pingNode] {
	t.Helper()
	a := newPingNode(2, time.Second)
	b := newPingNode(2, 3*time.Second)
	net := testutil.NewFakeNetwork(
		[]testutil.NetworkNode[string, *pingNode]{{ID: "a", Ctx: a}, {ID: "b", Ctx: b}},
		func(from string, meta string) []testutil.Delivery[string, string] {
			to := "a"
			if from == "a" {
				to = "b"
			}
			return []testutil.Delivery[string, string]{{To: to, Meta: from, Latency: 500 * time.Millisecond}}
		},
		func(id string, ctx *pingNode, meta string, payload []byte) { ctx.handleFrame(payload) },
		func(id string, ctx *pingNode, timer string) { ctx.handleTimer(timer) },
	)
	// Kick off: a sends the first ping outside the simulation.
	if err := a.SendFrame("peer", []byte("ping")); err != nil {
		t.Fatalf("SendFrame: %s", err)
	}
	return net
}

func TestFakeNetworkRunUntilIdle(t *testing.T) {
	net := newPingNetwork(t)
	result, err := net.RunUntilIdle(100)
	if err != nil {
		t.Fatalf("RunUntilIdle(100): %s", err)
	}
	// a's opening ping, then 2 bounces each: 5 deliveries, 4 reply timers.
	if got, want := result.FramesDelivered, 5; got != want {
		t.Errorf("got FramesDelivered = %d, want = %d", got, want)
	}
	if got, want := result.TimersFired, 4; got != want {
		t.Errorf("got TimersFired = %d, want = %d", got, want)
	}
}

func TestFakeNetworkDeterminism(t *testing.T) {
	first, err := newPingNetwork(t).RunUntilIdle(100)
	if err != nil {
		t.Fatalf("RunUntilIdle(100): %s", err)
	}
	for i := 0; i < 3; i++ {
		again, err := newPingNetwork(t).RunUntilIdle(100)
		if err != nil {
			t.Fatalf("RunUntilIdle(100) run %d: %s", i, err)
		}
		if again != first {
			t.Errorf("run %d: got %+v, want %+v", i, again, first)
		}
	}
}

func TestFakeNetworkClockNeverDecreases(t *testing.T) {
	net := newPingNetwork(t)
	prev := net.Now()
	for i := 0; i < 100; i++ {
		result := net.Step()
		if net.Now().Before(prev) {
			t.Fatalf("clock moved backward: %s -> %s", prev, net.Now())
		}
		prev = net.Now()
		if result.IsIdle() {
			return
		}
	}
	t.Fatal("network never went idle")
}

func TestFakeNetworkRunawayScheduleFails(t *testing.T) {
	node := newPingNode(1<<30, time.Second)
	net := testutil.NewFakeNetwork(
		[]testutil.NetworkNode[string, *pingNode]{{ID: "a", Ctx: node}},
		func(from string, meta string) []testutil.Delivery[string, string] {
			return []testutil.Delivery[string, string]{{To: "a", Meta: meta}}
		},
		func(id string, ctx *pingNode, meta string, payload []byte) { ctx.handleFrame(payload) },
		func(id string, ctx *pingNode, timer string) { ctx.handleTimer(timer) },
	)
	if err := node.SendFrame("peer", []byte("ping")); err != nil {
		t.Fatalf("SendFrame: %s", err)
	}
	if _, err := net.RunUntilIdle(50); err == nil {
		t.Error("got RunUntilIdle(50) = nil for unbounded schedule, want error")
	}
}

func TestFakeNetworkRejectsPendingTimersAtConstruction(t *testing.T) {
	node := newPingNode(1, time.Second)
	node.ScheduleTimer(time.Second, "early")
	defer func() {
		if recover() == nil {
			t.Error("expected panic for node with pending timers")
		}
	}()
	testutil.NewFakeNetwork(
		[]testutil.NetworkNode[string, *pingNode]{{ID: "a", Ctx: node}},
		func(from string, meta string) []testutil.Delivery[string, string] { return nil },
		func(id string, ctx *pingNode, meta string, payload []byte) {},
		func(id string, ctx *pingNode, timer string) {},
	)
}
