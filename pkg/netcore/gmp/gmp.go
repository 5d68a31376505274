// Copyright 2025 The NStack Authors.
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

// Package gmp implements the Group Membership Protocol, the generic host
// state machine shared by IGMPv2 (RFC 2236) and its IPv6 analog MLDv1
// (RFC 2710). There is no protocol actually named GMP; the package holds the
// join/leave/query/report transitions common to both.
//
// The state machine owns no timers and sends no packets. Every operation
// returns a list of actions (schedule or stop the report-delay timer, send a
// report, send a leave) for the calling protocol engine to execute, which
// keeps the core runnable under any execution context. The PS type parameter
// carries protocol-specific per-group state (for IGMPv2, the V1-router-
// present flag) opaquely through the machine and out through SendReport
// actions.
package gmp

import (
	"math/rand"
	"time"

	"nstack.dev/nstack/pkg/netcore"
)

// memberState is the RFC 2236 section 6 per-group host state.
type memberState int

const (
	// nonMember is "the 'non-existent' state, for groups the host is not a
	// member of"; such groups have no state at all in a Groups set, so the
	// value only appears mid-transition.
	nonMember memberState = iota

	// delayingMember has a report-delay timer running for the group.
	delayingMember

	// idleMember has no timer running.
	idleMember
)

// ActionKind discriminates the Action variants.
type ActionKind int

const (
	_ ActionKind = iota

	// ActionScheduleReportTimer asks the engine to (re)schedule the group's
	// report-delay timer after Action.Delay.
	ActionScheduleReportTimer

	// ActionStopReportTimer asks the engine to cancel the group's
	// report-delay timer.
	ActionStopReportTimer

	// ActionSendReport asks the engine to send a membership report, with
	// Action.Protocol carrying the protocol-specific state to format it by.
	ActionSendReport

	// ActionSendLeave asks the engine to send a leave message, with
	// Action.Protocol carrying the left group's final protocol-specific
	// state.
	ActionSendLeave
)

// Action is one deferred effect of a state machine transition.
type Action[PS any] struct {
	Kind ActionKind

	// Delay is set for ActionScheduleReportTimer.
	Delay time.Duration

	// Protocol is set for ActionSendReport and ActionSendLeave.
	Protocol PS
}

// Actions is the ordered effect list of one operation.
type Actions[PS any] []Action[PS]

func (a *Actions[PS]) scheduleReportTimer(d time.Duration) {
	*a = append(*a, Action[PS]{Kind: ActionScheduleReportTimer, Delay: d})
}

func (a *Actions[PS]) stopReportTimer() {
	*a = append(*a, Action[PS]{Kind: ActionStopReportTimer})
}

func (a *Actions[PS]) sendReport(ps PS) {
	*a = append(*a, Action[PS]{Kind: ActionSendReport, Protocol: ps})
}

func (a *Actions[PS]) sendLeave(ps PS) {
	*a = append(*a, Action[PS]{Kind: ActionSendLeave, Protocol: ps})
}

// Options tunes the state machine for one protocol variant.
type Options struct {
	// UnsolicitedReportInterval bounds the random delay before the repeat
	// report sent after joining a group.
	UnsolicitedReportInterval time.Duration

	// SendLeaveAnyway requests a leave message on leaving a group even when
	// another host reported the group more recently. IGMPv2 leaves it false
	// ("if the flag saying we were the last host to report is cleared, this
	// action MAY be skipped", RFC 2236 section 6).
	SendLeaveAnyway bool
}

// groupState is the per-group machine state.
type groupState[PS any] struct {
	state memberState

	// lastToSendReport tracks whether we sent the most recent report for
	// the group, which decides whether leaving must send a leave message.
	lastToSendReport bool

	ps PS
}

// Groups holds the per-group state machines for one device.
//
// Operations take the RNG by parameter rather than owning one: the engines
// obtain group state and randomness together through their context's dual
// accessor, and the machine stays a pure data structure.
type Groups[PS any] struct {
	opts   Options
	groups map[netcore.Address]*groupState[PS]
}

// NewGroups creates an empty membership set.
func NewGroups[PS any](opts Options) *Groups[PS] {
	return &Groups[PS]{
		opts:   opts,
		groups: make(map[netcore.Address]*groupState[PS]),
	}
}

// Len returns the number of joined groups.
func (g *Groups[PS]) Len() int {
	return len(g.groups)
}

// Contains reports whether the group is joined.
func (g *Groups[PS]) Contains(group netcore.Address) bool {
	_, ok := g.groups[group]
	return ok
}

// ForEach visits every joined group address.
func (g *Groups[PS]) ForEach(f func(group netcore.Address)) {
	for group := range g.groups {
		f(group)
	}
}

// ProtocolSpecific returns the protocol-specific state for a joined group.
func (g *Groups[PS]) ProtocolSpecific(group netcore.Address) (PS, bool) {
	s, ok := g.groups[group]
	if !ok {
		var zero PS
		return zero, false
	}
	return s.ps, true
}

// UpdateProtocolSpecific rewrites a joined group's protocol-specific state.
// This is pure bookkeeping: it never changes the member state and never
// produces actions.
func (g *Groups[PS]) UpdateProtocolSpecific(group netcore.Address, update func(PS) PS) bool {
	s, ok := g.groups[group]
	if !ok {
		return false
	}
	s.ps = update(s.ps)
	return true
}

// JoinGroup creates state for a newly joined group, per RFC 2236 section 3:
// report immediately, then once more after a random delay in case the first
// report is lost. Returns false with no actions if the group was already
// joined.
func (g *Groups[PS]) JoinGroup(group netcore.Address, ps PS, rng *rand.Rand) (Actions[PS], bool) {
	if _, ok := g.groups[group]; ok {
		return nil, false
	}
	s := &groupState[PS]{
		state:            delayingMember,
		lastToSendReport: true,
		ps:               ps,
	}
	g.groups[group] = s

	var actions Actions[PS]
	actions.sendReport(s.ps)
	actions.scheduleReportTimer(randomDelay(rng, g.opts.UnsolicitedReportInterval))
	return actions, true
}

// LeaveGroup destroys a group's state. If we were the last host to report
// the group (or the protocol says to leave anyway), the returned actions
// send a leave message; a running report-delay timer is stopped. Returns
// false if the group was not joined.
func (g *Groups[PS]) LeaveGroup(group netcore.Address) (Actions[PS], bool) {
	s, ok := g.groups[group]
	if !ok {
		return nil, false
	}
	delete(g.groups, group)

	var actions Actions[PS]
	if s.state == delayingMember {
		actions.stopReportTimer()
	}
	if s.lastToSendReport || g.opts.SendLeaveAnyway {
		actions.sendLeave(s.ps)
	}
	return actions, true
}

// QueryReceived handles a membership query for one group, per RFC 2236
// section 6: an idle member starts delaying with a random delay bounded by
// the query's max response time; a delaying member shortens its timer if the
// new bound would fire sooner than the scheduled instant allows.
//
// remaining is how long the group's currently scheduled report-delay timer
// still has to run; it is only consulted in the delaying state.
func (g *Groups[PS]) QueryReceived(group netcore.Address, maxRespTime time.Duration, remaining time.Duration, rng *rand.Rand) Actions[PS] {
	s, ok := g.groups[group]
	if !ok {
		return nil
	}

	var actions Actions[PS]
	switch s.state {
	case idleMember:
		s.state = delayingMember
		actions.scheduleReportTimer(randomDelay(rng, maxRespTime))
	case delayingMember:
		if maxRespTime < remaining {
			actions.scheduleReportTimer(randomDelay(rng, maxRespTime))
		}
	}
	return actions
}

// ReportReceived handles a report observed from another host for a group,
// per RFC 2236 section 6: stop our delayed report and remember that we were
// not the last to report.
func (g *Groups[PS]) ReportReceived(group netcore.Address) Actions[PS] {
	s, ok := g.groups[group]
	if !ok {
		return nil
	}

	s.lastToSendReport = false
	var actions Actions[PS]
	if s.state == delayingMember {
		s.state = idleMember
		actions.stopReportTimer()
	}
	return actions
}

// ReportTimerExpired handles the group's report-delay timer firing: send the
// pending report and go idle. Returns false if the group was not joined,
// which means the caller fired a stale timer.
func (g *Groups[PS]) ReportTimerExpired(group netcore.Address) (Actions[PS], bool) {
	s, ok := g.groups[group]
	if !ok {
		return nil, false
	}

	var actions Actions[PS]
	if s.state == delayingMember {
		s.state = idleMember
		s.lastToSendReport = true
		actions.sendReport(s.ps)
	}
	return actions, true
}

// randomDelay returns a uniform duration in [0, max). A non-positive max
// yields zero, i.e. fire on the next event loop pass.
func randomDelay(rng *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(max)))
}
