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

// Package igmp implements the IGMPv2 protocol engine described in RFC 2236,
// including compatibility with IGMPv1 routers.
//
// The membership state machine itself lives in package gmp; this engine
// supplies the IGMPv2-specific policy (V1-router-present tracking, report
// formatting, leave suppression), translates the generic action lists into
// concrete timers and wire sends through its Context, and maintains the one
// per-device timer the generic core does not own: the V1-router-present
// timer.
package igmp

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"nstack.dev/nstack/pkg/netcore"
	"nstack.dev/nstack/pkg/netcore/gmp"
	"nstack.dev/nstack/pkg/netcore/header"
)

const (
	// DefaultV1RouterPresentTimeout is how long after hearing an IGMPv1
	// style query the engine keeps sending V1 reports, from RFC 2236
	// Section 8.11, Page 18.
	DefaultV1RouterPresentTimeout = 400 * time.Second

	// v1MaxRespTime is the effective max response time of an IGMPv1 query,
	// from RFC 2236 Section 4, Page 5: "The IGMPv1 router will send General
	// Queries with the Max Response Time set to 0. This MUST be interpreted
	// as a value of 100 (10 seconds)."
	v1MaxRespTime = 10 * time.Second

	// DefaultUnsolicitedReportInterval is the maximum delay before the
	// repeat report sent after joining a group, from RFC 2236 Section 8.10,
	// Page 19.
	DefaultUnsolicitedReportInterval = 10 * time.Second
)

// TimerKind discriminates the engine's timers.
type TimerKind int

const (
	_ TimerKind = iota

	// TimerReportDelay is a group's pending delayed report.
	TimerReportDelay

	// TimerV1RouterPresent clears the device's V1 compatibility state when
	// it fires. At most one exists per device; its TimerID carries no
	// group.
	TimerV1RouterPresent
)

// TimerID identifies one IGMP timer.
type TimerID struct {
	Device netcore.DeviceID
	Kind   TimerKind
	Group  netcore.Address
}

// FrameMeta is the addressing metadata attached to an outbound IGMP packet:
// the device it leaves through and the destination IP, from which the link
// layer derives the multicast MAC.
type FrameMeta struct {
	Device netcore.DeviceID
	Dst    netcore.Address
}

// ProtocolState is the IGMPv2-specific per-group state threaded through the
// generic membership core.
type ProtocolState struct {
	// V1RouterPresent is set while an IGMPv1 querier was heard recently.
	// Reports for the group are then sent in V1 format and leaves are
	// suppressed, per RFC 2236 Section 4.
	V1RouterPresent bool
}

// GroupStates is the per-device membership state: one generic state machine
// per joined group, carrying ProtocolState.
type GroupStates struct {
	*gmp.Groups[ProtocolState]
}

// Context is the execution context the IGMP engine runs against.
type Context interface {
	netcore.TimerContext[TimerID]
	netcore.FrameContext[FrameMeta]
	netcore.CounterContext

	// IgmpEnabled reports whether IGMP is administratively enabled for the
	// device. While disabled, operations keep local membership bookkeeping
	// but produce no timers or frames.
	IgmpEnabled(device netcore.DeviceID) bool

	// LocalAddr returns the device's IPv4 address, if one is configured.
	LocalAddr(device netcore.DeviceID) (netcore.Address, bool)

	// IgmpStateAndRand returns the device's membership state together with
	// the context's RNG in a single call; the two views are independently
	// usable. Asking for a device that does not exist is a caller contract
	// violation; implementations panic.
	IgmpStateAndRand(device netcore.DeviceID) (*GroupStates, *rand.Rand)
}

// Options tunes the engine. The zero value means the defaults.
type Options struct {
	UnsolicitedReportInterval time.Duration
	V1RouterPresentTimeout    time.Duration
}

// Engine is the IGMPv2 protocol state machine. All protocol state lives in
// the per-device GroupStates reached through the Context.
type Engine struct {
	opts Options
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts Options) *Engine {
	if opts.UnsolicitedReportInterval == 0 {
		opts.UnsolicitedReportInterval = DefaultUnsolicitedReportInterval
	}
	if opts.V1RouterPresentTimeout == 0 {
		opts.V1RouterPresentTimeout = DefaultV1RouterPresentTimeout
	}
	return &Engine{opts: opts}
}

// NewGroupStates creates an empty per-device membership state configured
// for this engine.
func (e *Engine) NewGroupStates() *GroupStates {
	return &GroupStates{
		Groups: gmp.NewGroups[ProtocolState](gmp.Options{
			UnsolicitedReportInterval: e.opts.UnsolicitedReportInterval,
		}),
	}
}

// shouldPerformProtocol reports whether protocol traffic is generated for
// the group. As per RFC 2236 section 6 page 10, the all-systems group is
// never reported: the host joins it locally and stays silent.
func shouldPerformProtocol(group netcore.Address) bool {
	return group != header.IPv4AllSystems
}

// JoinGroup joins a multicast group on the device, reporting membership to
// the network unless the group is exempt or IGMP is disabled. It returns
// false if the group was already joined.
func (e *Engine) JoinGroup(ctx Context, device netcore.DeviceID, group netcore.Address) (bool, error) {
	states, rng := ctx.IgmpStateAndRand(device)
	actions, ok := states.JoinGroup(group, ProtocolState{}, rng)
	if !ok {
		return false, nil
	}
	ctx.IncrementCounter("igmp.groups_joined")
	if !shouldPerformProtocol(group) {
		return true, nil
	}
	return true, e.runActions(ctx, device, group, actions)
}

// LeaveGroup leaves a multicast group on the device, sending a Leave Group
// message if this host was the last to report the group. Leaving a group
// that was not joined returns NotAMemberError.
func (e *Engine) LeaveGroup(ctx Context, device netcore.DeviceID, group netcore.Address) error {
	states, _ := ctx.IgmpStateAndRand(device)
	actions, ok := states.LeaveGroup(group)
	if !ok {
		return &NotAMemberError{Group: group}
	}
	ctx.IncrementCounter("igmp.groups_left")
	if !shouldPerformProtocol(group) {
		return nil
	}
	return e.runActions(ctx, device, group, actions)
}

// IsJoined reports whether the group is joined locally on the device.
func (e *Engine) IsJoined(ctx Context, device netcore.DeviceID, group netcore.Address) bool {
	states, _ := ctx.IgmpStateAndRand(device)
	return states.Contains(group)
}

// ValidEncapsulation reports whether an IPv4 header is an acceptable IGMP
// carrier: TTL 1 and the Router Alert option present, per RFC 2236
// section 2. The embedding IP layer applies this before handing the payload
// to ReceiveIgmpPacket.
func ValidEncapsulation(b header.IPv4) bool {
	return b.TTL() == header.IGMPTTL && b.HasRouterAlertOption()
}

// ReceiveIgmpPacket handles one inbound IGMP payload (IP header already
// stripped). Malformed packets are dropped silently.
func (e *Engine) ReceiveIgmpPacket(ctx Context, device netcore.DeviceID, srcAddr, dstAddr netcore.Address, b []byte) {
	ctx.IncrementCounter("igmp.rx.packets")
	if len(b) < header.IGMPMinimumSize {
		ctx.IncrementCounter("igmp.rx.malformed")
		log.WithField("device", device).Debug("igmp: dropping truncated packet")
		return
	}
	h := header.IGMP(b)
	if !header.IGMPValidChecksum(h) {
		ctx.IncrementCounter("igmp.rx.checksum_errors")
		log.WithField("device", device).Debug("igmp: dropping packet with bad checksum")
		return
	}

	switch h.Type() {
	case header.IGMPMembershipQuery:
		ctx.IncrementCounter("igmp.rx.membership_query")
		e.handleQuery(ctx, device, h.GroupAddress(), h.MaxRespTime())
	case header.IGMPv1MembershipReport:
		ctx.IncrementCounter("igmp.rx.v1_membership_report")
		e.handleReport(ctx, device, h.GroupAddress())
	case header.IGMPv2MembershipReport:
		ctx.IncrementCounter("igmp.rx.v2_membership_report")
		e.handleReport(ctx, device, h.GroupAddress())
	case header.IGMPLeaveGroup:
		// Leave messages are router business; hosts ignore them. As per
		// RFC 2236 Section 6, Page 7, messages other than Query or Report
		// are ignored in all states.
		ctx.IncrementCounter("igmp.rx.leave_group")
	default:
		// As per RFC 2236 Section 2.1 Page 3, unrecognized message types
		// should be silently ignored.
		ctx.IncrementCounter("igmp.rx.unrecognized")
	}
}

// handleQuery feeds a membership query to every group it addresses. A max
// response time of zero marks an IGMPv1 querier: the effective response
// bound becomes v1MaxRespTime and V1 compatibility state is armed.
func (e *Engine) handleQuery(ctx Context, device netcore.DeviceID, group netcore.Address, maxRespTime time.Duration) {
	// A disabled device must not react to queries at all: advancing the
	// state machines here would strand groups in the delaying state with no
	// timer backing them.
	if !ctx.IgmpEnabled(device) {
		return
	}

	v1Query := maxRespTime == 0
	if v1Query {
		maxRespTime = v1MaxRespTime
		ctx.ScheduleTimer(e.opts.V1RouterPresentTimeout, TimerID{Device: device, Kind: TimerV1RouterPresent})
	}

	states, rng := ctx.IgmpStateAndRand(device)

	apply := func(g netcore.Address) {
		if !shouldPerformProtocol(g) {
			return
		}
		var remaining time.Duration
		if at, ok := ctx.ScheduledInstant(TimerID{Device: device, Kind: TimerReportDelay, Group: g}); ok {
			remaining = at.Sub(ctx.Now())
		}
		actions := states.QueryReceived(g, maxRespTime, remaining, rng)
		if v1Query {
			states.UpdateProtocolSpecific(g, func(ps ProtocolState) ProtocolState {
				ps.V1RouterPresent = true
				return ps
			})
		}
		if err := e.runActions(ctx, device, g, actions); err != nil {
			log.WithFields(log.Fields{"device": device, "group": g}).WithError(err).Warn("igmp: failed to run query actions")
		}
	}

	if group == header.IPv4Any {
		// General query: every joined group responds.
		var groups []netcore.Address
		states.ForEach(func(g netcore.Address) { groups = append(groups, g) })
		sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
		for _, g := range groups {
			apply(g)
		}
	} else if states.Contains(group) {
		apply(group)
	}
}

// handleReport processes a report observed from another host.
func (e *Engine) handleReport(ctx Context, device netcore.DeviceID, group netcore.Address) {
	if !ctx.IgmpEnabled(device) || !shouldPerformProtocol(group) {
		return
	}
	states, _ := ctx.IgmpStateAndRand(device)
	actions := states.ReportReceived(group)
	if err := e.runActions(ctx, device, group, actions); err != nil {
		log.WithFields(log.Fields{"device": device, "group": group}).WithError(err).Warn("igmp: failed to run report actions")
	}
}

// HandleTimer consumes a previously scheduled timer.
func (e *Engine) HandleTimer(ctx Context, id TimerID) {
	switch id.Kind {
	case TimerReportDelay:
		states, _ := ctx.IgmpStateAndRand(id.Device)
		actions, ok := states.ReportTimerExpired(id.Group)
		if !ok {
			// A stale timer for a group left since it was scheduled. Not
			// fatal, but it means a cancellation was missed somewhere.
			log.WithFields(log.Fields{"device": id.Device, "group": id.Group}).Error("igmp: report delay timer fired for unjoined group")
			return
		}
		if err := e.runActions(ctx, id.Device, id.Group, actions); err != nil {
			log.WithFields(log.Fields{"device": id.Device, "group": id.Group}).WithError(err).Warn("igmp: failed to send delayed report")
		}
	case TimerV1RouterPresent:
		// Clearing the compatibility flag is pure bookkeeping in the
		// generic core; it can never emit actions.
		states, _ := ctx.IgmpStateAndRand(id.Device)
		states.ForEach(func(g netcore.Address) {
			states.UpdateProtocolSpecific(g, func(ps ProtocolState) ProtocolState {
				ps.V1RouterPresent = false
				return ps
			})
		})
	default:
		log.WithField("timer", id).Error("igmp: unknown timer kind")
	}
}

// runActions executes a generic-core action list in order. With IGMP
// disabled for the device it is a complete no-op: membership bookkeeping
// already happened in the caller, and protocol chatter is gated here. A
// failing action is logged and does not abort the remaining actions; the
// aggregate error is returned.
func (e *Engine) runActions(ctx Context, device netcore.DeviceID, group netcore.Address, actions gmp.Actions[ProtocolState]) error {
	if !ctx.IgmpEnabled(device) {
		if len(actions) != 0 {
			ctx.IncrementCounter("igmp.disabled_actions_dropped")
		}
		return nil
	}

	var errs *multierror.Error
	for _, action := range actions {
		switch action.Kind {
		case gmp.ActionScheduleReportTimer:
			ctx.ScheduleTimer(action.Delay, TimerID{Device: device, Kind: TimerReportDelay, Group: group})
		case gmp.ActionStopReportTimer:
			ctx.CancelTimer(TimerID{Device: device, Kind: TimerReportDelay, Group: group})
		case gmp.ActionSendReport:
			igmpType := header.IGMPv2MembershipReport
			if action.Protocol.V1RouterPresent {
				igmpType = header.IGMPv1MembershipReport
			}
			if err := e.sendIgmpMessage(ctx, device, group, group, igmpType); err != nil {
				log.WithFields(log.Fields{"device": device, "group": group}).WithError(err).Warn("igmp: failed to send report")
				errs = multierror.Append(errs, err)
			}
		case gmp.ActionSendLeave:
			// As per RFC 2236 Section 6, Page 8: "If the interface state
			// says the Querier is running IGMPv1, this action SHOULD be
			// skipped."
			if action.Protocol.V1RouterPresent {
				continue
			}
			if err := e.sendIgmpMessage(ctx, device, header.IPv4AllRoutersGroup, group, header.IGMPLeaveGroup); err != nil {
				log.WithFields(log.Fields{"device": device, "group": group}).WithError(err).Warn("igmp: failed to send leave")
				errs = multierror.Append(errs, err)
			}
		default:
			panic(fmt.Sprintf("unrecognized action kind = %d", action.Kind))
		}
	}
	return errs.ErrorOrNil()
}

// sendIgmpMessage emits one IGMP message wrapped in an IPv4 packet with
// TTL 1 and the Router Alert option, as RFC 2236 section 2 requires.
func (e *Engine) sendIgmpMessage(ctx Context, device netcore.DeviceID, dstAddr, group netcore.Address, igmpType header.IGMPType) error {
	localAddr, ok := ctx.LocalAddr(device)
	if !ok {
		return &NoIPAddressError{Device: device}
	}

	options := header.RouterAlertOption()
	hdrLen, err := header.IPv4HeaderLength(options)
	if err != nil {
		return &SendFailureError{Addr: dstAddr, Err: err}
	}
	total := hdrLen + header.IGMPReportMinimumSize
	pkt := make([]byte, total)

	igmpData := header.IGMP(pkt[hdrLen:])
	igmpData.SetType(igmpType)
	igmpData.SetMaxRespTime(0)
	igmpData.SetGroupAddress(group)
	igmpData.SetChecksum(header.IGMPCalculateChecksum(igmpData))

	if err := header.IPv4(pkt).Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         header.IGMPTTL,
		Protocol:    header.IGMPProtocolNumber,
		SrcAddr:     localAddr,
		DstAddr:     dstAddr,
		Options:     options,
	}); err != nil {
		return &SendFailureError{Addr: dstAddr, Err: err}
	}

	if err := ctx.SendFrame(FrameMeta{Device: device, Dst: dstAddr}, pkt); err != nil {
		return &SendFailureError{Addr: dstAddr, Err: err}
	}

	switch igmpType {
	case header.IGMPv1MembershipReport:
		ctx.IncrementCounter("igmp.tx.v1_membership_report")
	case header.IGMPv2MembershipReport:
		ctx.IncrementCounter("igmp.tx.v2_membership_report")
	case header.IGMPLeaveGroup:
		ctx.IncrementCounter("igmp.tx.leave_group")
	}
	return nil
}
