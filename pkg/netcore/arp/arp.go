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

// Package arp implements the ARP protocol engine. It resolves IPv4
// addresses into link-layer MAC addresses on a broadcast medium, retries
// and expires resolutions, and answers requests for the local address, per
// RFC 826.
//
// The engine holds no clock, timers or sockets of its own; everything goes
// through the Context capabilities, so the same code runs against the real
// dispatcher and the deterministic harness in package testutil. Resolution
// is asynchronous: Lookup on a miss sends a request and returns nothing, and
// the outcome is surfaced later through the Context's resolved, failed or
// expired notifications.
package arp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"nstack.dev/nstack/pkg/netcore"
	"nstack.dev/nstack/pkg/netcore/header"
)

const (
	// DefaultRequestMaxTries is how many ARP Requests one resolution
	// attempt sends before reporting failure. Empirically chosen, not
	// protocol-mandated.
	DefaultRequestMaxTries = 4

	// DefaultRequestPeriod is the wait between retransmitted requests.
	DefaultRequestPeriod = 20 * time.Second

	// DefaultEntryExpiration is the lifetime of a dynamic table entry,
	// renewed by every confirming packet.
	DefaultEntryExpiration = 60 * time.Second
)

// TimerKind discriminates the engine's timers.
type TimerKind int

const (
	_ TimerKind = iota

	// TimerRequestRetry retransmits a pending request. Exactly one is
	// outstanding per Waiting table row.
	TimerRequestRetry

	// TimerEntryExpiration ages out a dynamic entry. Exactly one is
	// outstanding per Dynamic table row.
	TimerEntryExpiration
)

// TimerID identifies one ARP timer. It is the engine's strongly-typed timer
// key; the embedding dispatcher unions it with other protocols' IDs at its
// own outermost layer.
type TimerID struct {
	Device netcore.DeviceID
	Kind   TimerKind
	Addr   netcore.Address
}

// FrameMeta is the addressing metadata attached to an outbound ARP frame.
type FrameMeta struct {
	Device      netcore.DeviceID
	DstLinkAddr netcore.LinkAddress
}

// EntryState is the variant of a table row.
type EntryState int

const (
	_ EntryState = iota

	// EntryStatic is an administratively fixed mapping. No timer is ever
	// associated with a static row, and received traffic never changes it.
	EntryStatic

	// EntryDynamic is a learned mapping aging toward expiration.
	EntryDynamic

	// EntryWaiting is a pending resolution with retries remaining.
	EntryWaiting
)

// Entry is one table row.
type Entry struct {
	State    EntryState
	LinkAddr netcore.LinkAddress

	// RemainingTries is the request budget left, meaningful only in the
	// Waiting state.
	RemainingTries int
}

// Table is the per-device ARP table, keyed by protocol address. The zero
// value is an empty table.
//
// The table is plain storage: timer maintenance belongs to the engine,
// which keeps "one timer per row, matching the row's variant" true between
// operations.
type Table struct {
	entries map[netcore.Address]Entry
}

// Get returns the row for addr.
func (t *Table) Get(addr netcore.Address) (Entry, bool) {
	e, ok := t.entries[addr]
	return e, ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.entries)
}

func (t *Table) set(addr netcore.Address, e Entry) {
	if t.entries == nil {
		t.entries = make(map[netcore.Address]Entry)
	}
	t.entries[addr] = e
}

func (t *Table) remove(addr netcore.Address) {
	delete(t.entries, addr)
}

// Context is the execution context the ARP engine runs against. The
// embedding device layer implements it for its real dispatcher; tests
// implement it over the fakes in package testutil.
type Context interface {
	netcore.TimerContext[TimerID]
	netcore.FrameContext[FrameMeta]
	netcore.CounterContext

	// ArpState returns the table for a device. Asking for a device that
	// does not exist is a caller contract violation; implementations panic.
	ArpState(device netcore.DeviceID) *Table

	// HardwareAddr returns the device's link-layer address.
	HardwareAddr(device netcore.DeviceID) netcore.LinkAddress

	// ProtocolAddr returns the device's IPv4 address, if one is configured.
	ProtocolAddr(device netcore.DeviceID) (netcore.Address, bool)

	// AddressResolved notifies that addr now maps to linkAddr.
	AddressResolved(device netcore.DeviceID, addr netcore.Address, linkAddr netcore.LinkAddress)

	// AddressResolutionFailed notifies that resolving addr was given up on.
	AddressResolutionFailed(device netcore.DeviceID, addr netcore.Address)

	// AddressResolutionExpired notifies that the dynamic entry for addr
	// aged out.
	AddressResolutionExpired(device netcore.DeviceID, addr netcore.Address)
}

// Options tunes the engine. The zero value means the defaults.
type Options struct {
	RequestMaxTries int
	RequestPeriod   time.Duration
	EntryExpiration time.Duration
}

// Engine is the ARP protocol state machine. It is stateless itself; all
// protocol state lives in the per-device tables reached through the
// Context.
type Engine struct {
	opts Options
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts Options) *Engine {
	if opts.RequestMaxTries == 0 {
		opts.RequestMaxTries = DefaultRequestMaxTries
	}
	if opts.RequestPeriod == 0 {
		opts.RequestPeriod = DefaultRequestPeriod
	}
	if opts.EntryExpiration == 0 {
		opts.EntryExpiration = DefaultEntryExpiration
	}
	return &Engine{opts: opts}
}

// Lookup returns the link-layer address for addr if the table already
// resolves it. Otherwise, if no resolution is pending, it kicks one off as
// a side effect and returns nothing; the outcome arrives later through the
// Context notifications. Lookup never blocks, and a repeated call with no
// intervening events is a pure read.
func (e *Engine) Lookup(ctx Context, device netcore.DeviceID, localLinkAddr netcore.LinkAddress, addr netcore.Address) (netcore.LinkAddress, bool) {
	switch entry, ok := ctx.ArpState(device).Get(addr); {
	case ok && entry.State != EntryWaiting:
		return entry.LinkAddr, true
	case ok:
		// A request is already in flight; the retry timer owns progress.
		return "", false
	default:
		e.sendArpRequest(ctx, device, localLinkAddr, addr)
		return "", false
	}
}

// InsertStaticNeighbor unconditionally overwrites the row for addr as a
// static mapping and cancels the row's timers. If that preempted a pending
// resolution, the resolution completes with the static address.
func (e *Engine) InsertStaticNeighbor(ctx Context, device netcore.DeviceID, addr netcore.Address, linkAddr netcore.LinkAddress) {
	ctx.CancelTimer(TimerID{Device: device, Kind: TimerEntryExpiration, Addr: addr})
	_, hadRetry := ctx.CancelTimer(TimerID{Device: device, Kind: TimerRequestRetry, Addr: addr})
	ctx.ArpState(device).set(addr, Entry{State: EntryStatic, LinkAddr: linkAddr})
	if hadRetry {
		// A Waiting row was preempted; its lookup is now resolved.
		ctx.AddressResolved(device, addr, linkAddr)
	}
}

// Deinitialize cancels every timer belonging to the device, leaving table
// state untouched. Called by the device layer on teardown.
func (e *Engine) Deinitialize(ctx Context, device netcore.DeviceID) {
	ctx.CancelTimersWith(func(id TimerID) bool { return id.Device == device })
}

// ReceiveArpPacket handles one inbound ARP packet. Malformed or
// out-of-scope packets are dropped silently.
func (e *Engine) ReceiveArpPacket(ctx Context, device netcore.DeviceID, b []byte) {
	ctx.IncrementCounter("arp.rx.packets")
	h := header.ARP(b)
	if !h.IsValid() {
		ctx.IncrementCounter("arp.rx.malformed")
		log.WithField("device", device).Debug("arp: dropping malformed packet")
		return
	}
	op := h.Op()
	if op != header.ARPRequest && op != header.ARPReply {
		ctx.IncrementCounter("arp.rx.malformed")
		log.WithFields(log.Fields{"device": device, "op": uint16(op)}).Debug("arp: dropping packet with unknown opcode")
		return
	}

	senderProto := netcore.Address(h.ProtocolAddressSender())
	senderLink := netcore.LinkAddress(h.HardwareAddressSender())

	if h.IsGratuitous() {
		// An announcement: always cache the sender, never reply.
		ctx.IncrementCounter("arp.rx.gratuitous")
		e.insertDynamic(ctx, device, senderProto, senderLink)
		return
	}

	localProto, hasLocal := ctx.ProtocolAddr(device)
	addressedToMe := hasLocal && netcore.Address(h.ProtocolAddressTarget()) == localProto
	_, senderCached := ctx.ArpState(device).Get(senderProto)

	// RFC 826's merge-then-reply decision table.
	switch op {
	case header.ARPRequest:
		ctx.IncrementCounter("arp.rx.requests")
		if !addressedToMe && !senderCached {
			return
		}
		e.insertDynamic(ctx, device, senderProto, senderLink)
		if addressedToMe {
			e.sendArpResponse(ctx, device, localProto, senderProto, senderLink)
		}
	case header.ARPReply:
		ctx.IncrementCounter("arp.rx.replies")
		if senderCached {
			e.insertDynamic(ctx, device, senderProto, senderLink)
		}
	}
}

// HandleTimer consumes a previously scheduled timer. The timer is no longer
// scheduled when this runs.
func (e *Engine) HandleTimer(ctx Context, id TimerID) {
	switch id.Kind {
	case TimerRequestRetry:
		e.sendArpRequest(ctx, id.Device, ctx.HardwareAddr(id.Device), id.Addr)
	case TimerEntryExpiration:
		ctx.ArpState(id.Device).remove(id.Addr)
		ctx.IncrementCounter("arp.entries.expired")
		ctx.AddressResolutionExpired(id.Device, id.Addr)
		// Aging refresh: one best-effort request with no retry scheduled,
		// in case the neighbor is still there and about to be used again.
		if localProto, ok := ctx.ProtocolAddr(id.Device); ok {
			e.broadcastRequest(ctx, id.Device, ctx.HardwareAddr(id.Device), localProto, id.Addr)
		}
	default:
		log.WithField("timer", id).Error("arp: unknown timer kind")
	}
}

// insertDynamic caches addr as a dynamic entry, renews its expiration, and
// completes any pending resolution for it. Static rows are left alone:
// received traffic never downgrades an administratively fixed mapping.
func (e *Engine) insertDynamic(ctx Context, device netcore.DeviceID, addr netcore.Address, linkAddr netcore.LinkAddress) {
	table := ctx.ArpState(device)
	if entry, ok := table.Get(addr); ok && entry.State == EntryStatic {
		return
	}
	table.set(addr, Entry{State: EntryDynamic, LinkAddr: linkAddr})
	ctx.CancelTimer(TimerID{Device: device, Kind: TimerRequestRetry, Addr: addr})
	// Overwriting the previous expiration timer extends the lease.
	ctx.ScheduleTimer(e.opts.EntryExpiration, TimerID{Device: device, Kind: TimerEntryExpiration, Addr: addr})
	ctx.AddressResolved(device, addr, linkAddr)
}

// sendArpRequest broadcasts a request for addr and advances the row's retry
// budget, failing the resolution when the budget is spent. With no local
// protocol address configured there is nothing to put in the sender fields,
// so the request is skipped; requests are not queued.
func (e *Engine) sendArpRequest(ctx Context, device netcore.DeviceID, localLinkAddr netcore.LinkAddress, addr netcore.Address) {
	localProto, ok := ctx.ProtocolAddr(device)
	if !ok {
		log.WithFields(log.Fields{"device": device, "addr": addr}).Debug("arp: no local protocol address, not sending request")
		return
	}

	table := ctx.ArpState(device)
	tries := e.opts.RequestMaxTries
	if entry, ok := table.Get(addr); ok && entry.State == EntryWaiting {
		tries = entry.RemainingTries
	}

	e.broadcastRequest(ctx, device, localLinkAddr, localProto, addr)

	retryID := TimerID{Device: device, Kind: TimerRequestRetry, Addr: addr}
	if tries > 1 {
		ctx.ScheduleTimer(e.opts.RequestPeriod, retryID)
		table.set(addr, Entry{State: EntryWaiting, RemainingTries: tries - 1})
	} else {
		ctx.CancelTimer(retryID)
		table.remove(addr)
		ctx.IncrementCounter("arp.resolution.failed")
		ctx.AddressResolutionFailed(device, addr)
	}
}

func (e *Engine) broadcastRequest(ctx Context, device netcore.DeviceID, localLinkAddr netcore.LinkAddress, localProto, addr netcore.Address) {
	b := make(header.ARP, header.ARPSize)
	b.Encode(&header.ARPFields{
		Op:             header.ARPRequest,
		HardwareSender: localLinkAddr,
		ProtocolSender: localProto,
		ProtocolTarget: addr,
	})
	meta := FrameMeta{Device: device, DstLinkAddr: header.EthernetBroadcastAddress}
	if err := ctx.SendFrame(meta, b); err != nil {
		log.WithFields(log.Fields{"device": device, "addr": addr}).WithError(err).Warn("arp: failed to send request")
		return
	}
	ctx.IncrementCounter("arp.tx.requests")
}

func (e *Engine) sendArpResponse(ctx Context, device netcore.DeviceID, localProto, targetProto netcore.Address, targetLink netcore.LinkAddress) {
	b := make(header.ARP, header.ARPSize)
	b.Encode(&header.ARPFields{
		Op:             header.ARPReply,
		HardwareSender: ctx.HardwareAddr(device),
		ProtocolSender: localProto,
		HardwareTarget: targetLink,
		ProtocolTarget: targetProto,
	})
	meta := FrameMeta{Device: device, DstLinkAddr: targetLink}
	if err := ctx.SendFrame(meta, b); err != nil {
		log.WithFields(log.Fields{"device": device, "addr": targetProto}).WithError(err).Warn("arp: failed to send reply")
		return
	}
	ctx.IncrementCounter("arp.tx.replies")
}
