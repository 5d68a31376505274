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

package header

import (
	"time"

	"nstack.dev/nstack/pkg/netcore"
	"nstack.dev/nstack/pkg/netcore/checksum"
)

// IGMP represents an IGMP header stored in a byte array, as described in
// RFC 2236.
type IGMP []byte

// IGMP implements a partial set of the IGMP protocols, described in RFC 1112
// and RFC 2236.
const (
	// IGMPMinimumSize is the minimum size of a valid IGMP packet in bytes,
	// as per RFC 2236, Section 2, Page 2.
	IGMPMinimumSize = 8

	// IGMPQueryMinimumSize is the minimum size of a valid Membership Query
	// Message in bytes.
	IGMPQueryMinimumSize = 8

	// IGMPReportMinimumSize is the minimum size of a valid Report Message in
	// bytes.
	IGMPReportMinimumSize = 8

	// IGMPLeaveMessageMinimumSize is the minimum size of a valid Leave
	// Message in bytes.
	IGMPLeaveMessageMinimumSize = 8

	// IGMPTTL is the TTL for all IGMP messages, as per RFC 2236, Section 2.
	IGMPTTL = 1

	// IGMPProtocolNumber is IGMP's transport protocol number within IPv4.
	IGMPProtocolNumber = 2

	igmpTypeOffset      = 0
	igmpMaxRespTimeOfst = 1
	igmpChecksumOffset  = 2
	igmpGroupAddrOffset = 4
)

// IGMPType is the IGMP type field as per RFC 2236.
type IGMPType byte

// Values for the IGMP Type described in RFC 2236 Section 2.1.
const (
	IGMPMembershipQuery    IGMPType = 0x11
	IGMPv1MembershipReport IGMPType = 0x12
	IGMPv2MembershipReport IGMPType = 0x16
	IGMPLeaveGroup         IGMPType = 0x17
)

// Type is the IGMP type field.
func (b IGMP) Type() IGMPType { return IGMPType(b[igmpTypeOffset]) }

// SetType sets the IGMP type field.
func (b IGMP) SetType(t IGMPType) { b[igmpTypeOffset] = byte(t) }

// MaxRespTime gets the MaxRespTime field, the maximum time allowed before
// sending a responding report. The field is meaningful only in Membership
// Query messages; a zero value signals an IGMPv1 querier, which omits it.
func (b IGMP) MaxRespTime() time.Duration {
	return DecisecondToDuration(uint16(b[igmpMaxRespTimeOfst]))
}

// SetMaxRespTime sets the MaxRespTime field, in units of deciseconds.
func (b IGMP) SetMaxRespTime(m byte) { b[igmpMaxRespTimeOfst] = m }

// Checksum is the IGMP checksum field.
func (b IGMP) Checksum() uint16 {
	return uint16(b[igmpChecksumOffset])<<8 | uint16(b[igmpChecksumOffset+1])
}

// SetChecksum sets the IGMP checksum field.
func (b IGMP) SetChecksum(c uint16) {
	b[igmpChecksumOffset] = byte(c >> 8)
	b[igmpChecksumOffset+1] = byte(c)
}

// GroupAddress gets the Group Address field.
func (b IGMP) GroupAddress() netcore.Address {
	return netcore.Address(b[igmpGroupAddrOffset : igmpGroupAddrOffset+IPv4AddressSize])
}

// SetGroupAddress sets the Group Address field.
func (b IGMP) SetGroupAddress(a netcore.Address) {
	if n := copy(b[igmpGroupAddrOffset:], a); n != IPv4AddressSize {
		panic("copied wrong number of bytes for group address")
	}
}

// IGMPCalculateChecksum calculates the IGMP checksum over the provided IGMP
// header.
func IGMPCalculateChecksum(h IGMP) uint16 {
	// The checksum field is set to zero while computing it.
	existingChecksum := h.Checksum()
	h.SetChecksum(0)
	xsum := ^checksum.Checksum(h, 0)
	h.SetChecksum(existingChecksum)
	return xsum
}

// IGMPValidChecksum reports whether the packet's checksum field verifies
// against its contents, per RFC 1071 section 1.3.
func IGMPValidChecksum(h IGMP) bool {
	return checksum.Checksum(h, 0) == 0xffff
}

// DecisecondToDuration converts a value in deciseconds to a Duration.
func DecisecondToDuration(ds uint16) time.Duration {
	return time.Duration(ds) * time.Second / 10
}

// DurationToDecisecond converts a Duration to deciseconds, saturating at the
// field maximum.
func DurationToDecisecond(d time.Duration) byte {
	ds := d / (time.Second / 10)
	if ds > 0xff {
		return 0xff
	}
	return byte(ds)
}
