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
	"encoding/binary"
	"fmt"

	"nstack.dev/nstack/pkg/netcore"
	"nstack.dev/nstack/pkg/netcore/checksum"
)

const (
	// IPv4ProtocolNumber is IPv4's network protocol (EtherType) number.
	IPv4ProtocolNumber = 0x0800

	// IPv4AddressSize is the size, in bytes, of an IPv4 address.
	IPv4AddressSize = 4

	// IPv4MinimumSize is the minimum size of a valid IPv4 header, with no
	// options.
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the maximum size of an IPv4 header: an IHL
	// field of 0xf counts 15 32-bit words.
	IPv4MaximumHeaderSize = 60

	versIHL  = 0
	tos      = 1
	totalLen = 2
	ipID     = 4
	flagsFO  = 6
	ttl      = 8
	protocol = 9
	xsum     = 10
	srcAddr  = 12
	dstAddr  = 16
)

// Well known IPv4 addresses.
const (
	// IPv4Any is the unspecified address.
	IPv4Any = netcore.Address("\x00\x00\x00\x00")

	// IPv4Broadcast is the limited broadcast address.
	IPv4Broadcast = netcore.Address("\xff\xff\xff\xff")

	// IPv4AllSystems is the all-systems multicast group, 224.0.0.1.
	IPv4AllSystems = netcore.Address("\xe0\x00\x00\x01")

	// IPv4AllRoutersGroup is the all-routers multicast group, 224.0.0.2.
	IPv4AllRoutersGroup = netcore.Address("\xe0\x00\x00\x02")
)

// IsV4MulticastAddress reports whether addr is in the class D multicast
// range 224.0.0.0/4.
func IsV4MulticastAddress(addr netcore.Address) bool {
	if len(addr) != IPv4AddressSize {
		return false
	}
	return addr[0]&0xf0 == 0xe0
}

// IPv4Options holds the encoded IPv4 options to append to a header.
type IPv4Options []byte

// RouterAlertOption returns the encoded Router Alert option (RFC 2113),
// padded to a 32-bit boundary (it already is 4 bytes long).
func RouterAlertOption() IPv4Options {
	return IPv4Options{0x94, 0x04, 0x00, 0x00}
}

// IPv4Fields holds the fields needed to encode an IPv4 header.
type IPv4Fields struct {
	TOS         uint8
	TotalLength uint16
	ID          uint16
	TTL         uint8
	Protocol    uint8
	SrcAddr     netcore.Address
	DstAddr     netcore.Address
	Options     IPv4Options
}

// IPv4 is an IPv4 header stored in a byte array.
type IPv4 []byte

// IPv4HeaderLength returns the encoded header length for the given options,
// or an error if the options do not fit the IHL field.
func IPv4HeaderLength(opts IPv4Options) (int, error) {
	if len(opts)%4 != 0 {
		return 0, fmt.Errorf("options length %d is not 32-bit aligned", len(opts))
	}
	hdrLen := IPv4MinimumSize + len(opts)
	if hdrLen > IPv4MaximumHeaderSize {
		return 0, fmt.Errorf("options too long: header would be %d bytes, max %d", hdrLen, IPv4MaximumHeaderSize)
	}
	return hdrLen, nil
}

// Encode encodes all the fields of the IPv4 header. The buffer must be at
// least IPv4HeaderLength(f.Options) bytes long.
func (b IPv4) Encode(f *IPv4Fields) error {
	hdrLen, err := IPv4HeaderLength(f.Options)
	if err != nil {
		return err
	}
	b[versIHL] = 4<<4 | uint8(hdrLen/4)
	b[tos] = f.TOS
	binary.BigEndian.PutUint16(b[totalLen:], f.TotalLength)
	binary.BigEndian.PutUint16(b[ipID:], f.ID)
	binary.BigEndian.PutUint16(b[flagsFO:], 0)
	b[ttl] = f.TTL
	b[protocol] = f.Protocol
	binary.BigEndian.PutUint16(b[xsum:], 0)
	copy(b[srcAddr:srcAddr+IPv4AddressSize], f.SrcAddr)
	copy(b[dstAddr:dstAddr+IPv4AddressSize], f.DstAddr)
	copy(b[IPv4MinimumSize:hdrLen], f.Options)
	binary.BigEndian.PutUint16(b[xsum:], ^checksum.Checksum(b[:hdrLen], 0))
	return nil
}

// HeaderLength returns the value of the "header length" field of the IPv4
// header, in bytes.
func (b IPv4) HeaderLength() uint8 { return (b[versIHL] & 0xf) * 4 }

// TTL returns the "TTL" field of the IPv4 header.
func (b IPv4) TTL() uint8 { return b[ttl] }

// Protocol returns the value of the protocol field of the IPv4 header.
func (b IPv4) Protocol() uint8 { return b[protocol] }

// TotalLength returns the "total length" field of the IPv4 header.
func (b IPv4) TotalLength() uint16 { return binary.BigEndian.Uint16(b[totalLen:]) }

// SourceAddress returns the "source address" field of the IPv4 header.
func (b IPv4) SourceAddress() netcore.Address {
	return netcore.Address(b[srcAddr : srcAddr+IPv4AddressSize])
}

// DestinationAddress returns the "destination address" field of the IPv4
// header.
func (b IPv4) DestinationAddress() netcore.Address {
	return netcore.Address(b[dstAddr : dstAddr+IPv4AddressSize])
}

// Options returns a view of the options field of the IPv4 header.
func (b IPv4) Options() IPv4Options {
	return IPv4Options(b[IPv4MinimumSize:b.HeaderLength()])
}

// Payload returns a view of the bytes after the IPv4 header.
func (b IPv4) Payload() []byte { return b[b.HeaderLength():b.TotalLength()] }

// HasRouterAlertOption reports whether the header carries the Router Alert
// option, required on all IGMP control traffic.
func (b IPv4) HasRouterAlertOption() bool {
	opts := b.Options()
	for len(opts) > 0 {
		switch opts[0] {
		case 0x00: // end of options list
			return false
		case 0x01: // no-op
			opts = opts[1:]
		case 0x94:
			return true
		default:
			if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
				return false
			}
			opts = opts[opts[1]:]
		}
	}
	return false
}
