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

import "nstack.dev/nstack/pkg/netcore"

const (
	// EthernetAddressSize is the size, in bytes, of an Ethernet address.
	EthernetAddressSize = 6
)

// EthernetBroadcastAddress is an Ethernet address that addresses every node
// on a local link.
const EthernetBroadcastAddress = netcore.LinkAddress("\xff\xff\xff\xff\xff\xff")

// EthernetAddressFromMulticastIPv4Address returns a multicast Ethernet
// address for a multicast IPv4 address.
//
// RFC 1112 Host Extensions for IP Multicasting, section 6.4:
//
//	An IP host group address is mapped to an Ethernet multicast address
//	by placing the low-order 23-bits of the IP address into the low-order
//	23 bits of the Ethernet multicast address 01-00-5E-00-00-00 (hex).
func EthernetAddressFromMulticastIPv4Address(addr netcore.Address) netcore.LinkAddress {
	return netcore.LinkAddress([]byte{
		0x01,
		0x00,
		0x5e,
		addr[IPv4AddressSize-3] & 0x7f,
		addr[IPv4AddressSize-2],
		addr[IPv4AddressSize-1],
	})
}
