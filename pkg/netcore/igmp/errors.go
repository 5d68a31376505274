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

package igmp

import (
	"fmt"

	"nstack.dev/nstack/pkg/netcore"
)

// NotAMemberError is returned when leaving a group the device never joined.
type NotAMemberError struct {
	Group netcore.Address
}

func (e *NotAMemberError) Error() string {
	return fmt.Sprintf("not a member of group %s", e.Group)
}

// NoIPAddressError is returned when a message cannot be sent because the
// device has no IPv4 address to source it from.
type NoIPAddressError struct {
	Device netcore.DeviceID
}

func (e *NoIPAddressError) Error() string {
	return fmt.Sprintf("no IPv4 address configured on device %d", e.Device)
}

// SendFailureError wraps a failure to emit an IGMP message to addr.
type SendFailureError struct {
	Addr netcore.Address
	Err  error
}

func (e *SendFailureError) Error() string {
	return fmt.Sprintf("failed to send IGMP message to %s: %s", e.Addr, e.Err)
}

func (e *SendFailureError) Unwrap() error { return e.Err }
