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

// Package netcore defines the core value types and execution-context
// capabilities that protocol engines are written against.
//
// Protocol logic in this module never reads a wall clock, arms an OS timer,
// or touches a socket directly. It observes time, schedules work, and emits
// frames exclusively through the narrow interfaces in this package, which
// lets the same engine code run against a real dispatcher in production and
// against the deterministic fakes in package testutil.
package netcore

import (
	"fmt"
	"math"
	"time"
)

// Address is a byte slice cast as a string that represents the protocol
// address of a network node. For IPv4 it holds exactly 4 bytes.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string {
	if len(a) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
	}
	return fmt.Sprintf("%x", string(a))
}

// LinkAddress is a byte slice cast as a string that represents a link
// layer (hardware) address. For Ethernet it holds exactly 6 bytes.
type LinkAddress string

// String implements fmt.Stringer.
func (a LinkAddress) String() string {
	if len(a) == 6 {
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	}
	return fmt.Sprintf("%x", string(a))
}

// DeviceID is a number that uniquely identifies a network device.
type DeviceID int32

// MonotonicTime is an opaque monotonic timestamp, a nanosecond offset from
// an unspecified epoch. The zero value is the epoch itself, which is also
// the initial instant of the deterministic test harness.
//
// Two reads of "now" on the same context are non-decreasing. Engines only
// ever receive instants by value; they never construct them from wall time.
type MonotonicTime struct {
	nanoseconds int64
}

// MonotonicTimeFromNanoseconds returns a MonotonicTime at the given offset
// from the epoch. Intended for dispatchers and tests, not protocol code.
func MonotonicTimeFromNanoseconds(ns int64) MonotonicTime {
	return MonotonicTime{nanoseconds: ns}
}

// Nanoseconds returns the offset from the epoch.
func (mt MonotonicTime) Nanoseconds() int64 {
	return mt.nanoseconds
}

// Before reports whether mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns mt+d, saturating at the representable extremes.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	if t, ok := mt.AddChecked(d); ok {
		return t
	}
	if d > 0 {
		return MonotonicTime{nanoseconds: math.MaxInt64}
	}
	return MonotonicTime{nanoseconds: math.MinInt64}
}

// AddChecked returns mt+d and whether the addition overflowed.
func (mt MonotonicTime) AddChecked(d time.Duration) (MonotonicTime, bool) {
	sum := mt.nanoseconds + d.Nanoseconds()
	if (sum > mt.nanoseconds) != (d > 0) && d != 0 {
		return MonotonicTime{}, false
	}
	return MonotonicTime{nanoseconds: sum}, true
}

// Sub returns the duration mt-u.
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Duration(mt.nanoseconds-u.nanoseconds) * time.Nanosecond
}

// String implements fmt.Stringer.
func (mt MonotonicTime) String() string {
	return fmt.Sprintf("+%s", time.Duration(mt.nanoseconds))
}
