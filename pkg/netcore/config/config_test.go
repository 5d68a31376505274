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

package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if got, want := cfg.ARP.RequestMaxTries, 4; got != want {
		t.Errorf("got ARP.RequestMaxTries = %d, want = %d", got, want)
	}
	if got, want := cfg.ARP.RequestPeriod.Duration, 20*time.Second; got != want {
		t.Errorf("got ARP.RequestPeriod = %s, want = %s", got, want)
	}
	if got, want := cfg.ARP.EntryExpiration.Duration, 60*time.Second; got != want {
		t.Errorf("got ARP.EntryExpiration = %s, want = %s", got, want)
	}
	if got, want := cfg.IGMP.UnsolicitedReportInterval.Duration, 10*time.Second; got != want {
		t.Errorf("got IGMP.UnsolicitedReportInterval = %s, want = %s", got, want)
	}
	if got, want := cfg.IGMP.V1RouterPresentTimeout.Duration, 400*time.Second; got != want {
		t.Errorf("got IGMP.V1RouterPresentTimeout = %s, want = %s", got, want)
	}
}

func TestParsePartialOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
[arp]
request_max_tries = 2
request_period = "5s"

[igmp]
v1_router_present_timeout = "1m"
`))
	if err != nil {
		t.Fatalf("Parse(...): %s", err)
	}
	if got, want := cfg.ARP.RequestMaxTries, 2; got != want {
		t.Errorf("got ARP.RequestMaxTries = %d, want = %d", got, want)
	}
	if got, want := cfg.ARP.RequestPeriod.Duration, 5*time.Second; got != want {
		t.Errorf("got ARP.RequestPeriod = %s, want = %s", got, want)
	}
	// Unnamed keys keep their defaults.
	if got, want := cfg.ARP.EntryExpiration.Duration, 60*time.Second; got != want {
		t.Errorf("got ARP.EntryExpiration = %s, want = %s", got, want)
	}
	if got, want := cfg.IGMP.V1RouterPresentTimeout.Duration, time.Minute; got != want {
		t.Errorf("got IGMP.V1RouterPresentTimeout = %s, want = %s", got, want)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero tries", "[arp]\nrequest_max_tries = 0\n"},
		{"negative period", "[arp]\nrequest_period = \"-5s\"\n"},
		{"bad duration", "[igmp]\nv1_router_present_timeout = \"lots\"\n"},
		{"wrong type", "[arp]\nrequest_period = 20\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse([]byte(test.data)); err == nil {
				t.Errorf("got Parse(%q) = nil, want error", test.data)
			}
		})
	}
}
