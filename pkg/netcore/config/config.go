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

// Package config loads tuning knobs for the protocol engines from TOML.
// The defaults match the engines' built-in constants; embedders that do not
// ship a config file can ignore this package entirely.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ARP holds the ARP engine knobs. None of these are protocol-mandated.
type ARP struct {
	// RequestMaxTries is the total number of ARP Requests sent for one
	// resolution attempt before it is reported as failed.
	RequestMaxTries int `toml:"request_max_tries"`

	// RequestPeriod is the wait between retransmitted ARP Requests.
	RequestPeriod duration `toml:"request_period"`

	// EntryExpiration is the lifetime of a dynamic table entry, renewed on
	// every confirming packet.
	EntryExpiration duration `toml:"entry_expiration"`
}

// IGMP holds the IGMPv2 engine knobs.
type IGMP struct {
	// UnsolicitedReportInterval is the maximum delay before the report sent
	// on joining a group.
	UnsolicitedReportInterval duration `toml:"unsolicited_report_interval"`

	// V1RouterPresentTimeout is how long after an IGMPv1 query the engine
	// keeps answering with V1 reports.
	V1RouterPresentTimeout duration `toml:"v1_router_present_timeout"`
}

// Config is the root of the engine configuration.
type Config struct {
	ARP  ARP  `toml:"arp"`
	IGMP IGMP `toml:"igmp"`
}

// Default returns a Config holding every engine's built-in defaults.
func Default() Config {
	return Config{
		ARP: ARP{
			RequestMaxTries: 4,
			RequestPeriod:   duration{20 * time.Second},
			EntryExpiration: duration{60 * time.Second},
		},
		IGMP: IGMP{
			UnsolicitedReportInterval: duration{10 * time.Second},
			V1RouterPresentTimeout:    duration{400 * time.Second},
		},
	}
}

// Parse decodes TOML data over the defaults, so a partial file overrides
// only the keys it names.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a TOML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func (cfg Config) validate() error {
	if cfg.ARP.RequestMaxTries < 1 {
		return fmt.Errorf("arp.request_max_tries must be at least 1, got %d", cfg.ARP.RequestMaxTries)
	}
	for _, d := range []struct {
		name string
		d    time.Duration
	}{
		{"arp.request_period", cfg.ARP.RequestPeriod.Duration},
		{"arp.entry_expiration", cfg.ARP.EntryExpiration.Duration},
		{"igmp.unsolicited_report_interval", cfg.IGMP.UnsolicitedReportInterval.Duration},
		{"igmp.v1_router_present_timeout", cfg.IGMP.V1RouterPresentTimeout.Duration},
	} {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	return nil
}

// duration wraps time.Duration with TOML string decoding ("20s", "1m30s").
type duration struct {
	time.Duration
}

var _ toml.Unmarshaler = (*duration)(nil)

// UnmarshalTOML implements toml.Unmarshaler.
func (d *duration) UnmarshalTOML(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("duration must be a string, got %T", v)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
