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

// Package metrics provides concrete implementations of the counter
// capability: a Prometheus-backed one for production dispatchers and a
// no-op one for deployments with diagnostics disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"nstack.dev/nstack/pkg/netcore"
)

// PrometheusCounters implements netcore.CounterContext on a Prometheus
// counter vector, labelled by counter name.
type PrometheusCounters struct {
	vec *prometheus.CounterVec
}

var _ netcore.CounterContext = (*PrometheusCounters)(nil)

// NewPrometheusCounters creates counters registered with the given
// registerer under the provided metric name.
func NewPrometheusCounters(reg prometheus.Registerer, name string) (*PrometheusCounters, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "Protocol engine diagnostic event counts, keyed by counter name.",
	}, []string{"counter"})
	if err := reg.Register(vec); err != nil {
		return nil, err
	}
	return &PrometheusCounters{vec: vec}, nil
}

// IncrementCounter implements netcore.CounterContext.
func (c *PrometheusCounters) IncrementCounter(name string) {
	c.vec.WithLabelValues(name).Inc()
}

// NopCounters implements netcore.CounterContext by discarding every
// increment.
type NopCounters struct{}

var _ netcore.CounterContext = NopCounters{}

// IncrementCounter implements netcore.CounterContext.
func (NopCounters) IncrementCounter(string) {}
