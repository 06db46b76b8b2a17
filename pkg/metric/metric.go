// Copyright 2026 The Exofork Authors.
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

// Package metric collects exokernel and fork counters and exports them in
// the Prometheus text format.
package metric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"exofork.dev/exofork/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Duplication kinds, used as the "kind" label of PagesDuplicated.
const (
	KindCOW    = "cow"
	KindShared = "shared"
)

// Collector holds all exofork metrics in its own registry.
type Collector struct {
	registry *prometheus.Registry

	// Forks counts successful forks by variant ("fork" or "sfork").
	Forks *prometheus.CounterVec

	// PagesDuplicated counts pages mapped into a child, by kind.
	PagesDuplicated *prometheus.CounterVec

	// COWFaults counts faults resolved by installing a private copy.
	COWFaults prometheus.Counter

	// FatalFaults counts faults that destroyed the faulting environment,
	// by failure class.
	FatalFaults *prometheus.CounterVec

	// Syscalls counts exokernel syscalls by name and result.
	Syscalls *prometheus.CounterVec

	// FramesInUse is the number of referenced physical frames.
	FramesInUse prometheus.Gauge

	// Envs is the number of environments per status.
	Envs *prometheus.GaugeVec
}

// New creates and registers all exofork metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		Forks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_forks_total",
				Help: "Total number of environments created by fork.",
			},
			[]string{"variant"},
		),

		PagesDuplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_pages_duplicated_total",
				Help: "Total number of pages mapped into a forked child.",
			},
			[]string{"kind"},
		),

		COWFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exofork_cow_faults_total",
				Help: "Total number of copy-on-write faults resolved with a private copy.",
			},
		),

		FatalFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_fatal_faults_total",
				Help: "Total number of faults that destroyed the faulting environment.",
			},
			[]string{"class"},
		),

		Syscalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_syscalls_total",
				Help: "Total number of exokernel syscalls.",
			},
			[]string{"syscall", "result"},
		),

		FramesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exofork_frames_in_use",
				Help: "Number of referenced physical frames.",
			},
		),

		Envs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exofork_envs",
				Help: "Number of environments per status.",
			},
			[]string{"status"},
		),
	}

	c.registry.MustRegister(
		c.Forks,
		c.PagesDuplicated,
		c.COWFaults,
		c.FatalFaults,
		c.Syscalls,
		c.FramesInUse,
		c.Envs,
	)
	return c
}

// Handler returns an http.Handler that serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server serves a Collector over HTTP at /metrics.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Serve starts serving c's metrics on the TCP address addr.
func (c *Collector) Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	s := &Server{ln: ln, srv: &http.Server{Handler: mux}}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warningf("Metrics server error: %v", err)
		}
	}()
	log.Infof("Serving metrics on http://%v/metrics", ln.Addr())
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// WriteText writes every metric to w in the Prometheus text format.
func (c *Collector) WriteText(w io.Writer) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// IncSyscall records one syscall and whether it failed.
func (c *Collector) IncSyscall(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Syscalls.WithLabelValues(name, result).Inc()
}

// Value returns the current value of a counter or gauge, or zero for any
// other kind of metric.
func Value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	default:
		return 0
	}
}

// Default is the collector used when none is configured.
var Default = New()
