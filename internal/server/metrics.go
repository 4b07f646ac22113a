// Copyright 2026 The Runicorn Authors
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

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics are the Prometheus collectors exported at /metrics.
type serverMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsConnections   prometheus.Gauge
	wsDroppedFrames prometheus.Counter
	rateLimited     *prometheus.CounterVec
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	m := &serverMetrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runicorn",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runicorn",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runicorn",
			Name:      "log_tail_connections",
			Help:      "Open log-tail WebSocket connections.",
		}),
		wsDroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runicorn",
			Name:      "log_tail_dropped_frames_total",
			Help:      "Log frames dropped due to slow WebSocket consumers.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runicorn",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by endpoint class.",
		}, []string{"class"}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsConnections,
		m.wsDroppedFrames,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
