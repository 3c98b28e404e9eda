// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@thellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitherhost/hitherhost/proxy/internal/counter"
)

const metricsNamespace = "hitherhost"

type metrics struct {
	registry *prometheus.Registry

	sessions        prometheus.Counter
	sessionErrors   *prometheus.CounterVec
	sessionsOpen    prometheus.Gauge
	sessionDuration prometheus.Histogram
	acceptErrors    *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	events          *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		sessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Accepted TCP connections",
		}),
		sessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_errors_total",
			Help:      "Sessions that ended with an error, by phase",
		}, []string{"phase"}),
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_open",
			Help:      "Sessions currently in flight",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		acceptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accept_errors_total",
			Help:      "Accept errors, by class",
		}, []string{"class"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_bytes_total",
			Help:      "Plaintext payload bytes relayed between clients and the backend, by direction (received from clients, sent to clients)",
		}, []string{"direction"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Notable events",
		}, []string{"event"}),
	}
}

// registerRates exports the rates of the proxy-wide byte counters, averaged
// over the last minute.
func (m *metrics) registerRates(received, sent *counter.Counter) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "receive_rate_bytes",
		Help:      "Bytes received from clients per second, over the last minute",
	}, func() float64 { return received.Rate(time.Minute) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "send_rate_bytes",
		Help:      "Bytes sent to clients per second, over the last minute",
	}, func() float64 { return sent.Rate(time.Minute) })
}

// MetricsHandler returns an http.Handler that exports the proxy's metrics in
// the prometheus format.
func (p *Proxy) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{})
}

func (p *Proxy) recordEvent(s string) {
	p.metrics.events.WithLabelValues(s).Inc()
}
