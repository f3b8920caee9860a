// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type brokerMetrics struct {
	trades    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	registry  *prometheus.CounterVec
	calls     *prometheus.CounterVec
}

var (
	brokerMetricsOnce sync.Once
	brokerRegistry    *brokerMetrics
)

// Metrics returns the lazily-initialised broker metrics.
func Metrics() *brokerMetrics {
	brokerMetricsOnce.Do(func() {
		brokerRegistry = &brokerMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "trades_total",
				Help:      "Margin trades segmented by kind, swap mode and outcome.",
			}, []string{"kind", "mode", "outcome"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "callbacks_total",
				Help:      "Swap callbacks received, by outcome.",
			}, []string{"outcome"}),
			registry: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "registry_mutations_total",
				Help:      "Asset registry writes, by receipt field.",
			}, []string{"field"}),
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "calls_total",
				Help:      "Precompile calls, by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			brokerRegistry.trades,
			brokerRegistry.callbacks,
			brokerRegistry.registry,
			brokerRegistry.calls,
		)
	})
	return brokerRegistry
}

// Trades exposes the trade counter for scraping in tests and tools.
func (m *brokerMetrics) Trades() *prometheus.CounterVec { return m.trades }

func (m *brokerMetrics) observeTrade(kind TradeKind, mode SwapMode, err error) {
	m.trades.WithLabelValues(kind.String(), mode.String(), outcome(err)).Inc()
}

func (m *brokerMetrics) observeCallback(err error) {
	m.callbacks.WithLabelValues(outcome(err)).Inc()
}

func (m *brokerMetrics) observeRegistry(field string) {
	m.registry.WithLabelValues(field).Inc()
}

func (m *brokerMetrics) observeCall(method string, err error) {
	m.calls.WithLabelValues(method, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
