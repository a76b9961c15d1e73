//go:build !noprometheus

// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brumed_pool_creations_total",
			Help: "Number of pool creation attempts by outcome",
		},
		[]string{"pool", "outcome"},
	)
	poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brumed_pool_size",
			Help: "Number of ready resources in a pool",
		},
		[]string{"pool"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brumed_channel_requests_total",
			Help: "Number of requests received per role and method",
		},
		[]string{"role", "method"},
	)
	approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brumed_approvals_total",
			Help: "Number of approval requests by outcome",
		},
		[]string{"method", "outcome"},
	)
	relaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brumed_relay_sessions",
			Help: "Number of live relay sessions",
		},
	)
	relayReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brumed_relay_reconnects_total",
			Help: "Number of relay session reconnections by outcome",
		},
		[]string{"outcome"},
	)

	registerOnce sync.Once
)

// Init registers the metrics and serves them on address under /metrics.
// An empty address only registers.  Server errors go to errLog.
func Init(address string, errLog *log.Logger) {
	registerOnce.Do(func() {
		prometheus.MustRegister(poolCreations)
		prometheus.MustRegister(poolSize)
		prometheus.MustRegister(requests)
		prometheus.MustRegister(approvals)
		prometheus.MustRegister(relaySessions)
		prometheus.MustRegister(relayReconnects)
	})

	if address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ErrorLog: errLog}
	go func() {
		if err := srv.ListenAndServe(); err != nil && errLog != nil {
			errLog.Printf("metrics endpoint: %v", err)
		}
	}()
}

// PoolCreation counts one creation attempt.
func PoolCreation(pool, outcome string) {
	poolCreations.With(prometheus.Labels{"pool": pool, "outcome": outcome}).Inc()
}

// PoolSize records the number of ready resources.
func PoolSize(pool string, size int) {
	poolSize.With(prometheus.Labels{"pool": pool}).Set(float64(size))
}

func Request(role, method string) {
	requests.With(prometheus.Labels{"role": role, "method": method}).Inc()
}

func Approval(method, outcome string) {
	approvals.With(prometheus.Labels{"method": method, "outcome": outcome}).Inc()
}

func RelaySessions(n int) {
	relaySessions.Set(float64(n))
}

func RelayReconnect(outcome string) {
	relayReconnects.With(prometheus.Labels{"outcome": outcome}).Inc()
}
