// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package metrics exposes the queue monitor's observable counters as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements [forgequeue.dev/pkg/internal/queue.Metrics] using
// Prometheus counters for the three observable counters spec.md §6
// names: nrQueueWakeups, nrBuildsRead, nrBuildsDone.
type Recorder struct {
	once         sync.Once
	queueWakeups prom.Counter
	buildsRead   prom.Counter
	buildsDone   prom.Counter
}

// NewRecorder constructs and registers the queue monitor's metrics
// against reg (a nil reg creates a fresh [prom.Registry]). Each call
// registers a new set of counters, so calling it twice with the same reg
// panics on the duplicate registration.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{}
	r.once.Do(func() {
		r.queueWakeups = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgequeue",
			Name:      "queue_wakeups_total",
			Help:      "Number of times the Notification Loop has woken to scan the queue.",
		})
		r.buildsRead = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgequeue",
			Name:      "builds_read_total",
			Help:      "Number of queued build rows the Queue Scanner has read.",
		})
		r.buildsDone = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgequeue",
			Name:      "builds_done_total",
			Help:      "Number of builds the Build Loader has finished (cached, aborted, failed, or unsupported).",
		})
		reg.MustRegister(r.queueWakeups, r.buildsRead, r.buildsDone)
	})
	return r
}

func (r *Recorder) IncQueueWakeups() { r.queueWakeups.Inc() }
func (r *Recorder) IncBuildsRead()   { r.buildsRead.Inc() }
func (r *Recorder) IncBuildsDone()   { r.buildsDone.Inc() }

// HTTPHandler returns an http.Handler that serves reg's metrics in
// Prometheus exposition format.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
