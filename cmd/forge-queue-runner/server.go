// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	prom "github.com/prometheus/client_golang/prometheus"

	"forgequeue.dev/pkg/internal/metrics"
	"forgequeue.dev/pkg/internal/queue"
)

// newStatusServer builds the HTTP handler serving /metrics (Prometheus
// exposition format) and /status (a small JSON snapshot), wrapped in
// combined-logging middleware the way the teacher's own status UI is
// (cmd/zb/serve_ui.go's use of gorilla/handlers).
func newStatusServer(reg *prom.Registry, mon *queue.Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"lastBuildId": mon.LastBuildID(),
		})
	})
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "forge-queue-runner")
	})
	return handlers.CombinedLoggingHandler(logWriter{}, mux)
}

// logWriter adapts zombiezen.com/go/log's default output to the
// io.Writer gorilla/handlers expects for its access log.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	return fmt.Print(string(p))
}
